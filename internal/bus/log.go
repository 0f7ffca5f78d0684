package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LogHandler is a slog.Handler that publishes records as log events. Wiring
// it as the default logger keeps library log output on the JSON event stream
// instead of leaking plain text to stderr.
type LogHandler struct {
	bus    *Bus
	min    slog.Level
	attrs  []slog.Attr
	prefix string
}

func NewLogHandler(b *Bus, min slog.Level) *LogHandler {
	return &LogHandler{bus: b, min: min}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *LogHandler) Handle(_ context.Context, rec slog.Record) error {
	var sessionID string
	var sb strings.Builder
	sb.WriteString(rec.Message)

	appendAttr := func(a slog.Attr) bool {
		if a.Key == "sessionID" {
			sessionID = a.Value.String()
			return true
		}
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value.Any())
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		return appendAttr(a)
	})

	h.bus.Publish(Event{
		Kind:      KindLog,
		SessionID: sessionID,
		Level:     logLevel(rec.Level),
		Message:   sb.String(),
	})
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

// WithGroup flattens groups: the event stream carries a single message
// string, so the group name becomes an attr key prefix instead.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func logLevel(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warning"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
