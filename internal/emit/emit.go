// Package emit serializes bus events to the process's output streams.
// Data, status, and log events go to stdout; error events go to stderr.
// Nothing else in the process is allowed to write to either stream.
package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"

	"github.com/link-assistant/agent/internal/bus"
)

// Standard selects the output field convention.
type Standard string

const (
	// StandardOpencode is the default: camelCase keys, Unix millisecond
	// timestamps.
	StandardOpencode Standard = "opencode"
	// StandardClaude emits snake_case keys and ISO-8601 timestamps.
	StandardClaude Standard = "claude"
)

// maxStringLen caps any single string value inside an envelope.
const maxStringLen = 4096

// Emitter writes bus events as JSON envelopes.
type Emitter struct {
	Out io.Writer
	Err io.Writer
	// Compact emits one object per line with no whitespace; the default
	// is indented.
	Compact  bool
	Standard Standard
	// Verbose includes http.trace events and debug-level logs.
	Verbose bool

	mu sync.Mutex
}

// Emit serializes one event onto the right stream. It never returns an
// error: a marshal failure becomes an error envelope of its own.
func (e *Emitter) Emit(ev bus.Event) {
	if !e.Verbose {
		switch {
		case ev.Kind == bus.KindHTTPTrace:
			return
		case ev.Kind == bus.KindLog && ev.Level == "debug":
			return
		}
	}

	w := e.Out
	if ev.Kind == bus.KindError {
		w = e.Err
	}
	e.write(w, e.envelope(ev))
}

// EmitRaw writes a pre-built envelope, applying the same standard and
// formatting rules. Used for runtime error wrapping.
func (e *Emitter) EmitRaw(w io.Writer, envelope map[string]any) {
	e.write(w, e.transform(envelope))
}

// Run consumes events from a subscription until the channel closes.
func (e *Emitter) Run(events <-chan bus.Event) {
	for ev := range events {
		e.Emit(ev)
	}
}

func (e *Emitter) envelope(ev bus.Event) map[string]any {
	raw, err := json.Marshal(ev)
	if err != nil {
		return e.transform(map[string]any{
			"type":      "error",
			"errorType": "SerializationError",
			"message":   err.Error(),
		})
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"type": "error", "message": err.Error()}
	}

	// Timestamps default to Unix milliseconds; the claude standard keeps
	// the RFC 3339 string the Event marshaled.
	if e.Standard != StandardClaude {
		if !ev.Time.IsZero() {
			m["time"] = ev.Time.UnixMilli()
		}
	}
	return e.transform(m)
}

// transform applies string truncation and, for the claude standard, key
// renaming. Depth is bounded so a pathological value cannot recurse
// forever.
func (e *Emitter) transform(m map[string]any) map[string]any {
	v := sanitize(m, 0, e.Standard == StandardClaude)
	out, ok := v.(map[string]any)
	if !ok {
		return map[string]any{"value": v}
	}
	return out
}

const maxDepth = 32

func sanitize(v any, depth int, snake bool) any {
	if depth > maxDepth {
		return "[truncated: too deep]"
	}
	switch t := v.(type) {
	case string:
		if len(t) > maxStringLen {
			return t[:maxStringLen] + "…[truncated]"
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if snake {
				k = toSnake(k)
			}
			out[k] = sanitize(val, depth+1, snake)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for n, val := range t {
			out[n] = sanitize(val, depth+1, snake)
		}
		return out
	default:
		return v
	}
}

// toSnake converts camelCase field names, treating acronym runs as one
// word: sessionID becomes session_id.
func toSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for n, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := n > 0 && unicode.IsLower(runes[n-1])
			nextLower := n+1 < len(runes) && unicode.IsLower(runes[n+1])
			if prevLower || (n > 0 && nextLower) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (e *Emitter) write(w io.Writer, envelope map[string]any) {
	var raw []byte
	var err error
	// The claude standard is NDJSON: one object per line, regardless of
	// the compact flag.
	if e.Compact || e.Standard == StandardClaude {
		raw, err = json.Marshal(envelope)
	} else {
		raw, err = json.MarshalIndent(envelope, "", "  ")
	}
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"type":"error","errorType":"SerializationError","message":%q}`, err.Error()))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	w.Write(raw)
	w.Write([]byte{'\n'})
}
