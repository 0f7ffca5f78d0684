package bus

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestLogHandlerPublishesRecords(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(Filter{Kinds: []Kind{KindLog}})
	defer cancel()

	logger := slog.New(NewLogHandler(b, slog.LevelInfo))
	logger.Warn("chunk skipped", "offset", 7)

	e := <-ch
	if e.Kind != KindLog || e.Level != "warning" {
		t.Fatalf("event %+v", e)
	}
	if !strings.Contains(e.Message, "chunk skipped") || !strings.Contains(e.Message, "offset=7") {
		t.Fatalf("message %q", e.Message)
	}
}

func TestLogHandlerSessionAttrScopesEvent(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(Filter{SessionID: "s1", Kinds: []Kind{KindLog}})
	defer cancel()

	logger := slog.New(NewLogHandler(b, slog.LevelDebug)).With("sessionID", "s1")
	logger.Info("resumed")

	e := <-ch
	if e.SessionID != "s1" || e.Level != "info" {
		t.Fatalf("event %+v", e)
	}
	if strings.Contains(e.Message, "sessionID") {
		t.Fatalf("session attr leaked into message: %q", e.Message)
	}
}

func TestLogHandlerRespectsMinLevel(t *testing.T) {
	b := New()
	h := NewLogHandler(b, slog.LevelWarn)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info enabled at warn threshold")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error disabled at warn threshold")
	}
}

func TestLogHandlerGroupPrefixesKeys(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(Filter{Kinds: []Kind{KindLog}})
	defer cancel()

	logger := slog.New(NewLogHandler(b, slog.LevelDebug)).WithGroup("mcp").With("server", "files")
	logger.Info("started", "pid", 42)

	e := <-ch
	if !strings.Contains(e.Message, "mcp.server=files") || !strings.Contains(e.Message, "mcp.pid=42") {
		t.Fatalf("message %q", e.Message)
	}
}
