package bus

import (
	"testing"
	"time"

	"github.com/link-assistant/agent/internal/llm"
)

func TestPublishOrderPerSession(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(Filter{SessionID: "s1"})
	defer cancel()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Kind: KindTextDelta, SessionID: "s1", Text: string(rune('a' + i))})
	}

	var lastSeq int64
	for i := 0; i < 10; i++ {
		e := <-ch
		if e.Seq <= lastSeq {
			t.Fatalf("sequence went backward: %d after %d", e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		if want := string(rune('a' + i)); e.Text != want {
			t.Fatalf("event %d out of order: got %q want %q", i, e.Text, want)
		}
	}
}

func TestFilterBySessionAndKind(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(Filter{SessionID: "s1", Kinds: []Kind{KindError}})
	defer cancel()

	b.Publish(Event{Kind: KindTextDelta, SessionID: "s1"})
	b.Publish(Event{Kind: KindError, SessionID: "s2", Message: "other session"})
	b.Publish(Event{Kind: KindError, SessionID: "s1", Message: "mine"})

	e := <-ch
	if e.Kind != KindError || e.Message != "mine" {
		t.Fatalf("unexpected event: %+v", e)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe(Filter{}) // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+50; i++ {
			b.Publish(Event{Kind: KindTextDelta, SessionID: "s1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if b.Dropped() == 0 {
		t.Fatal("expected dropped events to be counted")
	}
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	b := New()
	_, cancelSlow := b.Subscribe(Filter{}) // full after subscriberBuffer
	defer cancelSlow()
	fast, cancelFast := b.Subscribe(Filter{})
	defer cancelFast()

	total := subscriberBuffer + 10
	go func() {
		for i := 0; i < total; i++ {
			b.Publish(Event{Kind: KindTextDelta, SessionID: "s1"})
		}
	}()

	received := 0
	timeout := time.After(2 * time.Second)
	for received < total {
		select {
		case <-fast:
			received++
		case <-timeout:
			t.Fatalf("fast subscriber starved: got %d of %d", received, total)
		}
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe(Filter{})
	cancel()
	cancel() // must not panic
}

func TestWaitIdleAfterStepFinish(t *testing.T) {
	b := New()
	idle := b.WaitIdle("s1")

	b.Publish(Event{Kind: KindStepStart, SessionID: "s1"})
	select {
	case <-idle:
		t.Fatal("idle before step finished")
	default:
	}

	b.Publish(Event{Kind: KindStepFinish, SessionID: "s1", FinishReason: llm.FinishStop})
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle signal not delivered")
	}
}

func TestWaitIdleHoldsForPendingToolCalls(t *testing.T) {
	b := New()
	idle := b.WaitIdle("s1")

	b.Publish(Event{Kind: KindStepStart, SessionID: "s1"})
	b.Publish(Event{Kind: KindToolCall, SessionID: "s1",
		ToolCall: &llm.ToolCall{ID: "c1", Name: "bash", State: llm.ToolPending}})
	b.Publish(Event{Kind: KindStepFinish, SessionID: "s1", FinishReason: llm.FinishStop})

	select {
	case <-idle:
		t.Fatal("idle while tool call pending")
	default:
	}

	b.Publish(Event{Kind: KindToolResult, SessionID: "s1",
		ToolResult: &llm.ToolResult{ID: "c1", Name: "bash", Content: "ok"}})
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle signal not delivered after tool result")
	}
}

func TestWaitIdleOnTerminalToolCallState(t *testing.T) {
	b := New()
	idle := b.WaitIdle("s1")

	b.Publish(Event{Kind: KindStepStart, SessionID: "s1"})
	b.Publish(Event{Kind: KindToolCall, SessionID: "s1",
		ToolCall: &llm.ToolCall{ID: "c1", Name: "bash", State: llm.ToolPending}})
	b.Publish(Event{Kind: KindStepFinish, SessionID: "s1", FinishReason: llm.FinishStop})

	select {
	case <-idle:
		t.Fatal("idle while tool call pending")
	default:
	}

	// A model-side result arrives as a completed tool.call, with no
	// separate tool.result event.
	b.Publish(Event{Kind: KindToolCall, SessionID: "s1",
		ToolCall: &llm.ToolCall{ID: "c1", Name: "bash", State: llm.ToolCompleted}})
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle signal not delivered after terminal tool call")
	}
}

func TestWaitIdleOnTerminalError(t *testing.T) {
	b := New()
	idle := b.WaitIdle("s1")
	b.Publish(Event{Kind: KindError, SessionID: "s1", Message: "boom"})
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("terminal error should complete idle")
	}
}

func TestToolCallsFinishDoesNotIdle(t *testing.T) {
	b := New()
	idle := b.WaitIdle("s1")
	b.Publish(Event{Kind: KindStepFinish, SessionID: "s1", FinishReason: llm.FinishToolCalls})
	select {
	case <-idle:
		t.Fatal("tool-calls finish must not signal idle")
	default:
	}
}
