package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/link-assistant/agent/internal/agenterr"
	"github.com/link-assistant/agent/internal/bus"
	"github.com/link-assistant/agent/internal/catalog"
	"github.com/link-assistant/agent/internal/llm"
	"github.com/link-assistant/agent/internal/tools"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &Session{Provider: "anthropic", Model: "claude-sonnet-4-5", CWD: "/tmp/w"}
	if err := s.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if sess.ID == "" {
		t.Fatal("create did not assign an id")
	}

	got, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Provider != "anthropic" || got.Model != "claude-sonnet-4-5" {
		t.Fatalf("got %+v", got)
	}

	missing, err := s.Get(ctx, "ses_nope")
	if err != nil || missing != nil {
		t.Fatalf("missing session: %v %v", missing, err)
	}
}

func TestStoreMessageSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &Session{Provider: "openai", Model: "gpt-5"}
	if err := s.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"one", "two", "three"} {
		if err := s.AddMessage(ctx, sess.ID, llm.UserText(text)); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.Messages(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for n, want := range []string{"one", "two", "three"} {
		if got := msgs[n].TextContent(); got != want {
			t.Fatalf("message %d: %q", n, got)
		}
	}
}

func TestStoreMessagePartsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &Session{Provider: "openai", Model: "gpt-5"}
	if err := s.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}

	msg := llm.Message{Role: llm.RoleAssistant, Parts: []llm.Part{
		{Type: llm.PartText, Text: "checking"},
		{Type: llm.PartToolCall, ToolCall: &llm.ToolCall{
			ID: "c1", Name: "read", Arguments: json.RawMessage(`{"path":"x"}`),
			State: llm.ToolCompleted,
		}},
	}}
	if err := s.AddMessage(ctx, sess.ID, msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Messages(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || len(msgs[0].Parts) != 2 {
		t.Fatalf("got %+v", msgs)
	}
	call := msgs[0].Parts[1].ToolCall
	if call == nil || call.ID != "c1" || call.State != llm.ToolCompleted {
		t.Fatalf("call part %+v", call)
	}
}

func TestStoreForkCopiesHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parent := &Session{Provider: "openai", Model: "gpt-5", Title: "orig"}
	if err := s.Create(ctx, parent); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMessage(ctx, parent.ID, llm.UserText("hello")); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMessage(ctx, parent.ID, llm.AssistantText("hi")); err != nil {
		t.Fatal(err)
	}

	child, err := s.Fork(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if child.ID == parent.ID || child.ParentID != parent.ID {
		t.Fatalf("child %+v", child)
	}
	if child.Provider != "openai" || child.Model != "gpt-5" {
		t.Fatalf("identity not inherited: %+v", child)
	}

	msgs, err := s.Messages(ctx, child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("child history %d", len(msgs))
	}

	// New messages on the child leave the parent untouched.
	if err := s.AddMessage(ctx, child.ID, llm.UserText("more")); err != nil {
		t.Fatal(err)
	}
	parentMsgs, _ := s.Messages(ctx, parent.ID)
	if len(parentMsgs) != 2 {
		t.Fatalf("parent history grew to %d", len(parentMsgs))
	}
}

func TestStoreMostRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if sess, err := s.MostRecent(ctx); err != nil || sess != nil {
		t.Fatalf("empty store: %v %v", sess, err)
	}

	a := &Session{Provider: "openai", Model: "gpt-5"}
	b := &Session{Provider: "openai", Model: "gpt-5"}
	if err := s.Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, b); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMessage(ctx, a.ID, llm.UserText("bump")); err != nil {
		t.Fatal(err)
	}

	recent, err := s.MostRecent(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if recent == nil || recent.ID != a.ID {
		t.Fatalf("most recent %+v, want %s", recent, a.ID)
	}
}

func TestStoreMetrics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &Session{Provider: "openai", Model: "gpt-5"}
	if err := s.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementUserTurns(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMetrics(ctx, sess.ID, 2, 3, 100, 50); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMetrics(ctx, sess.ID, 1, 0, 10, 5); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserTurns != 1 || got.LLMTurns != 3 || got.ToolCalls != 3 {
		t.Fatalf("turns %+v", got)
	}
	if got.InputTokens != 110 || got.OutputTokens != 55 {
		t.Fatalf("tokens %+v", got)
	}
}

func TestTitleFrom(t *testing.T) {
	if got := titleFrom("fix the build\nplease"); got != "fix the build" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("word ", 40)
	got := titleFrom(long)
	if len(got) > titleMaxLen+4 {
		t.Fatalf("title too long: %d", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("truncated title missing ellipsis: %q", got)
	}
	if strings.HasSuffix(strings.TrimSuffix(got, "…"), "wor") {
		t.Fatalf("cut mid-word: %q", got)
	}
}

// scriptedModel plays back a fixed sequence of steps.
type scriptedModel struct {
	steps [][]llm.Delta
	calls int
}

func (m *scriptedModel) ProviderID() string { return "test" }
func (m *scriptedModel) ModelID() string    { return "scripted" }

func (m *scriptedModel) Stream(_ context.Context, _ llm.Request) (llm.Stream, error) {
	if m.calls >= len(m.steps) {
		return llm.SliceStream([]llm.Delta{{Type: llm.DeltaFinish, RawReason: "stop",
			RawUsage: map[string]any{"outputTokens": float64(1)}}}), nil
	}
	step := m.steps[m.calls]
	m.calls++
	return llm.SliceStream(step), nil
}

type pingTool struct{}

func (pingTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: "ping", Schema: map[string]any{"type": "object"}}
}

func (pingTool) Run(tools.RunContext, json.RawMessage) tools.Result {
	return tools.Ok("pong")
}

func TestLoopRunsToolStepThenStops(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &Session{Provider: "test", Model: "scripted"}
	if err := s.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMessage(ctx, sess.ID, llm.UserText("go")); err != nil {
		t.Fatal(err)
	}

	reg := tools.NewRegistry()
	reg.Register(pingTool{})
	model := &scriptedModel{steps: [][]llm.Delta{
		{
			{Type: llm.DeltaToolCall, Tool: &llm.ToolCall{ID: "c1", Name: "ping"}},
			{Type: llm.DeltaFinish, RawReason: "tool_calls",
				RawUsage: map[string]any{"inputTokens": float64(10), "outputTokens": float64(5)}},
		},
		{
			{Type: llm.DeltaText, PartID: "t0", Text: "done"},
			{Type: llm.DeltaFinish, RawReason: "stop",
				RawUsage: map[string]any{"inputTokens": float64(20), "outputTokens": float64(3)}},
		},
	}}

	b := bus.New()
	r := &Runtime{
		Store:      s,
		Bus:        b,
		Registry:   reg,
		Dispatcher: tools.NewDispatcher(reg, b, t.TempDir()),
	}
	if err := r.loop(ctx, sess, model, toolCapableModel(), nil); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Messages(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	// user, assistant(tool call), tool result, assistant(text)
	if len(msgs) != 4 {
		t.Fatalf("history has %d messages", len(msgs))
	}
	if msgs[2].Role != llm.RoleTool {
		t.Fatalf("message 2 role %q", msgs[2].Role)
	}
	if got := msgs[2].Parts[0].ToolResult.Content; got != "pong" {
		t.Fatalf("tool result %q", got)
	}
	if got := msgs[3].TextContent(); got != "done" {
		t.Fatalf("final text %q", got)
	}

	got, _ := s.Get(ctx, sess.ID)
	if got.LLMTurns != 2 || got.ToolCalls != 1 {
		t.Fatalf("metrics %+v", got)
	}
	if got.InputTokens != 30 || got.OutputTokens != 8 {
		t.Fatalf("tokens %+v", got)
	}
}

// flakyModel fails a number of times before yielding a clean stop.
type flakyModel struct {
	failures int
}

func (m *flakyModel) ProviderID() string { return "test" }
func (m *flakyModel) ModelID() string    { return "flaky" }

func (m *flakyModel) Stream(_ context.Context, _ llm.Request) (llm.Stream, error) {
	if m.failures > 0 {
		m.failures--
		return nil, agenterr.New(agenterr.KindServerRetryable, "overloaded")
	}
	return llm.SliceStream([]llm.Delta{
		{Type: llm.DeltaText, PartID: "t0", Text: "ok"},
		{Type: llm.DeltaFinish, RawReason: "stop",
			RawUsage: map[string]any{"outputTokens": float64(1)}},
	}), nil
}

func TestLoopRetriesTransientFailures(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &Session{Provider: "test", Model: "flaky"}
	if err := s.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	sub, unsub := b.Subscribe(bus.Filter{Kinds: []bus.Kind{bus.KindRetry}})
	defer unsub()

	r := &Runtime{Store: s, Bus: b, RetryBudget: 2, RetryBaseDelay: time.Millisecond}
	if err := r.loop(ctx, sess, &flakyModel{failures: 2}, toolCapableModel(), nil); err != nil {
		t.Fatal(err)
	}

	retries := 0
	for done := false; !done; {
		select {
		case <-sub:
			retries++
		default:
			done = true
		}
	}
	if retries != 2 {
		t.Fatalf("saw %d retry events", retries)
	}
}

func TestLoopExhaustsRetryBudget(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &Session{Provider: "test", Model: "flaky"}
	if err := s.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}

	r := &Runtime{Store: s, RetryBudget: 1, RetryBaseDelay: time.Millisecond}
	err := r.loop(ctx, sess, &flakyModel{failures: 5}, toolCapableModel(), nil)
	if agenterr.KindOf(err) != agenterr.KindServerRetryable {
		t.Fatalf("want ServerRetryable after budget exhausted, got %v", err)
	}
}

func toolCapableModel() catalog.Model {
	return catalog.Model{ToolCall: true}
}
