package session

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/link-assistant/agent/internal/agenterr"
	"github.com/link-assistant/agent/internal/bus"
	"github.com/link-assistant/agent/internal/catalog"
	"github.com/link-assistant/agent/internal/llm"
	"github.com/link-assistant/agent/internal/tools"
)

// fakeSource serves a single scripted model for any reference.
type fakeSource struct {
	model llm.LanguageModel
	rec   catalog.Model
	err   error
}

func (f *fakeSource) GetModel(_ context.Context, _, _ string) (llm.LanguageModel, catalog.Model, error) {
	if f.err != nil {
		return nil, catalog.Model{}, f.err
	}
	return f.model, f.rec, nil
}

func (f *fakeSource) DefaultModel() (string, string, bool) { return "provider", "small", true }
func (f *fakeSource) OAuth(string) bool                    { return false }

func collect(sub <-chan bus.Event, quiet time.Duration) []bus.Event {
	var out []bus.Event
	for {
		select {
		case e := <-sub:
			out = append(out, e)
		case <-time.After(quiet):
			return out
		}
	}
}

func kinds(events []bus.Event) []bus.Kind {
	out := make([]bus.Kind, len(events))
	for n, e := range events {
		out[n] = e.Kind
	}
	return out
}

func indexOf(ks []bus.Kind, k bus.Kind) int {
	for n, got := range ks {
		if got == k {
			return n
		}
	}
	return -1
}

func TestScenarioSimpleArithmetic(t *testing.T) {
	s := openTestStore(t)
	b := bus.New()
	sub, unsub := b.Subscribe(bus.Filter{})
	defer unsub()

	model := &scriptedModel{steps: [][]llm.Delta{{
		{Type: llm.DeltaText, PartID: "t0", Text: "4"},
		{Type: llm.DeltaUsage, Usage: &llm.Usage{InputTokens: 12, OutputTokens: 1}},
		{Type: llm.DeltaFinish, RawReason: "stop"},
	}}}
	r := &Runtime{
		Store:    s,
		Bus:      b,
		Resolver: &fakeSource{model: model, rec: catalog.Model{Cost: catalog.Cost{Input: 1, Output: 2}}},
	}
	if err := r.Run(context.Background(), RunOptions{}, "What is 2 + 2?"); err != nil {
		t.Fatal(err)
	}

	ks := kinds(collect(sub, 100*time.Millisecond))
	want := []bus.Kind{
		bus.KindSessionCreated, bus.KindStepStart, bus.KindTextDelta,
		bus.KindTextFinal, bus.KindStepFinish, bus.KindUsageUpdate, bus.KindSessionIdle,
	}
	last := -1
	for _, k := range want {
		n := indexOf(ks, k)
		if n < 0 {
			t.Fatalf("missing %s in %v", k, ks)
		}
		if n < last {
			t.Fatalf("%s out of order in %v", k, ks)
		}
		last = n
	}

	msgs := collectFromStore(t, s)
	if got := msgs[len(msgs)-1].TextContent(); got != "4" {
		t.Fatalf("assistant text %q", got)
	}
}

func collectFromStore(t *testing.T, s *Store) []llm.Message {
	t.Helper()
	ctx := context.Background()
	sess, err := s.MostRecent(ctx)
	if err != nil || sess == nil {
		t.Fatalf("no session: %v", err)
	}
	msgs, err := s.Messages(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

type lsTool struct{}

func (lsTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: "bash", Schema: map[string]any{"type": "object"}}
}

func (lsTool) Run(_ tools.RunContext, input json.RawMessage) tools.Result {
	return tools.Ok("main.go\ngo.mod")
}

func TestScenarioToolUseLoop(t *testing.T) {
	s := openTestStore(t)
	b := bus.New()
	sub, unsub := b.Subscribe(bus.Filter{})
	defer unsub()

	reg := tools.NewRegistry()
	reg.Register(lsTool{})
	model := &scriptedModel{steps: [][]llm.Delta{
		{
			{Type: llm.DeltaToolCall, Tool: &llm.ToolCall{
				ID: "c1", Name: "bash", Arguments: json.RawMessage(`{"command":"ls"}`),
			}},
			{Type: llm.DeltaFinish, RawReason: "tool_calls",
				RawUsage: map[string]any{"inputTokens": float64(20), "outputTokens": float64(8)}},
		},
		{
			{Type: llm.DeltaText, PartID: "t0", Text: "Two files: main.go and go.mod."},
			{Type: llm.DeltaFinish, RawReason: "stop",
				RawUsage: map[string]any{"inputTokens": float64(40), "outputTokens": float64(10)}},
		},
	}}
	r := &Runtime{
		Store:      s,
		Bus:        b,
		Resolver:   &fakeSource{model: model, rec: catalog.Model{ToolCall: true}},
		Registry:   reg,
		Dispatcher: tools.NewDispatcher(reg, b, t.TempDir()),
	}
	if err := r.Run(context.Background(), RunOptions{}, "List files using bash ls"); err != nil {
		t.Fatal(err)
	}

	events := collect(sub, 100*time.Millisecond)
	ks := kinds(events)

	idle := indexOf(ks, bus.KindSessionIdle)
	if idle < 0 {
		t.Fatalf("no idle in %v", ks)
	}
	// Every tool call has a matching terminal result before idle.
	pending := map[string]bool{}
	for _, e := range events[:idle] {
		switch e.Kind {
		case bus.KindToolCall:
			if e.ToolCall != nil && !e.ToolCall.State.Terminal() {
				pending[e.ToolCall.ID] = true
			}
		case bus.KindToolResult:
			if e.ToolResult != nil {
				delete(pending, e.ToolResult.ID)
			}
		}
	}
	if len(pending) != 0 {
		t.Fatalf("tool calls without results at idle: %v", pending)
	}

	var sawResult bool
	for _, e := range events {
		if e.Kind == bus.KindToolResult && e.ToolResult != nil {
			if e.ToolResult.IsError || !strings.Contains(e.ToolResult.Content, "main.go") {
				t.Fatalf("tool result %+v", e.ToolResult)
			}
			sawResult = true
		}
	}
	if !sawResult {
		t.Fatal("no tool result published")
	}

	// Two step starts: the tool step and the answer step.
	starts := 0
	for _, k := range ks {
		if k == bus.KindStepStart {
			starts++
		}
	}
	if starts != 2 {
		t.Fatalf("saw %d step starts", starts)
	}
}

func TestScenarioObjectFinishReasonContinuesLoop(t *testing.T) {
	s := openTestStore(t)
	reg := tools.NewRegistry()
	reg.Register(lsTool{})

	model := &scriptedModel{steps: [][]llm.Delta{
		{
			{Type: llm.DeltaToolCall, Tool: &llm.ToolCall{ID: "c1", Name: "bash"}},
			{Type: llm.DeltaFinish,
				RawReason: map[string]any{"unified": "tool-calls", "raw": "tool_calls"},
				RawUsage:  map[string]any{"outputTokens": float64(5)}},
		},
		{
			{Type: llm.DeltaText, PartID: "t0", Text: "done"},
			{Type: llm.DeltaFinish, RawReason: "stop",
				RawUsage: map[string]any{"outputTokens": float64(2)}},
		},
	}}
	r := &Runtime{
		Store:      s,
		Resolver:   &fakeSource{model: model, rec: catalog.Model{ToolCall: true}},
		Registry:   reg,
		Dispatcher: tools.NewDispatcher(reg, nil, t.TempDir()),
	}
	if err := r.Run(context.Background(), RunOptions{}, "go"); err != nil {
		t.Fatal(err)
	}
	if model.calls != 2 {
		t.Fatalf("loop ran %d steps, want 2", model.calls)
	}
}

func TestScenarioModelNotFoundPublishesHint(t *testing.T) {
	s := openTestStore(t)
	b := bus.New()
	sub, unsub := b.Subscribe(bus.Filter{Kinds: []bus.Kind{bus.KindError}})
	defer unsub()

	notFound := agenterr.New(agenterr.KindModelNotFound, "model %q not found in provider %q", "modelY-free", "providerX")
	notFound.Hint = []string{"modelA", "modelB"}

	r := &Runtime{Store: s, Bus: b, Resolver: &fakeSource{err: notFound}}
	err := r.Run(context.Background(), RunOptions{Provider: "providerX", Model: "modelY-free"}, "hi")
	if agenterr.KindOf(err) != agenterr.KindModelNotFound {
		t.Fatalf("got %v", err)
	}

	events := collect(sub, 100*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("got %d error events", len(events))
	}
	if events[0].ErrorType != "ModelNotFound" || len(events[0].Hint) != 2 {
		t.Fatalf("error event %+v", events[0])
	}
}

func TestScenarioMalformedChunkStillFinishes(t *testing.T) {
	s := openTestStore(t)
	b := bus.New()
	sub, unsub := b.Subscribe(bus.Filter{})
	defer unsub()

	model := &scriptedModel{steps: [][]llm.Delta{{
		{Type: llm.DeltaText, PartID: "t0", Text: "par"},
		{Type: llm.DeltaParseError, Err: jsonError()},
		{Type: llm.DeltaText, PartID: "t0", Text: "sed"},
		{Type: llm.DeltaFinish, RawReason: "stop",
			RawUsage: map[string]any{"outputTokens": float64(3)}},
	}}}
	r := &Runtime{Store: s, Bus: b, Resolver: &fakeSource{model: model}}
	if err := r.Run(context.Background(), RunOptions{}, "go"); err != nil {
		t.Fatal(err)
	}

	ks := kinds(collect(sub, 100*time.Millisecond))
	if indexOf(ks, bus.KindStepFinish) < 0 || indexOf(ks, bus.KindSessionIdle) < 0 {
		t.Fatalf("missing finish/idle in %v", ks)
	}

	msgs := collectFromStore(t, s)
	last := msgs[len(msgs)-1]
	if got := last.TextContent(); got != "parsed" {
		t.Fatalf("final text %q", got)
	}
}

func jsonError() error {
	return json.Unmarshal([]byte("{"), &struct{}{})
}
