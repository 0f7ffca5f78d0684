package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/link-assistant/agent/internal/bus"
	"github.com/link-assistant/agent/internal/config"
	"github.com/link-assistant/agent/internal/llm"
)

const (
	// DefaultToolTimeout bounds a single tool run unless overridden.
	DefaultToolTimeout = 2 * time.Minute
	// MaxToolTimeout is the hard ceiling; per-tool overrides clamp to it.
	MaxToolTimeout = 10 * time.Minute
	// maxResultBytes caps the content returned to the model per call.
	maxResultBytes = 30_000
)

// Invocation pairs a call id with its finished result.
type Invocation struct {
	CallID string
	Name   string
	Result Result
}

// Dispatcher executes model-requested tool calls. Each Invoke runs in its
// own goroutine under a per-tool deadline and reports through the bus: a
// running transition when the call starts and a tool.result when it ends.
type Dispatcher struct {
	Registry  *Registry
	Bus       *bus.Bus
	Workspace string
	// Timeouts overrides the default deadline per tool name.
	Timeouts map[string]time.Duration
}

func NewDispatcher(reg *Registry, b *bus.Bus, workspace string) *Dispatcher {
	return &Dispatcher{Registry: reg, Bus: b, Workspace: workspace}
}

func (d *Dispatcher) timeout(name string) time.Duration {
	t := DefaultToolTimeout
	if env, ok := config.EnvDuration("TOOL_TIMEOUT"); ok && env > 0 {
		t = env
	}
	if override, ok := d.Timeouts[name]; ok && override > 0 {
		t = override
	}
	if t > MaxToolTimeout {
		t = MaxToolTimeout
	}
	return t
}

// Invoke starts one tool call and returns a channel that yields the single
// finished Invocation. Unknown tools and panics become error results; a
// tool call never takes the session down.
func (d *Dispatcher) Invoke(ctx context.Context, sessionID, callID, name string, input json.RawMessage) <-chan Invocation {
	done := make(chan Invocation, 1)
	go func() {
		done <- Invocation{CallID: callID, Name: name, Result: d.run(ctx, sessionID, callID, name, input)}
	}()
	return done
}

func (d *Dispatcher) run(ctx context.Context, sessionID, callID, name string, input json.RawMessage) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Fail(ErrExecutionFailed, "tool %s panicked: %v", name, r)
		}
		res.Value = Truncate(res.Value, maxResultBytes)
		d.publishResult(sessionID, callID, name, res)
	}()

	tool, ok := d.Registry.Get(name)
	if !ok {
		return Fail(ErrUnknownTool, "no tool named %q", name)
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	d.publishState(sessionID, callID, name, input, llm.ToolRunning)

	runCtx, cancel := context.WithTimeout(ctx, d.timeout(name))
	defer cancel()

	res = tool.Run(RunContext{Context: runCtx, Workspace: d.Workspace, SessionID: sessionID}, input)
	if runCtx.Err() == context.DeadlineExceeded {
		return Fail(ErrTimeout, "tool %s exceeded its %s deadline", name, d.timeout(name))
	}
	if ctx.Err() == context.Canceled {
		return Fail(ErrAborted, "tool %s aborted", name)
	}
	return res
}

func (d *Dispatcher) publishState(sessionID, callID, name string, input json.RawMessage, state llm.ToolCallState) {
	if d.Bus == nil {
		return
	}
	d.Bus.Publish(bus.Event{
		Kind:      bus.KindToolCall,
		SessionID: sessionID,
		ToolCall:  &llm.ToolCall{ID: callID, Name: name, Arguments: input, State: state},
	})
}

func (d *Dispatcher) publishResult(sessionID, callID, name string, res Result) {
	if d.Bus == nil {
		return
	}
	d.Bus.Publish(bus.Event{
		Kind:      bus.KindToolResult,
		SessionID: sessionID,
		ToolResult: &llm.ToolResult{
			ID:      callID,
			Name:    name,
			Content: res.Content(),
			IsError: !res.OK,
		},
	})
}

// Truncate limits s to max bytes, cutting on a rune boundary and appending
// a marker when anything was dropped.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n[output truncated at %d bytes]", max)
}
