// Package stream folds provider deltas into assistant turns: part
// assembly, tool call lifecycle, finish normalization, and cost
// accounting.
package stream

import (
	"context"
	"io"

	"github.com/link-assistant/agent/internal/agenterr"
	"github.com/link-assistant/agent/internal/bus"
	"github.com/link-assistant/agent/internal/catalog"
	"github.com/link-assistant/agent/internal/llm"
	"github.com/link-assistant/agent/internal/tools"
)

// StepResult is everything one model step produced.
type StepResult struct {
	Message      llm.Message
	ToolResults  []llm.ToolResult
	FinishReason llm.FinishReason
	Usage        llm.Usage
	// Cost is the step cost in USD as a decimal string.
	Cost string
	// RespondedModel is the model id the provider reported, when it differs
	// from the requested one.
	RespondedModel string
}

// Processor consumes one model stream and drives the turn. Tool calls are
// dispatched as they arrive; the stream keeps flowing and results are
// correlated by call id after the stream ends.
type Processor struct {
	Bus        *bus.Bus
	Dispatcher *tools.Dispatcher
	Model      catalog.Model
	ModelID    string
	SessionID  string
	Step       int
}

// textPart accumulates one in-progress text or reasoning part.
type textPart struct {
	id       string
	partType llm.PartType
	text     []byte
}

// Run folds the stream into a StepResult. The returned error is terminal
// for the step; malformed chunks and tool failures are not errors here.
func (p *Processor) Run(ctx context.Context, s llm.Stream) (StepResult, error) {
	defer s.Close()

	var (
		started    bool
		parts      []*textPart
		partIndex  = map[string]*textPart{}
		order      []llm.Part
		calls      = map[string]*llm.ToolCall{}
		callOrder  []string
		futures    []<-chan tools.Invocation
		usage      llm.Usage
		sawUsage   bool
		rawReason  any
		rawUsage   map[string]any
		metadata   map[string]any
		respondent string
	)

	appendText := func(d llm.Delta, pt llm.PartType) {
		p.start(&started)
		part, ok := partIndex[d.PartID]
		if !ok {
			part = &textPart{id: d.PartID, partType: pt}
			partIndex[d.PartID] = part
			parts = append(parts, part)
		}
		part.text = append(part.text, d.Text...)
		p.publish(bus.Event{Kind: bus.KindTextDelta, PartID: d.PartID, Text: d.Text})
	}

	for {
		d, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if agenterr.KindOf(err) == agenterr.KindUnknown {
				err = agenterr.Wrap(agenterr.KindNetworkError, err, "model stream failed")
			}
			return StepResult{}, err
		}

		switch d.Type {
		case llm.DeltaText:
			appendText(d, llm.PartText)
		case llm.DeltaReasoning:
			appendText(d, llm.PartReasoning)

		case llm.DeltaToolCall:
			p.start(&started)
			call := *d.Tool
			call.State = llm.ToolPending
			calls[call.ID] = &call
			callOrder = append(callOrder, call.ID)
			p.publishCall(&call)
			if p.Dispatcher != nil {
				futures = append(futures, p.Dispatcher.Invoke(ctx, p.SessionID, call.ID, call.Name, call.Arguments))
				p.transition(calls, call.ID, llm.ToolRunning)
			}

		case llm.DeltaToolResult:
			// Model-side result; the dispatcher path reports separately.
			if d.Result != nil {
				state := llm.ToolCompleted
				if d.Result.IsError {
					state = llm.ToolError
				}
				p.transition(calls, d.Result.ID, state)
			}

		case llm.DeltaUsage:
			if d.Usage != nil {
				usage = *d.Usage
				sawUsage = true
			}

		case llm.DeltaFinish:
			rawReason = d.RawReason
			rawUsage = d.RawUsage
			metadata = d.ProviderMetadata
			if meta, ok := d.ProviderMetadata["model"].(string); ok {
				respondent = meta
			}

		case llm.DeltaParseError:
			p.publish(bus.Event{
				Kind: bus.KindLog, Level: "warning",
				Message: "skipping malformed stream chunk: " + d.Err.Error(),
			})
		}
	}

	if !sawUsage {
		usage = llm.ParseUsage(rawUsage, metadata)
	}
	reason := llm.NormalizeFinishReason(rawReason)
	if reason == llm.FinishUnknown && len(calls) > 0 {
		reason = llm.FinishToolCalls
	}
	if reason == llm.FinishUnknown && usage.Total() == 0 && len(calls) == 0 {
		err := agenterr.New(agenterr.KindProviderZeroTokens,
			"provider returned no tokens and no finish reason")
		p.publish(bus.Event{Kind: bus.KindLog, Level: "warning", Message: err.Msg})
		return StepResult{FinishReason: llm.FinishUnknown}, err
	}

	// Await dispatched tool calls; the model stream is done, so blocking
	// here is the step's natural join point.
	res := StepResult{FinishReason: reason, Usage: usage, RespondedModel: respondent}
	for _, fut := range futures {
		inv := <-fut
		state := llm.ToolCompleted
		if !inv.Result.OK {
			state = llm.ToolError
			if inv.Result.ErrorKind == tools.ErrAborted {
				state = llm.ToolAborted
			}
		}
		p.transition(calls, inv.CallID, state)
		res.ToolResults = append(res.ToolResults, llm.ToolResult{
			ID:      inv.CallID,
			Name:    inv.Name,
			Content: inv.Result.Content(),
			IsError: !inv.Result.OK,
		})
	}

	for _, part := range parts {
		order = append(order, llm.Part{Type: part.partType, Text: string(part.text)})
		if part.partType == llm.PartText {
			p.publish(bus.Event{Kind: bus.KindTextFinal, PartID: part.id, Text: string(part.text)})
		}
	}
	for _, id := range callOrder {
		order = append(order, llm.Part{Type: llm.PartToolCall, ToolCall: calls[id]})
	}
	res.Message = llm.Message{Role: llm.RoleAssistant, Parts: order}

	p.publish(bus.Event{
		Kind:         bus.KindStepFinish,
		Step:         p.Step,
		FinishReason: reason,
		ModelID:      p.ModelID,
		RespondedID:  respondent,
		Usage:        &usage,
	})

	res.Cost = StepCost(p.Model.Cost, usage)
	p.publish(bus.Event{Kind: bus.KindUsageUpdate, Usage: &usage, Cost: res.Cost})
	return res, nil
}

// start publishes StepStart once, on the first meaningful chunk.
func (p *Processor) start(started *bool) {
	if *started {
		return
	}
	*started = true
	p.publish(bus.Event{Kind: bus.KindStepStart, Step: p.Step, ModelID: p.ModelID})
}

// transition advances a tool call's state. Terminal states never change
// again; a duplicate terminal transition is dropped with a warning.
func (p *Processor) transition(calls map[string]*llm.ToolCall, callID string, state llm.ToolCallState) {
	call, ok := calls[callID]
	if !ok {
		p.publish(bus.Event{
			Kind: bus.KindLog, Level: "warning",
			Message: "tool result for unknown call " + callID,
		})
		return
	}
	if call.State.Terminal() {
		if state.Terminal() {
			p.publish(bus.Event{
				Kind: bus.KindLog, Level: "warning",
				Message: "dropping duplicate terminal transition for call " + callID,
			})
		}
		return
	}
	call.State = state
	p.publishCall(call)
}

// publishCall snapshots the call so later state transitions cannot mutate
// an event already delivered to subscribers.
func (p *Processor) publishCall(call *llm.ToolCall) {
	snap := *call
	p.publish(bus.Event{Kind: bus.KindToolCall, ToolCall: &snap})
}

func (p *Processor) publish(e bus.Event) {
	if p.Bus == nil {
		return
	}
	e.SessionID = p.SessionID
	p.Bus.Publish(e)
}
