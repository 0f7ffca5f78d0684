package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/link-assistant/agent/internal/llm"
)

// oauthBetaHeader enables OAuth bearer authentication on the Anthropic
// API.
const oauthBetaHeader = "oauth-2025-04-20"

const anthropicDefaultMaxTokens = 4096

type anthropicModel struct {
	client  anthropic.Client
	modelID string
}

func newAnthropicModel(cfg Config) (llm.LanguageModel, error) {
	opts := []option.RequestOption{option.WithHTTPClient(cfg.Client)}
	if cfg.OAuth {
		opts = append(opts,
			option.WithAuthToken(cfg.APIKey),
			option.WithHeader("anthropic-beta", oauthBetaHeader))
	} else {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	return &anthropicModel{client: anthropic.NewClient(opts...), modelID: cfg.ModelID}, nil
}

func (m *anthropicModel) ProviderID() string { return "anthropic" }
func (m *anthropicModel) ModelID() string    { return m.modelID }

func (m *anthropicModel) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	return llm.NewDeltaStream(ctx, func(ctx context.Context, deltas chan<- llm.Delta) error {
		system, messages := buildAnthropicMessages(req)
		accumulator := newToolCallAccumulator()

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(m.modelID),
			MaxTokens: int64(maxTokens(req.MaxOutputTokens, anthropicDefaultMaxTokens)),
			Messages:  messages,
		}
		if len(system) > 0 {
			blocks := make([]anthropic.TextBlockParam, 0, len(system))
			for _, s := range system {
				blocks = append(blocks, anthropic.TextBlockParam{Text: s})
			}
			params.System = blocks
		}
		if len(req.Tools) > 0 {
			params.Tools = buildAnthropicTools(req.Tools)
		}

		var usage *llm.Usage
		stopReason := ""

		stream := m.client.Messages.NewStreaming(ctx, params)
		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.InputJSONDelta:
					accumulator.Append(variant.Index, delta.PartialJSON)
				case anthropic.TextDelta:
					if delta.Text != "" {
						deltas <- llm.Delta{
							Type:   llm.DeltaText,
							PartID: fmt.Sprintf("blk_%d", variant.Index),
							Text:   delta.Text,
						}
					}
				case anthropic.ThinkingDelta:
					if delta.Thinking != "" {
						deltas <- llm.Delta{
							Type:   llm.DeltaReasoning,
							PartID: fmt.Sprintf("blk_%d", variant.Index),
							Text:   delta.Thinking,
						}
					}
				}
			case anthropic.ContentBlockStartEvent:
				if block, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					accumulator.Start(variant.Index, llm.ToolCall{
						ID:        block.ID,
						Name:      block.Name,
						Arguments: toolInputToRaw(block.Input),
					})
				}
			case anthropic.ContentBlockStopEvent:
				if call, ok := accumulator.Finish(variant.Index); ok {
					call.State = llm.ToolPending
					deltas <- llm.Delta{Type: llm.DeltaToolCall, Tool: &call}
				}
			case anthropic.MessageDeltaEvent:
				if variant.Delta.StopReason != "" {
					stopReason = string(variant.Delta.StopReason)
				}
				if variant.Usage.OutputTokens > 0 {
					usage = &llm.Usage{
						InputTokens:  variant.Usage.InputTokens,
						OutputTokens: variant.Usage.OutputTokens,
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("anthropic streaming: %w", err)
		}
		if usage != nil {
			deltas <- llm.Delta{Type: llm.DeltaUsage, Usage: usage}
		}
		finish := llm.Delta{Type: llm.DeltaFinish, RawReason: stopReason}
		if usage != nil {
			finish.RawUsage = map[string]any{
				"inputTokens":  usage.InputTokens,
				"outputTokens": usage.OutputTokens,
			}
		}
		deltas <- finish
		return nil
	}), nil
}

func buildAnthropicMessages(req llm.Request) ([]string, []anthropic.MessageParam) {
	system := append([]string{}, req.System...)
	var out []anthropic.MessageParam

	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.TextContent())
		case llm.RoleUser, llm.RoleTool:
			blocks := buildAnthropicBlocks(msg.Parts, false)
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		case llm.RoleAssistant:
			blocks := buildAnthropicBlocks(msg.Parts, true)
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	return system, out
}

func buildAnthropicBlocks(parts []llm.Part, allowToolUse bool) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case llm.PartText:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case llm.PartToolCall:
			if allowToolUse && part.ToolCall != nil {
				blocks = append(blocks, anthropic.NewToolUseBlock(
					part.ToolCall.ID, part.ToolCall.Arguments, part.ToolCall.Name))
			}
		case llm.PartToolResult:
			if part.ToolResult != nil {
				block := anthropic.ToolResultBlockParam{
					ToolUseID: part.ToolResult.ID,
					IsError:   anthropic.Bool(part.ToolResult.IsError),
					Content: []anthropic.ToolResultBlockParamContentUnion{
						{OfText: &anthropic.TextBlockParam{Text: part.ToolResult.Content}},
					},
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{OfToolResult: &block})
			}
		}
	}
	return blocks
}

func buildAnthropicTools(specs []llm.ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: spec.Schema["properties"],
			Required:   schemaRequired(spec.Schema),
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, spec.Name)
		if spec.Description != "" {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func toolInputToRaw(input any) json.RawMessage {
	switch v := input.(type) {
	case json.RawMessage:
		return v
	case []byte:
		return json.RawMessage(v)
	case string:
		return json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return json.RawMessage(data)
	}
}

// toolCallAccumulator assembles streamed tool use blocks whose JSON input
// arrives as partial fragments.
type toolCallAccumulator struct {
	calls    map[int64]llm.ToolCall
	fallback map[int64]json.RawMessage
	partial  map[int64]*strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{
		calls:    make(map[int64]llm.ToolCall),
		fallback: make(map[int64]json.RawMessage),
		partial:  make(map[int64]*strings.Builder),
	}
}

func (a *toolCallAccumulator) Start(index int64, call llm.ToolCall) {
	if len(call.Arguments) > 0 {
		a.fallback[index] = call.Arguments
	}
	call.Arguments = nil
	a.calls[index] = call
}

func (a *toolCallAccumulator) Append(index int64, partial string) {
	if partial == "" {
		return
	}
	builder := a.partial[index]
	if builder == nil {
		builder = &strings.Builder{}
		a.partial[index] = builder
	}
	builder.WriteString(partial)
}

func (a *toolCallAccumulator) Finish(index int64) (llm.ToolCall, bool) {
	call, ok := a.calls[index]
	if !ok {
		return llm.ToolCall{}, false
	}
	if builder := a.partial[index]; builder != nil && builder.Len() > 0 {
		call.Arguments = json.RawMessage(builder.String())
	} else if fallback, ok := a.fallback[index]; ok {
		call.Arguments = fallback
	}
	delete(a.calls, index)
	delete(a.partial, index)
	delete(a.fallback, index)
	return call, true
}

func maxTokens(requested, fallback int) int {
	if requested > 0 {
		return requested
	}
	return fallback
}
