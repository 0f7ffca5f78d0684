// Package llm defines the model-facing data types shared by the provider
// adapters, the stream processor, and the session runtime.
package llm

import (
	"context"
	"encoding/json"
)

// LanguageModel streams model output deltas for a request. Implementations
// wrap a provider SDK; handles are cached by the resolver.
type LanguageModel interface {
	ProviderID() string
	ModelID() string
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields deltas until io.EOF.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}

// Request represents a single model step.
type Request struct {
	Model           string
	System          []string
	Messages        []Message
	Tools           []ToolSpec
	MaxOutputTokens int
	Temperature     float32
	SessionID       string
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartStepStart  PartType = "step_start"
	PartStepFinish PartType = "step_finish"
	PartFile       PartType = "file"
)

// Message holds a role with structured parts. Messages are immutable once
// the owning step finishes.
type Message struct {
	ID    string `json:"id,omitempty"`
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Part represents a single content part.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	FilePath   string      `json:"file_path,omitempty"`
	MimeType   string      `json:"mime_type,omitempty"`
}

// ToolSpec describes a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCallState tracks the lifecycle of a tool call. Terminal states are
// persistent; no state goes backward.
type ToolCallState string

const (
	ToolPending   ToolCallState = "pending"
	ToolRunning   ToolCallState = "running"
	ToolCompleted ToolCallState = "completed"
	ToolError     ToolCallState = "error"
	ToolAborted   ToolCallState = "aborted"
)

// Terminal reports whether the state is final.
func (s ToolCallState) Terminal() bool {
	switch s {
	case ToolCompleted, ToolError, ToolAborted:
		return true
	}
	return false
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	State     ToolCallState   `json:"state,omitempty"`
}

// ToolResult is the output from executing a tool call.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// DeltaType describes a streamed provider delta.
type DeltaType string

const (
	DeltaText       DeltaType = "text_delta"
	DeltaReasoning  DeltaType = "reasoning_delta"
	DeltaToolCall   DeltaType = "tool_call"
	DeltaToolResult DeltaType = "tool_result"
	DeltaUsage      DeltaType = "usage"
	DeltaFinish     DeltaType = "finish"
	DeltaParseError DeltaType = "parse_error"
)

// Delta is a single streamed update from a provider SDK.
type Delta struct {
	Type DeltaType
	// PartID groups text deltas belonging to the same part.
	PartID string
	Text   string
	Tool   *ToolCall
	Result *ToolResult
	Usage  *Usage

	// Finish payload. RawReason keeps whatever shape the provider sent; it
	// is normalized by NormalizeFinishReason.
	RawReason any
	RawUsage  map[string]any
	// ProviderMetadata carries provider-specific extras, e.g. nested
	// OpenRouter usage.
	ProviderMetadata map[string]any

	// Err holds the parse error for DeltaParseError deltas.
	Err error
}

// Usage captures token counts for a step.
type Usage struct {
	InputTokens      int64 `json:"input"`
	OutputTokens     int64 `json:"output"`
	ReasoningTokens  int64 `json:"reasoning,omitempty"`
	CacheReadTokens  int64 `json:"cache_read,omitempty"`
	CacheWriteTokens int64 `json:"cache_write,omitempty"`
}

// Total returns the sum of input and output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates another usage record.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.ReasoningTokens += other.ReasoningTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

func SystemText(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{{Type: PartText, Text: text}}}
}

func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Type: PartText, Text: text}}}
}

func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{{Type: PartText, Text: text}}}
}

// ToolResultMessage creates a tool role message carrying one result.
func ToolResultMessage(id, name, content string, isError bool) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type:       PartToolResult,
			ToolResult: &ToolResult{ID: id, Name: name, Content: content, IsError: isError},
		}},
	}
}

// TextContent extracts the concatenated text parts of a message.
func (m Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}
