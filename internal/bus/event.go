// Package bus provides the in-process event bus: typed broadcast with
// per-subscriber buffers and a derived session-idle signal.
package bus

import (
	"time"

	"github.com/link-assistant/agent/internal/llm"
)

// Kind identifies an event variant.
type Kind string

const (
	KindSessionCreated Kind = "session.created"
	KindStepStart      Kind = "step.start"
	KindStepFinish     Kind = "step.finish"
	KindTextDelta      Kind = "text.delta"
	KindTextFinal      Kind = "text.final"
	KindToolCall       Kind = "tool.call"
	KindToolResult     Kind = "tool.result"
	KindUsageUpdate    Kind = "usage.update"
	KindError          Kind = "error"
	KindSessionIdle    Kind = "session.idle"
	KindStatus         Kind = "status"
	KindLog            Kind = "log"
	KindHTTPTrace      Kind = "http.trace"
	KindRetry          Kind = "retry"
)

// Event is the tagged union flowing on the bus. Every session-scoped event
// carries SessionID and a per-session monotonically increasing Seq, both
// assigned by Publish.
type Event struct {
	Kind      Kind      `json:"type"`
	SessionID string    `json:"sessionID,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	Time      time.Time `json:"time"`

	// Step events.
	Step         int              `json:"step,omitempty"`
	FinishReason llm.FinishReason `json:"finishReason,omitempty"`
	ModelID      string           `json:"modelID,omitempty"`
	RespondedID  string           `json:"respondedModelID,omitempty"`

	// Text events.
	PartID string `json:"partID,omitempty"`
	Text   string `json:"text,omitempty"`

	// Tool events.
	ToolCall   *llm.ToolCall   `json:"toolCall,omitempty"`
	ToolResult *llm.ToolResult `json:"toolResult,omitempty"`

	// Usage events. Cost is a decimal string in USD.
	Usage *llm.Usage `json:"usage,omitempty"`
	Cost  string     `json:"cost,omitempty"`

	// Error events.
	ErrorType string   `json:"errorType,omitempty"`
	Message   string   `json:"message,omitempty"`
	Hint      []string `json:"hint,omitempty"`

	// Status and log events.
	Status string `json:"status,omitempty"`
	Level  string `json:"level,omitempty"`

	// HTTP trace events.
	Trace *HTTPTrace `json:"trace,omitempty"`

	// Retry events.
	RetryAttempt int     `json:"retryAttempt,omitempty"`
	RetryWaitSec float64 `json:"retryWaitSec,omitempty"`
}

// HTTPTrace captures one request/response pair for verbose mode. Bodies are
// truncated to 4 kB; credential headers are sanitized before the trace is
// published.
type HTTPTrace struct {
	Method     string              `json:"method"`
	URL        string              `json:"url"`
	Status     int                 `json:"status,omitempty"`
	DurationMs int64               `json:"durationMs"`
	ReqHeaders map[string][]string `json:"requestHeaders,omitempty"`
	Body       string              `json:"body,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Terminal reports whether the event ends its session.
func (e Event) Terminal() bool {
	return e.Kind == KindSessionIdle || e.Kind == KindError
}
