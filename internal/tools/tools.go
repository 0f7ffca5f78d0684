// Package tools provides the tool registry, the dispatcher that executes
// model-requested calls, and the builtin tool set.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/link-assistant/agent/internal/llm"
)

// ErrorKind classifies tool failures for the model.
type ErrorKind string

const (
	ErrInvalidParams   ErrorKind = "invalid_params"
	ErrFileNotFound    ErrorKind = "file_not_found"
	ErrExecutionFailed ErrorKind = "execution_failed"
	ErrTimeout         ErrorKind = "timeout"
	ErrAborted         ErrorKind = "aborted"
	ErrUnknownTool     ErrorKind = "unknown_tool"
)

// Result is the structured outcome of one tool run. Tool errors are data,
// never panics; they flow back to the model as an error result.
type Result struct {
	OK        bool      `json:"ok"`
	Value     string    `json:"value,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Ok wraps a successful value.
func Ok(value string) Result {
	return Result{OK: true, Value: value}
}

// Fail builds an error result.
func Fail(kind ErrorKind, format string, args ...any) Result {
	return Result{OK: false, ErrorKind: kind, Message: fmt.Sprintf(format, args...)}
}

// Content renders the result as the tool message content the model sees.
func (r Result) Content() string {
	if r.OK {
		return r.Value
	}
	return fmt.Sprintf("Error [%s]: %s", r.ErrorKind, r.Message)
}

// RunContext carries the execution environment into a tool run. The
// embedded context holds the per-tool deadline and cancellation.
type RunContext struct {
	context.Context
	// Workspace is the directory relative paths resolve against.
	Workspace string
	SessionID string
}

// Tool is one callable tool.
type Tool interface {
	Spec() llm.ToolSpec
	Run(ctx RunContext, input json.RawMessage) Result
}
