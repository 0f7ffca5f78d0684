package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/link-assistant/agent/internal/llm"
)

// BatchTool fans several tool calls out concurrently in one request. A
// failed call does not stop the rest; results report independently, in
// the order the calls were given.
type BatchTool struct {
	Registry *Registry
}

type batchArgs struct {
	Calls []batchCall `json:"calls"`
}

type batchCall struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

const maxBatchCalls = 20

func (t *BatchTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "batch",
		Description: "Run several tool calls in one request. Calls execute concurrently; each reports its own result.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"calls": map[string]any{
					"type":        "array",
					"description": "Tool calls to fan out; results come back in call order",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"tool": map[string]any{
								"type":        "string",
								"description": "Tool name",
							},
							"input": map[string]any{
								"type":        "object",
								"description": "Arguments for the tool",
							},
						},
						"required": []string{"tool", "input"},
					},
				},
			},
			"required":             []string{"calls"},
			"additionalProperties": false,
		},
	}
}

func (t *BatchTool) Run(ctx RunContext, input json.RawMessage) Result {
	var a batchArgs
	if err := json.Unmarshal(input, &a); err != nil {
		return Fail(ErrInvalidParams, "%v", err)
	}
	if len(a.Calls) == 0 {
		return Fail(ErrInvalidParams, "calls is required")
	}
	if len(a.Calls) > maxBatchCalls {
		return Fail(ErrInvalidParams, "too many calls: %d (max %d)", len(a.Calls), maxBatchCalls)
	}

	results := make([]Result, len(a.Calls))
	var wg sync.WaitGroup
	for n, call := range a.Calls {
		wg.Add(1)
		go func(n int, call batchCall) {
			defer wg.Done()
			if ctx.Err() != nil {
				results[n] = Fail(ErrAborted, "batch aborted")
				return
			}
			results[n] = t.runOne(ctx, call)
		}(n, call)
	}
	wg.Wait()

	var sb strings.Builder
	for n, call := range a.Calls {
		fmt.Fprintf(&sb, "## %d. %s\n%s\n\n", n+1, call.Tool, results[n].Content())
	}
	return Ok(strings.TrimSuffix(sb.String(), "\n"))
}

func (t *BatchTool) runOne(ctx RunContext, call batchCall) Result {
	if call.Tool == "batch" {
		return Fail(ErrInvalidParams, "batch cannot nest")
	}
	tool, ok := t.Registry.Get(call.Tool)
	if !ok {
		return Fail(ErrUnknownTool, "no tool named %q", call.Tool)
	}
	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return tool.Run(ctx, input)
}
