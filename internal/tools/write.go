package tools

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/link-assistant/agent/internal/llm"
)

// WriteTool creates or overwrites a file.
type WriteTool struct{}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *WriteTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "write",
		Description: "Write content to a file, creating parent directories as needed. Overwrites existing files.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path, absolute or relative to the workspace",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Full file content",
				},
			},
			"required":             []string{"path", "content"},
			"additionalProperties": false,
		},
	}
}

func (t *WriteTool) Run(ctx RunContext, input json.RawMessage) Result {
	var a writeArgs
	if err := json.Unmarshal(input, &a); err != nil {
		return Fail(ErrInvalidParams, "%v", err)
	}
	if a.Path == "" {
		return Fail(ErrInvalidParams, "path is required")
	}

	path := resolvePath(ctx.Workspace, a.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Fail(ErrExecutionFailed, "mkdir for %s: %v", a.Path, err)
	}
	if err := os.WriteFile(path, []byte(a.Content), 0o644); err != nil {
		return Fail(ErrExecutionFailed, "write %s: %v", a.Path, err)
	}
	return Ok("wrote " + a.Path)
}
