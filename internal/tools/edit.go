package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/link-assistant/agent/internal/llm"
)

// EditTool performs an exact string replacement in one file. The old text
// must match exactly once unless replace_all is set.
type EditTool struct{}

type editArgs struct {
	Path       string `json:"path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

func (t *EditTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "edit",
		Description: "Replace an exact string in a file. old_string must appear exactly once unless replace_all is true.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path, absolute or relative to the workspace",
				},
				"old_string": map[string]any{
					"type":        "string",
					"description": "Exact text to replace",
				},
				"new_string": map[string]any{
					"type":        "string",
					"description": "Replacement text",
				},
				"replace_all": map[string]any{
					"type":        "boolean",
					"description": "Replace every occurrence instead of requiring a unique match",
				},
			},
			"required":             []string{"path", "old_string", "new_string"},
			"additionalProperties": false,
		},
	}
}

func (t *EditTool) Run(ctx RunContext, input json.RawMessage) Result {
	var a editArgs
	if err := json.Unmarshal(input, &a); err != nil {
		return Fail(ErrInvalidParams, "%v", err)
	}
	if a.Path == "" || a.OldString == "" {
		return Fail(ErrInvalidParams, "path and old_string are required")
	}
	if a.OldString == a.NewString {
		return Fail(ErrInvalidParams, "old_string and new_string are identical")
	}

	path := resolvePath(ctx.Workspace, a.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Fail(ErrFileNotFound, "file not found: %s", a.Path)
		}
		return Fail(ErrExecutionFailed, "read %s: %v", a.Path, err)
	}

	content := string(data)
	count := strings.Count(content, a.OldString)
	switch {
	case count == 0:
		return Fail(ErrInvalidParams, "old_string not found in %s", a.Path)
	case count > 1 && !a.ReplaceAll:
		return Fail(ErrInvalidParams, "old_string appears %d times in %s; pass replace_all or disambiguate", count, a.Path)
	}

	updated := strings.Replace(content, a.OldString, a.NewString, -1)
	if !a.ReplaceAll {
		updated = strings.Replace(content, a.OldString, a.NewString, 1)
	}
	info, err := os.Stat(path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(path, []byte(updated), mode); err != nil {
		return Fail(ErrExecutionFailed, "write %s: %v", a.Path, err)
	}
	if a.ReplaceAll && count > 1 {
		return Ok(fmt.Sprintf("replaced %d occurrences in %s", count, a.Path))
	}
	return Ok("edited " + a.Path)
}
