package tools

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/link-assistant/agent/internal/llm"
)

// ReadTool reads a file and returns line-numbered content.
type ReadTool struct{}

type readArgs struct {
	Path   string `json:"path"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

const readDefaultLimit = 2000

func (t *ReadTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "read",
		Description: "Read a file from the filesystem. Returns line-numbered content.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path, absolute or relative to the workspace",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "1-based line number to start from",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of lines to return (default 2000)",
				},
			},
			"required":             []string{"path"},
			"additionalProperties": false,
		},
	}
}

func (t *ReadTool) Run(ctx RunContext, input json.RawMessage) Result {
	var a readArgs
	if err := json.Unmarshal(input, &a); err != nil {
		return Fail(ErrInvalidParams, "%v", err)
	}
	if a.Path == "" {
		return Fail(ErrInvalidParams, "path is required")
	}

	path := resolvePath(ctx.Workspace, a.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Fail(ErrFileNotFound, "file not found: %s", a.Path)
		}
		return Fail(ErrExecutionFailed, "read %s: %v", a.Path, err)
	}
	if isBinary(data) {
		return Fail(ErrExecutionFailed, "%s looks binary (%d bytes); refusing to inline it", a.Path, len(data))
	}

	lines := strings.Split(string(data), "\n")
	start := a.Offset
	if start < 1 {
		start = 1
	}
	if start > len(lines) {
		return Fail(ErrInvalidParams, "offset %d past end of file (%d lines)", start, len(lines))
	}
	limit := a.Limit
	if limit <= 0 {
		limit = readDefaultLimit
	}
	end := start - 1 + limit
	if end > len(lines) {
		end = len(lines)
	}

	var sb strings.Builder
	for n := start; n <= end; n++ {
		fmt.Fprintf(&sb, "%6d\t%s\n", n, lines[n-1])
	}
	if end < len(lines) {
		fmt.Fprintf(&sb, "[%d more lines; re-read with offset=%d]\n", len(lines)-end, end+1)
	}
	return Ok(strings.TrimSuffix(sb.String(), "\n"))
}

// isBinary sniffs content the way net/http does and treats anything
// outside text/* as binary.
func isBinary(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	ct := http.DetectContentType(data)
	return !strings.HasPrefix(ct, "text/") && !strings.Contains(ct, "json") && !strings.Contains(ct, "xml")
}

// resolvePath anchors relative paths at the workspace.
func resolvePath(workspace, path string) string {
	if filepath.IsAbs(path) || workspace == "" {
		return path
	}
	return filepath.Join(workspace, path)
}
