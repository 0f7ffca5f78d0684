package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/link-assistant/agent/internal/llm"
)

// GlobTool finds files by pattern, newest first.
type GlobTool struct{}

type globArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

type globEntry struct {
	path    string
	dir     bool
	size    int64
	modTime time.Time
}

const maxGlobResults = 200

func (t *GlobTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "glob",
		Description: "Find files by glob pattern (supports ** for recursive matching). Returns paths sorted by modification time.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Glob pattern supporting **, e.g. '**/*.go' or 'src/**/*.ts'",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Base directory for the search (defaults to the workspace)",
				},
			},
			"required":             []string{"pattern"},
			"additionalProperties": false,
		},
	}
}

func (t *GlobTool) Run(ctx RunContext, input json.RawMessage) Result {
	var a globArgs
	if err := json.Unmarshal(input, &a); err != nil {
		return Fail(ErrInvalidParams, "%v", err)
	}
	if a.Pattern == "" {
		return Fail(ErrInvalidParams, "pattern is required")
	}

	base := a.Path
	if base == "" {
		base = ctx.Workspace
	}
	if base == "" {
		base = "."
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return Fail(ErrExecutionFailed, "resolve path: %v", err)
	}

	var entries []globEntry
	err = filepath.WalkDir(absBase, func(path string, d os.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		if d.IsDir() && strings.HasPrefix(d.Name(), ".") && path != absBase {
			return filepath.SkipDir
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(absBase, path)
		if err != nil {
			return nil
		}
		matched, err := doublestar.Match(a.Pattern, rel)
		if err != nil || !matched {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, globEntry{path: path, dir: d.IsDir(), size: info.Size(), modTime: info.ModTime()})
		if len(entries) >= maxGlobResults {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return Fail(ErrTimeout, "glob walk aborted")
	}
	if err != nil {
		return Fail(ErrExecutionFailed, "walk: %v", err)
	}
	if len(entries) == 0 {
		return Ok("No files matched the pattern.")
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.After(entries[j].modTime)
	})

	var sb strings.Builder
	for _, e := range entries {
		kind := "f"
		if e.dir {
			kind = "d"
		}
		fmt.Fprintf(&sb, "[%s] %7d  %s  %s\n", kind, e.size, e.modTime.Format("2006-01-02 15:04"), e.path)
	}
	if len(entries) >= maxGlobResults {
		fmt.Fprintf(&sb, "\n[results truncated at %d files]", maxGlobResults)
	}
	return Ok(strings.TrimSuffix(sb.String(), "\n"))
}
