package tools

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	gobglob "github.com/gobwas/glob"

	"github.com/link-assistant/agent/internal/llm"
)

// GrepTool searches file contents with a regular expression.
type GrepTool struct{}

type grepArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
	Include string `json:"include,omitempty"`
}

const (
	maxGrepResults  = 100
	maxGrepLineLen  = 500
	maxGrepFileSize = 4 << 20
)

func (t *GrepTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "grep",
		Description: "Search file contents with a regular expression. Returns matching lines with file and line number.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Regular expression to search for",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Base directory for the search (defaults to the workspace)",
				},
				"include": map[string]any{
					"type":        "string",
					"description": "Glob filter on file names, e.g. '*.go' or '*.{ts,tsx}'",
				},
			},
			"required":             []string{"pattern"},
			"additionalProperties": false,
		},
	}
}

func (t *GrepTool) Run(ctx RunContext, input json.RawMessage) Result {
	var a grepArgs
	if err := json.Unmarshal(input, &a); err != nil {
		return Fail(ErrInvalidParams, "%v", err)
	}
	if a.Pattern == "" {
		return Fail(ErrInvalidParams, "pattern is required")
	}
	re, err := regexp.Compile(a.Pattern)
	if err != nil {
		return Fail(ErrInvalidParams, "bad pattern: %v", err)
	}

	var include gobglob.Glob
	if a.Include != "" {
		include, err = gobglob.Compile(a.Include)
		if err != nil {
			return Fail(ErrInvalidParams, "bad include glob: %v", err)
		}
	}

	base := a.Path
	if base == "" {
		base = ctx.Workspace
	}
	if base == "" {
		base = "."
	}

	var sb strings.Builder
	total := 0
	err = filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != base {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if include != nil && !include.Match(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxGrepFileSize {
			return nil
		}
		total += grepFile(&sb, re, path, maxGrepResults-total)
		if total >= maxGrepResults {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return Fail(ErrTimeout, "search aborted")
	}
	if total == 0 {
		return Ok("No matches found.")
	}
	if total >= maxGrepResults {
		fmt.Fprintf(&sb, "\n[results truncated at %d matches]", maxGrepResults)
	}
	return Ok(strings.TrimSuffix(sb.String(), "\n"))
}

func grepFile(sb *strings.Builder, re *regexp.Regexp, path string, budget int) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	found := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if !re.MatchString(line) {
			continue
		}
		if len(line) > maxGrepLineLen {
			line = line[:maxGrepLineLen] + "..."
		}
		fmt.Fprintf(sb, "%s:%d: %s\n", path, lineNo, line)
		found++
		if found >= budget {
			break
		}
	}
	return found
}
