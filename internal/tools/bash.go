package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/link-assistant/agent/internal/llm"
)

// BashTool runs a shell command and returns stdout, stderr and exit code.
type BashTool struct{}

type bashArgs struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
}

func (t *BashTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "bash",
		Description: "Execute a shell command. Returns stdout, stderr, and exit code.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to execute",
				},
				"working_dir": map[string]any{
					"type":        "string",
					"description": "Working directory (defaults to the workspace)",
				},
			},
			"required":             []string{"command"},
			"additionalProperties": false,
		},
	}
}

func (t *BashTool) Run(ctx RunContext, input json.RawMessage) Result {
	var a bashArgs
	if err := json.Unmarshal(input, &a); err != nil {
		return Fail(ErrInvalidParams, "%v", err)
	}
	if a.Command == "" {
		return Fail(ErrInvalidParams, "command is required")
	}

	dir := a.WorkingDir
	if dir == "" {
		dir = ctx.Workspace
	}

	cmd := exec.CommandContext(ctx, shellPath(), "-c", a.Command)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Fail(ErrTimeout, "command timed out: %s", shortCommand(a.Command))
	}

	exit := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return Fail(ErrExecutionFailed, "start command: %v", err)
		}
		exit = exitErr.ExitCode()
	}

	var sb strings.Builder
	if out := strings.TrimRight(stdout.String(), "\n"); out != "" {
		sb.WriteString(out)
	}
	if errOut := strings.TrimRight(stderr.String(), "\n"); errOut != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[stderr]\n%s", errOut)
	}
	if exit != 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[exit code %d]", exit)
	}
	if sb.Len() == 0 {
		sb.WriteString("(no output)")
	}
	return Ok(sb.String())
}

func shellPath() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func shortCommand(cmd string) string {
	if len(cmd) > 50 {
		return cmd[:47] + "..."
	}
	return cmd
}
