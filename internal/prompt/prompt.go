// Package prompt composes the system prompt for a session.
package prompt

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// claudeCodeIdentity is the vendor identification header required when an
// Anthropic provider is authenticated with an OAuth token: the token is
// scoped to this identity and requests without it are rejected.
const claudeCodeIdentity = "You are Claude Code, Anthropic's official CLI for Claude."

// Options describes the inputs to system prompt composition.
type Options struct {
	ProviderID string
	ModelID    string
	// OAuth marks an OAuth-authenticated provider (vendor header rule).
	OAuth bool
	// HasOverride distinguishes an explicit empty system message from no
	// override at all.
	HasOverride bool
	Override    string
	// Append entries are added after the composed prompt.
	Append []string
	// CustomInstructions come from the user's config or project files.
	CustomInstructions string
	Workspace          string
}

// needsVendorHeader reports whether the provider requires the identity
// header regardless of user overrides.
func (o Options) needsVendorHeader() bool {
	return o.OAuth && o.ProviderID == "anthropic"
}

// Compose builds the system prompt entries. The result never exceeds two
// entries before appends, so providers can cache both.
func Compose(opts Options) []string {
	var entries []string

	switch {
	case opts.HasOverride && opts.Override != "":
		if opts.needsVendorHeader() {
			entries = append(entries, claudeCodeIdentity)
		}
		entries = append(entries, opts.Override)
	case opts.HasOverride:
		// Explicit empty prompt; only the vendor header survives.
		if opts.needsVendorHeader() {
			entries = append(entries, claudeCodeIdentity)
		}
	default:
		var body []string
		if p := familyPrompt(opts.ModelID); p != "" {
			body = append(body, p)
		}
		body = append(body, environmentContext(opts.Workspace))
		if opts.CustomInstructions != "" {
			body = append(body, opts.CustomInstructions)
		}
		if opts.needsVendorHeader() {
			entries = append(entries, claudeCodeIdentity)
		}
		entries = append(entries, strings.Join(body, "\n\n"))
	}

	for _, extra := range opts.Append {
		if extra != "" {
			entries = append(entries, extra)
		}
	}
	return entries
}

// familyPrompt returns the base agent prompt for a model family.
func familyPrompt(modelID string) string {
	base := `You are an autonomous coding agent. You complete the user's task by reading and editing files, running commands, and using the available tools. Work step by step, verify your changes, and report what you did. Prefer small targeted edits over wholesale rewrites.`
	if strings.Contains(modelID, "claude") {
		return base + ` Use tools directly without narrating each call.`
	}
	return base
}

// environmentContext describes the machine and workspace for the model.
func environmentContext(workspace string) string {
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	return fmt.Sprintf("Environment:\n- Platform: %s/%s\n- Working directory: %s\n- Date: %s",
		runtime.GOOS, runtime.GOARCH, workspace, time.Now().Format("2006-01-02"))
}
