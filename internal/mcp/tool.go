package mcp

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/link-assistant/agent/internal/llm"
	"github.com/link-assistant/agent/internal/tools"
)

// serverTool adapts one MCP server tool to the local tool interface.
type serverTool struct {
	client *Client
	spec   ToolSpec
	// name is the registered name, possibly prefixed to dodge a collision.
	name string
	// remote is the server-side tool name.
	remote string
}

func (t *serverTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        t.name,
		Description: t.spec.Description,
		Schema:      t.spec.Schema,
	}
}

func (t *serverTool) Run(ctx tools.RunContext, input json.RawMessage) tools.Result {
	content, isError, err := t.client.CallTool(ctx, t.remote, input)
	if err != nil {
		if ctx.Err() != nil {
			return tools.Fail(tools.ErrTimeout, "mcp tool %s timed out", t.name)
		}
		return tools.Fail(tools.ErrExecutionFailed, "%v", err)
	}
	if isError {
		return tools.Fail(tools.ErrExecutionFailed, "%s", content)
	}
	return tools.Ok(content)
}

// RegisterTools bridges every tool from every ready server into the
// registry. A name already taken, by a builtin or another server, gets the
// sanitized server id as a prefix. The dispatcher's per-tool deadline for
// each bridged tool comes from the MCP timeout environment.
func (m *Manager) RegisterTools(reg *tools.Registry, disp *tools.Dispatcher) {
	m.mu.RLock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	m.mu.RUnlock()

	// Deterministic order so collision prefixing is stable across runs.
	sort.Strings(names)

	timeout := ToolCallTimeout()
	for _, server := range names {
		client, ok := m.Client(server)
		if !ok {
			continue
		}
		for _, spec := range client.Tools() {
			name := spec.Name
			if reg.Has(name) {
				name = SanitizeServerID(server) + "__" + spec.Name
			}
			reg.Register(&serverTool{client: client, spec: spec, name: name, remote: spec.Name})
			if disp != nil {
				if disp.Timeouts == nil {
					disp.Timeouts = map[string]time.Duration{}
				}
				disp.Timeouts[name] = timeout
			}
		}
	}
}
