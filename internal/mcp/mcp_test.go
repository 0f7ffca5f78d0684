package mcp

import (
	"context"
	"strings"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/link-assistant/agent/internal/config"
	"github.com/link-assistant/agent/internal/tools"
)

func TestBuildTransportStdio(t *testing.T) {
	c := NewClient("files", config.MCPServer{
		Command:     []string{"npx", "-y", "some-server"},
		Environment: map[string]string{"TOKEN": "x"},
	})
	tr, err := c.buildTransport(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ct, ok := tr.(*sdkmcp.CommandTransport)
	if !ok {
		t.Fatalf("transport %T", tr)
	}
	if ct.Command.Args[0] != "npx" || ct.Command.Args[2] != "some-server" {
		t.Fatalf("args: %v", ct.Command.Args)
	}
	var sawToken bool
	for _, e := range ct.Command.Env {
		if e == "TOKEN=x" {
			sawToken = true
		}
	}
	if !sawToken {
		t.Fatal("environment override missing")
	}
}

func TestBuildTransportHTTP(t *testing.T) {
	c := NewClient("remote", config.MCPServer{URL: "https://mcp.example.com/stream"})
	tr, err := c.buildTransport(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ht, ok := tr.(*sdkmcp.StreamableClientTransport)
	if !ok {
		t.Fatalf("transport %T", tr)
	}
	if ht.Endpoint != "https://mcp.example.com/stream" {
		t.Fatalf("endpoint %q", ht.Endpoint)
	}
}

func TestBuildTransportRequiresCommandOrURL(t *testing.T) {
	c := NewClient("empty", config.MCPServer{})
	if _, err := c.buildTransport(context.Background()); err == nil {
		t.Fatal("empty config should fail")
	}
}

func TestStartAllSkipsDisabledAndRecordsFailures(t *testing.T) {
	m := NewManager(map[string]config.MCPServer{
		"off":    {Command: []string{"true"}, Disabled: true},
		"broken": {Command: []string{"/nonexistent/mcp-server"}},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.StartAll(ctx)

	states := m.States()
	if len(states) != 1 {
		t.Fatalf("disabled server should not appear: %+v", states)
	}
	if states[0].Name != "broken" || states[0].Status != StatusFailed {
		t.Fatalf("state: %+v", states[0])
	}
	if states[0].Err == nil {
		t.Fatal("failure cause missing")
	}
}

func TestSanitizeServerID(t *testing.T) {
	cases := map[string]string{
		"My Files":      "my_files",
		"github.remote": "github_remote",
		"plain-ok_1":    "plain-ok_1",
	}
	for in, want := range cases {
		if got := SanitizeServerID(in); got != want {
			t.Errorf("SanitizeServerID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToolCallTimeoutEnvClamping(t *testing.T) {
	t.Setenv("LINK_ASSISTANT_AGENT_MCP_DEFAULT_TOOL_CALL_TIMEOUT", "30s")
	if got := ToolCallTimeout(); got != 30*time.Second {
		t.Fatalf("timeout %v", got)
	}

	t.Setenv("LINK_ASSISTANT_AGENT_MCP_DEFAULT_TOOL_CALL_TIMEOUT", "1h")
	if got := ToolCallTimeout(); got != 10*time.Minute {
		t.Fatalf("uncapped timeout %v", got)
	}

	t.Setenv("LINK_ASSISTANT_AGENT_MCP_MAX_TOOL_CALL_TIMEOUT", "2h")
	if got := ToolCallTimeout(); got != time.Hour {
		t.Fatalf("raised ceiling ignored: %v", got)
	}
}

// readyClient fakes a connected client advertising the given tool names.
func readyClient(name string, toolNames ...string) *Client {
	c := NewClient(name, config.MCPServer{Command: []string{"true"}})
	c.running = true
	for _, tn := range toolNames {
		c.tools = append(c.tools, ToolSpec{Name: tn, Schema: map[string]any{"type": "object"}})
	}
	return c
}

func TestRegisterToolsPrefixesOnCollision(t *testing.T) {
	m := NewManager(nil, nil)
	m.clients["My Files"] = readyClient("My Files", "read", "search")

	reg := tools.Builtin() // already has "read"
	disp := tools.NewDispatcher(reg, nil, "")
	m.RegisterTools(reg, disp)

	if !reg.Has("my_files__read") {
		t.Fatalf("colliding tool not prefixed: %v", reg.Names())
	}
	if !reg.Has("search") {
		t.Fatalf("non-colliding tool should keep its name: %v", reg.Names())
	}
	if _, ok := disp.Timeouts["search"]; !ok {
		t.Fatal("dispatcher timeout not set for bridged tool")
	}
}

func TestRegisterToolsStableAcrossServers(t *testing.T) {
	m := NewManager(nil, nil)
	m.clients["beta"] = readyClient("beta", "lookup")
	m.clients["alpha"] = readyClient("alpha", "lookup")

	reg := tools.NewRegistry()
	m.RegisterTools(reg, nil)

	// alpha sorts first so it claims the bare name.
	if !reg.Has("lookup") || !reg.Has("beta__lookup") {
		t.Fatalf("names: %v", reg.Names())
	}
	spec, _ := reg.Get("lookup")
	if !strings.Contains(spec.Spec().Name, "lookup") {
		t.Fatalf("spec name: %q", spec.Spec().Name)
	}
}
