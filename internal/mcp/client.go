// Package mcp manages Model Context Protocol servers and bridges their
// tools into the local tool registry.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/link-assistant/agent/internal/config"
)

// ToolSpec describes a tool advertised by an MCP server.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Client wraps one MCP server connection. Stdio servers run as a child
// process; remote servers connect over streamable HTTP.
type Client struct {
	name   string
	config config.MCPServer

	mu      sync.RWMutex
	client  *sdkmcp.Client
	session *sdkmcp.ClientSession
	tools   []ToolSpec
	running bool
}

func NewClient(name string, cfg config.MCPServer) *Client {
	return &Client{name: name, config: cfg}
}

func (c *Client) Name() string { return c.name }

/// buildTransport picks the transport from the server config: a command
// means stdio, a URL means streamable HTTP.
func (c *Client) buildTransport(ctx context.Context) (sdkmcp.Transport, error) {
	switch {
	case len(c.config.Command) > 0:
		cmd := exec.CommandContext(ctx, c.config.Command[0], c.config.Command[1:]...)
		env := os.Environ()
		for k, v := range c.config.Environment {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
		return &sdkmcp.CommandTransport{Command: cmd}, nil
	case c.config.URL != "":
		return &sdkmcp.StreamableClientTransport{Endpoint: c.config.URL}, nil
	default:
		return nil, fmt.Errorf("mcp server %s: neither command nor url configured", c.name)
	}
}

// Start connects to the server and loads its tool list.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	transport, err := c.buildTransport(ctx)
	if err != nil {
		return err
	}

	c.client = sdkmcp.NewClient(&sdkmcp.Implementation{
		Name:    "link-agent",
		Version: "1.0.0",
	}, nil)

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to mcp server %s: %w", c.name, err)
	}
	c.session = session

	if err := c.refreshToolsLocked(ctx); err != nil {
		c.session.Close()
		c.session = nil
		return fmt.Errorf("list tools from %s: %w", c.name, err)
	}

	c.running = true
	return nil
}

// Stop closes the connection. Idempotent.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	var err error
	if c.session != nil {
		err = c.session.Close()
		c.session = nil
	}
	c.running = false
	c.tools = nil
	return err
}

func (c *Client) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Tools returns the advertised tools.
func (c *Client) Tools() []ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ToolSpec{}, c.tools...)
}

func (c *Client) refreshToolsLocked(ctx context.Context) error {
	result, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return err
	}
	c.tools = make([]ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema := map[string]any{}
		if t.InputSchema != nil {
			if m, ok := t.InputSchema.(map[string]any); ok {
				schema = m
			}
		}
		c.tools = append(c.tools, ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schema,
		})
	}
	return nil
}

// CallTool invokes a tool on the server. A tool-level error comes back as
// (content, true, nil); transport failures as a Go error.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (content string, isError bool, err error) {
	c.mu.RLock()
	session := c.session
	running := c.running
	c.mu.RUnlock()
	if !running || session == nil {
		return "", false, fmt.Errorf("mcp server %s is not running", c.name)
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", false, fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	result, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return "", false, fmt.Errorf("call tool %s on %s: %w", name, c.name, err)
	}
	return formatContent(result.Content), result.IsError, nil
}

// formatContent flattens MCP content blocks into one string.
func formatContent(content []sdkmcp.Content) string {
	var out string
	for _, c := range content {
		switch v := c.(type) {
		case *sdkmcp.TextContent:
			out += v.Text
		default:
			if data, err := json.Marshal(c); err == nil {
				out += string(data)
			}
		}
	}
	return out
}
