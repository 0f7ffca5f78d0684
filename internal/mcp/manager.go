package mcp

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/link-assistant/agent/internal/bus"
	"github.com/link-assistant/agent/internal/config"
)

// ServerStatus tracks a managed server's lifecycle.
type ServerStatus string

const (
	StatusStopped  ServerStatus = "stopped"
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusFailed   ServerStatus = "failed"
)

const (
	defaultToolCallTimeout = 2 * time.Minute
	maxToolCallTimeout     = 10 * time.Minute
)

// ServerState is a point-in-time view of one server.
type ServerState struct {
	Name   string
	Status ServerStatus
	Err    error
}

// Manager owns the configured MCP servers. Startup failures degrade to
// status events; a broken server never takes the session down.
type Manager struct {
	Bus *bus.Bus

	mu       sync.RWMutex
	servers  map[string]config.MCPServer
	clients  map[string]*Client
	statuses map[string]*ServerState
}

func NewManager(servers map[string]config.MCPServer, b *bus.Bus) *Manager {
	return &Manager{
		Bus:      b,
		servers:  servers,
		clients:  map[string]*Client{},
		statuses: map[string]*ServerState{},
	}
}

// StartAll connects every enabled server, in parallel, and waits for all
// of them to settle. Failures are recorded and reported, not returned.
func (m *Manager) StartAll(ctx context.Context) {
	var wg sync.WaitGroup
	for name, cfg := range m.servers {
		if cfg.Disabled {
			continue
		}
		wg.Add(1)
		go func(name string, cfg config.MCPServer) {
			defer wg.Done()
			m.start(ctx, name, cfg)
		}(name, cfg)
	}
	wg.Wait()
}

func (m *Manager) start(ctx context.Context, name string, cfg config.MCPServer) {
	client := NewClient(name, cfg)
	m.setStatus(name, StatusStarting, nil)

	if err := client.Start(ctx); err != nil {
		m.setStatus(name, StatusFailed, err)
		return
	}

	m.mu.Lock()
	m.clients[name] = client
	m.mu.Unlock()
	m.setStatus(name, StatusReady, nil)
}

func (m *Manager) setStatus(name string, status ServerStatus, err error) {
	m.mu.Lock()
	m.statuses[name] = &ServerState{Name: name, Status: status, Err: err}
	m.mu.Unlock()

	if m.Bus == nil {
		return
	}
	msg := "mcp server " + name + ": " + string(status)
	if err != nil {
		msg += ": " + err.Error()
	}
	m.Bus.Publish(bus.Event{Kind: bus.KindStatus, Status: string(status), Message: msg})
}

// StopAll disconnects every running server.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = map[string]*Client{}
	m.statuses = map[string]*ServerState{}
	m.mu.Unlock()

	for _, c := range clients {
		c.Stop()
	}
}

// States returns the server states sorted by name.
func (m *Manager) States() []ServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerState, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Client returns the running client for a server.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// ToolCallTimeout resolves the MCP tool deadline from the environment,
// clamped to the hard ceiling.
func ToolCallTimeout() time.Duration {
	t := defaultToolCallTimeout
	if d, ok := config.EnvDuration("MCP_DEFAULT_TOOL_CALL_TIMEOUT"); ok && d > 0 {
		t = d
	}
	max := maxToolCallTimeout
	if d, ok := config.EnvDuration("MCP_MAX_TOOL_CALL_TIMEOUT"); ok && d > 0 {
		max = d
	}
	if t > max {
		t = max
	}
	return t
}

var serverIDPattern = regexp.MustCompile(`[^a-z0-9_-]+`)

// SanitizeServerID lowercases a server name and squashes anything that is
// not safe inside a tool name.
func SanitizeServerID(name string) string {
	return serverIDPattern.ReplaceAllString(strings.ToLower(name), "_")
}
