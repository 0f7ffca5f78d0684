// Package catalog loads and caches the provider/model registry from a
// models.dev-style JSON document.
package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultURL is the remote registry document.
	DefaultURL = "https://models.dev/api.json"

	// staleness is how old the disk cache may be before Get refreshes
	// synchronously.
	staleness = time.Hour

	fetchTimeout = 15 * time.Second
)

//go:embed fallback.json
var fallbackJSON []byte

// Model describes one model in the catalog.
type Model struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	RealID       string   `json:"real_id,omitempty"`
	Cost         Cost     `json:"cost"`
	Limit        Limit    `json:"limit"`
	Modalities   Modality `json:"modalities"`
	Reasoning    bool     `json:"reasoning,omitempty"`
	ToolCall     bool     `json:"tool_call,omitempty"`
	Attachment   bool     `json:"attachment,omitempty"`
	Temperature  bool     `json:"temperature,omitempty"`
	Experimental bool     `json:"experimental,omitempty"`
	Deprecated   bool     `json:"deprecated,omitempty"`
}

// Cost is USD per million tokens. All fields are non-negative.
type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cache_read,omitempty"`
	CacheWrite float64 `json:"cache_write,omitempty"`
}

// Free reports whether the model costs nothing to call.
func (c Cost) Free() bool {
	return c.Input == 0 && c.Output == 0
}

// Limit holds token limits.
type Limit struct {
	Context int64 `json:"context"`
	Output  int64 `json:"output"`
}

// Modality lists supported input/output modalities.
type Modality struct {
	Input  []string `json:"input,omitempty"`
	Output []string `json:"output,omitempty"`
}

// Provider describes one provider entry.
type Provider struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	NPM    string           `json:"npm,omitempty"`
	Env    []string         `json:"env,omitempty"`
	API    string           `json:"api,omitempty"`
	Models map[string]Model `json:"models"`
}

// Catalog is the full registry keyed by provider id.
type Catalog map[string]Provider

// Store serves the catalog with a disk cache and staleness policy.
type Store struct {
	URL       string
	CachePath string
	Client    *http.Client

	mu      sync.RWMutex
	catalog Catalog
	loaded  time.Time

	refreshing sync.Mutex
}

// NewStore creates a catalog store caching at <cacheDir>/models.json.
func NewStore(cacheDir string) *Store {
	return &Store{
		URL:       DefaultURL,
		CachePath: filepath.Join(cacheDir, "models.json"),
		Client:    &http.Client{Timeout: fetchTimeout},
	}
}

// Get returns the catalog. A missing or stale cache forces a synchronous
// refresh; a fresh cache is returned immediately while a background refresh
// may run. With no cache and no network, the built-in fallback is served.
func (s *Store) Get(ctx context.Context) (Catalog, error) {
	s.mu.RLock()
	if s.catalog != nil && time.Since(s.loaded) < staleness {
		c := s.catalog
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	if c, mtime, err := s.readCache(); err == nil {
		age := time.Since(mtime)
		s.mu.Lock()
		s.catalog = c
		s.loaded = mtime
		s.mu.Unlock()
		if age < staleness {
			return c, nil
		}
		// Stale cache: refresh must complete before returning, but a failed
		// refresh still serves the stale copy.
		s.Refresh(ctx)
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.catalog, nil
	}

	// No cache at all: try the network once, else fall back to the
	// compiled-in registry.
	if !s.Refresh(ctx) {
		var c Catalog
		if err := json.Unmarshal(fallbackJSON, &c); err != nil {
			return nil, fmt.Errorf("parse fallback catalog: %w", err)
		}
		s.mu.Lock()
		s.catalog = c
		s.loaded = time.Now()
		s.mu.Unlock()
		return c, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog, nil
}

// Refresh fetches the remote document. It reports whether a fresh copy was
// installed; on failure the existing cache is left untouched.
func (s *Store) Refresh(ctx context.Context) bool {
	// Only one refresh in flight; latecomers reuse its result.
	s.refreshing.Lock()
	defer s.refreshing.Unlock()

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return false
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return false
	}
	var c Catalog
	if err := json.Unmarshal(body, &c); err != nil {
		return false
	}

	s.mu.Lock()
	s.catalog = c
	s.loaded = time.Now()
	s.mu.Unlock()

	s.writeCache(body)
	return true
}

func (s *Store) readCache() (Catalog, time.Time, error) {
	info, err := os.Stat(s.CachePath)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(s.CachePath)
	if err != nil {
		return nil, time.Time{}, err
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, time.Time{}, err
	}
	return c, info.ModTime(), nil
}

func (s *Store) writeCache(body []byte) {
	if err := os.MkdirAll(filepath.Dir(s.CachePath), 0o755); err != nil {
		return
	}
	tmp := s.CachePath + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, s.CachePath)
}
