// Package provider builds the table of usable providers from the catalog,
// the environment, stored credentials, custom loaders, and user config,
// and hands out cached model handles.
package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/link-assistant/agent/internal/catalog"
)

// Source records which resolution pass registered a provider.
type Source string

const (
	SourceEnv    Source = "env"
	SourceAPI    Source = "api"
	SourceConfig Source = "config"
	SourceCustom Source = "custom"
)

// Options are the effective connection options for a provider. Later
// resolution passes merge over earlier ones field by field.
type Options struct {
	APIKey  string
	BaseURL string
	Headers map[string]string
	// OAuth marks the APIKey as a bearer token rather than an API key.
	OAuth bool
}

func (o *Options) merge(other Options) {
	if other.APIKey != "" {
		o.APIKey = other.APIKey
		o.OAuth = other.OAuth
	}
	if other.BaseURL != "" {
		o.BaseURL = other.BaseURL
	}
	for k, v := range other.Headers {
		if o.Headers == nil {
			o.Headers = map[string]string{}
		}
		o.Headers[k] = v
	}
}

// Provider is one registered provider.
type Provider struct {
	ID      string
	Name    string
	NPM     string
	Env     []string
	Source  Source
	Options Options
	Models  map[string]catalog.Model
}

// Info is the secret-free view of a provider returned by List.
type Info struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Source Source   `json:"source"`
	Models []string `json:"models"`
}

func (p *Provider) info() Info {
	ids := make([]string, 0, len(p.Models))
	for id := range p.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Info{ID: p.ID, Name: p.Name, Source: p.Source, Models: ids}
}

// handleKey identifies a cached SDK handle. Two models share a handle
// only when package, options, and model id all match.
func handleKey(p *Provider, modelID string) string {
	h := sha256.New()
	h.Write([]byte(p.ID))
	h.Write([]byte{0})
	h.Write([]byte(p.NPM))
	h.Write([]byte{0})
	h.Write([]byte(p.Options.APIKey))
	h.Write([]byte{0})
	h.Write([]byte(p.Options.BaseURL))
	h.Write([]byte{0})
	if p.Options.OAuth {
		h.Write([]byte{1})
	}
	keys := make([]string, 0, len(p.Options.Headers))
	for k := range p.Options.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(p.Options.Headers[k]))
		h.Write([]byte{0})
	}
	h.Write([]byte(modelID))
	return hex.EncodeToString(h.Sum(nil))
}
