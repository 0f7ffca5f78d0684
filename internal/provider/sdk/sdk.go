// Package sdk wraps the native provider SDKs behind llm.LanguageModel.
// Anthropic and Gemini use their official Go clients; everything else
// speaks the OpenAI-compatible chat completions protocol.
package sdk

import (
	"net/http"

	"github.com/link-assistant/agent/internal/llm"
)

// Config carries the effective options for one model handle.
type Config struct {
	ProviderID string
	ModelID    string
	APIKey     string
	BaseURL    string
	Headers    map[string]string
	// OAuth sends APIKey as a bearer token with the vendor beta header
	// where the provider requires one.
	OAuth bool
	// Client is the retry-wrapped HTTP client shared by all handles.
	Client *http.Client
	DryRun bool
}

// New builds a model handle for the provider.
func New(cfg Config) (llm.LanguageModel, error) {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.DryRun {
		return newDryRunModel(cfg), nil
	}
	switch cfg.ProviderID {
	case "anthropic":
		return newAnthropicModel(cfg)
	case "google":
		return newGeminiModel(cfg)
	default:
		return newCompatModel(cfg)
	}
}

func schemaRequired(schema map[string]any) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
