// Package config loads the agent configuration from the XDG config dir
// and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const appDirName = "link-agent"

// Config is the full agent configuration.
type Config struct {
	// Model is the default model reference, "provider/model" or a bare
	// short name resolved against the catalog.
	Model string `mapstructure:"model"`
	// SmallModel serves cheap auxiliary calls such as title generation.
	SmallModel string `mapstructure:"small_model"`

	Verbose bool `mapstructure:"verbose"`
	DryRun  bool `mapstructure:"dry_run"`

	Output OutputConfig `mapstructure:"output"`
	Stdin  StdinConfig  `mapstructure:"stdin"`

	// DisabledProviders are catalog provider ids the resolver skips.
	DisabledProviders []string `mapstructure:"disabled_providers"`
	// ExperimentalModels includes experimental catalog entries in listing
	// and resolution.
	ExperimentalModels bool `mapstructure:"experimental_models"`

	Providers map[string]ProviderConfig `mapstructure:"providers"`
	MCP       map[string]MCPServer      `mapstructure:"mcp"`
}

// OutputConfig controls event emission.
type OutputConfig struct {
	// Compact emits single-line JSON instead of pretty-printed.
	Compact bool `mapstructure:"compact"`
	// Standard is "opencode" (default) or "claude".
	Standard string `mapstructure:"standard"`
}

// StdinConfig controls the stdin request loop.
type StdinConfig struct {
	AlwaysAccept bool `mapstructure:"always_accept"`
	// AutoMerge concatenates lines arriving within the debounce window
	// into one message.
	AutoMerge   bool `mapstructure:"auto_merge"`
	Interactive bool `mapstructure:"interactive"`
}

// ProviderConfig overrides or defines one provider.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	// NPM overrides the catalog's SDK package for this provider.
	NPM      string `mapstructure:"npm"`
	Disabled bool   `mapstructure:"disabled"`
	// Models adds custom models not present in the catalog.
	Models map[string]ModelConfig `mapstructure:"models"`
}

// ModelConfig defines a custom model under a configured provider.
type ModelConfig struct {
	Name                   string  `mapstructure:"name"`
	ContextLimit           int64   `mapstructure:"context_limit"`
	OutputLimit            int64   `mapstructure:"output_limit"`
	CostInput              float64 `mapstructure:"cost_input"`
	CostOutput             float64 `mapstructure:"cost_output"`
	ToolCall               bool    `mapstructure:"tool_call"`
	Reasoning              bool    `mapstructure:"reasoning"`
	DisableStream          bool    `mapstructure:"disable_stream"`
	TemperatureUnsupported bool    `mapstructure:"temperature_unsupported"`
}

// MCPServer configures one MCP server connection. Command servers spawn a
// subprocess speaking stdio; URL servers connect over HTTP.
type MCPServer struct {
	Command     []string          `mapstructure:"command"`
	URL         string            `mapstructure:"url"`
	Environment map[string]string `mapstructure:"environment"`
	Disabled    bool              `mapstructure:"disabled"`
}

// Load reads config.yaml from the config dir, applies defaults, and folds
// in the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(Dir())
	v.AddConfigPath(".")

	v.SetDefault("output.standard", "opencode")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if EnvBool("VERBOSE") {
		cfg.Verbose = true
	}
	if EnvBool("DRY_RUN") {
		cfg.DryRun = true
	}
	if EnvBool("ENABLE_EXPERIMENTAL_MODELS") {
		cfg.ExperimentalModels = true
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	if cfg.MCP == nil {
		cfg.MCP = map[string]MCPServer{}
	}
	switch cfg.Output.Standard {
	case "", "opencode", "claude":
	default:
		return nil, fmt.Errorf("output.standard must be opencode or claude, got %q", cfg.Output.Standard)
	}
	return &cfg, nil
}

// Dir returns the XDG config directory for the agent.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + appDirName
	}
	return filepath.Join(home, ".config", appDirName)
}

// DataDir returns the XDG data directory, home of the auth store and
// session database.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + appDirName
	}
	return filepath.Join(home, ".local", "share", appDirName)
}

// CacheDir returns the XDG cache directory, home of the models cache and
// install root.
func CacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + appDirName
	}
	return filepath.Join(home, ".cache", appDirName)
}
