package provider

import (
	"os"

	"github.com/link-assistant/agent/internal/credentials"
)

// loaderResult is what a custom loader contributes for its provider.
type loaderResult struct {
	// Autoload registers the provider even when no earlier pass did.
	Autoload bool
	Options  Options
}

type loader struct {
	providerID string
	load       func() (loaderResult, bool)
}

// loaders are provider-specific hooks run as resolution pass 3. They
// import credentials from locally installed vendor CLIs.
var loaders = []loader{
	{
		providerID: "anthropic",
		load: func() (loaderResult, bool) {
			// An explicit OAuth token in the environment beats the local
			// Claude Code install.
			if token := os.Getenv("CLAUDE_CODE_OAUTH_TOKEN"); token != "" {
				return loaderResult{
					Autoload: true,
					Options:  Options{APIKey: token, OAuth: true},
				}, true
			}
			rec, err := credentials.ClaudeCodeToken()
			if err != nil || rec.Expired() {
				return loaderResult{}, false
			}
			return loaderResult{
				Autoload: true,
				Options:  Options{APIKey: rec.Access, OAuth: true},
			}, true
		},
	},
	{
		providerID: "google",
		load: func() (loaderResult, bool) {
			rec, err := credentials.GeminiCLIToken()
			if err != nil || rec.Expired() {
				return loaderResult{}, false
			}
			return loaderResult{
				Autoload: true,
				Options:  Options{APIKey: rec.Access, OAuth: true},
			}, true
		},
	},
}
