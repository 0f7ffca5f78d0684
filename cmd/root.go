// Package cmd wires the cobra command surface to the agent runtime.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "link-agent",
	Short: "Autonomous coding agent speaking JSON events",
	Long: `link-agent runs an autonomous coding agent loop against a configured
LLM provider. Requests arrive on stdin (one JSON object or plain line per
request) or via --prompt; every observable step leaves as a JSON event on
stdout, errors on stderr.

Examples:
  echo "What is 2 + 2?" | link-agent --model openai/gpt-5
  link-agent -p "list the go files here" --compact-json
  link-agent auth login anthropic
  link-agent models`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

var (
	flagVerbose      bool
	flagDryRun       bool
	flagCompactJSON  bool
	flagJSONStandard string
)

func init() {
	rootCmd.RunE = runAgent
	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&flagVerbose, "verbose", false, "Emit http.trace events and debug logs")
	pf.BoolVar(&flagDryRun, "dry-run", false, "Skip LLM calls and installs; emit a scripted event sequence")
	pf.BoolVar(&flagCompactJSON, "compact-json", false, "One JSON object per line with no whitespace")
	pf.StringVar(&flagJSONStandard, "json-standard", "", "Output standard: opencode (default) or claude")
}

// Execute runs the root command. Exit codes: 0 on clean idle, 1 on any
// terminal error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
