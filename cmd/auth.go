package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/link-assistant/agent/internal/config"
	"github.com/link-assistant/agent/internal/credentials"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage stored provider credentials",
}

var authLoginCmd = &cobra.Command{
	Use:   "login <provider>",
	Short: "Store an API key for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		providerID := args[0]
		key, err := readSecret(fmt.Sprintf("API key for %s: ", providerID))
		if err != nil {
			return err
		}
		if key == "" {
			return fmt.Errorf("empty key")
		}
		store := credentials.NewStore(config.DataDir())
		if err := store.Set(providerID, credentials.Record{Type: credentials.TypeAPI, Key: key}); err != nil {
			return err
		}
		fmt.Fprintf(stdout, `{"type":"status","status":"stored","message":%q}`+"\n", providerID)
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout <provider>",
	Short: "Remove a provider's stored credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := credentials.NewStore(config.DataDir())
		if err := store.Remove(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(stdout, `{"type":"status","status":"removed","message":%q}`+"\n", args[0])
		return nil
	},
}

var authListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := credentials.NewStore(config.DataDir())
		ids, err := store.Providers()
		if err != nil {
			return err
		}
		out, _ := json.Marshal(map[string]any{"type": "status", "status": "auth", "providers": ids})
		fmt.Fprintln(stdout, string(out))
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show credential state per provider, secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := credentials.NewStore(config.DataDir())
		all, err := store.All()
		if err != nil {
			return err
		}
		entries := map[string]string{}
		for id, rec := range all {
			state := string(rec.Type)
			if rec.Expired() {
				state += " (expired)"
			}
			entries[id] = state
		}
		out, _ := json.Marshal(map[string]any{"type": "status", "status": "auth", "credentials": entries})
		fmt.Fprintln(stdout, string(out))
		return nil
	},
}

// readSecret reads a line without echo on a TTY, falling back to a plain
// read for piped input.
func readSecret(prompt string) (string, error) {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	var line string
	if _, err := fmt.Fscanln(stdin, &line); err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func init() {
	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authListCmd, authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
