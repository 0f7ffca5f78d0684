package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/link-assistant/agent/internal/catalog"
	"github.com/link-assistant/agent/internal/config"
	"github.com/link-assistant/agent/internal/credentials"
	"github.com/link-assistant/agent/internal/provider"
	"github.com/link-assistant/agent/internal/transport"
)

var flagModelsRemote bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List resolved providers and their models",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		resolver := provider.NewResolver(
			catalog.NewStore(config.CacheDir()),
			credentials.NewStore(config.DataDir()),
			cfg,
		)
		resolver.Client = &http.Client{Transport: transport.New(nil)}
		if err := resolver.Build(cmd.Context()); err != nil {
			return err
		}

		type entry struct {
			ID     string   `json:"id"`
			Name   string   `json:"name,omitempty"`
			Source string   `json:"source"`
			Models []string `json:"models"`
			// Remote is the provider's own listing, fetched with --remote.
			Remote      []string `json:"remoteModels,omitempty"`
			RemoteError string   `json:"remoteError,omitempty"`
		}
		var providers []entry
		for _, info := range resolver.List() {
			e := entry{
				ID:     info.ID,
				Name:   info.Name,
				Source: string(info.Source),
				Models: info.Models,
			}
			if flagModelsRemote {
				remote, err := resolver.ListRemoteModels(cmd.Context(), info.ID)
				if err != nil {
					e.RemoteError = err.Error()
				} else {
					e.Remote = remote
				}
			}
			providers = append(providers, e)
		}
		out, _ := json.Marshal(map[string]any{"type": "status", "status": "models", "providers": providers})
		fmt.Fprintln(stdout, string(out))
		return nil
	},
}

func init() {
	modelsCmd.Flags().BoolVar(&flagModelsRemote, "remote", false, "Also query each provider's live model listing")
	rootCmd.AddCommand(modelsCmd)
}
