package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/link-assistant/agent/internal/config"
	"github.com/link-assistant/agent/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Inspect configured MCP servers",
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured servers and their transports",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		type entry struct {
			Name      string `json:"name"`
			Transport string `json:"transport"`
			Disabled  bool   `json:"disabled,omitempty"`
		}
		var servers []entry
		for name, sc := range cfg.MCP {
			transport := "http"
			if len(sc.Command) > 0 {
				transport = "stdio"
			}
			servers = append(servers, entry{Name: name, Transport: transport, Disabled: sc.Disabled})
		}
		out, _ := json.Marshal(map[string]any{"type": "status", "status": "mcp", "servers": servers})
		fmt.Fprintln(stdout, string(out))
		return nil
	},
}

var mcpToolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Connect to enabled servers and list their tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		m := mcp.NewManager(cfg.MCP, nil)
		m.StartAll(cmd.Context())
		defer m.StopAll()

		byServer := map[string][]string{}
		for _, st := range m.States() {
			if st.Status != mcp.StatusReady {
				byServer[st.Name] = nil
				continue
			}
			client, ok := m.Client(st.Name)
			if !ok {
				continue
			}
			for _, spec := range client.Tools() {
				byServer[st.Name] = append(byServer[st.Name], spec.Name)
			}
		}
		out, _ := json.Marshal(map[string]any{"type": "status", "status": "mcp-tools", "tools": byServer})
		fmt.Fprintln(stdout, string(out))
		return nil
	},
}

func init() {
	mcpCmd.AddCommand(mcpListCmd, mcpToolsCmd)
	rootCmd.AddCommand(mcpCmd)
}
