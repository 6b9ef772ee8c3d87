package commands

import (
	"strings"

	"github.com/spf13/cobra"
)

// NewServersCommand lists the configured MCP servers.
func NewServersCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "servers",
		Short:   "List configured MCP servers",
		Example: "  casualmcp servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			table := newTable(cmd.OutOrStdout(), []string{"Name", "Transport", "Target", "Deferred"})
			for _, name := range sortedNames(cfg.Servers) {
				server := cfg.Servers[name]

				target := server.URL
				if !server.IsRemote() {
					target = strings.TrimSpace(server.Command + " " + strings.Join(server.Args, " "))
				}

				deferred := ""
				if server.DeferLoading {
					deferred = "yes"
				}

				table.Append([]string{name, server.EffectiveTransport(), target, deferred})
			}
			table.Render()
			return nil
		},
	}
}
