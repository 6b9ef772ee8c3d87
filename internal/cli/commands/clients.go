package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewClientsCommand lists the configured LLM clients.
func NewClientsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "clients",
		Short:   "List configured LLM clients",
		Example: "  casualmcp clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			table := newTable(cmd.OutOrStdout(), []string{"Name", "Provider", "Base URL", "Timeout"})
			for _, name := range sortedNames(cfg.Clients) {
				client := cfg.Clients[name]

				timeout := ""
				if client.Timeout > 0 {
					timeout = fmt.Sprintf("%ds", client.Timeout)
				}

				table.Append([]string{name, client.Provider, client.BaseURL, timeout})
			}
			table.Render()
			return nil
		},
	}
}
