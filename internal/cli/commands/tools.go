package commands

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/casualmcp/casualmcp/internal/toolcache"
	"github.com/casualmcp/casualmcp/internal/toolset"
	"github.com/casualmcp/casualmcp/mcp"
)

const toolDescriptionWidth = 70

// NewToolsCommand lists the merged tool catalogue of all configured
// servers. Stdio servers are started to answer the listing.
func NewToolsCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:     "tools",
		Short:   "List the merged tool catalogue",
		Example: "  casualmcp tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "cli").Logger()
			agg := mcp.NewAggregate(cfg.Servers, cfg.NamespaceTools, logger)
			defer agg.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			cache := toolcache.NewFromEnv(agg, logger)
			tools, err := cache.GetTools(ctx, false)
			if err != nil {
				return err
			}

			serverNames := cfg.ServerNames()
			table := newTable(cmd.OutOrStdout(), []string{"Server", "Tool", "Description"})
			for _, tool := range tools {
				server, _ := toolset.ExtractServerAndTool(tool.Name, serverNames)

				desc := tool.Description
				if len(desc) > toolDescriptionWidth {
					desc = desc[:toolDescriptionWidth-3] + "..."
				}

				table.Append([]string{server, tool.Name, desc})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for server listings")
	return cmd
}
