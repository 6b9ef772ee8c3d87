// Package cli provides the casualmcp command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/casualmcp/casualmcp/internal/cli/commands"
	"github.com/casualmcp/casualmcp/internal/config"
	"github.com/casualmcp/casualmcp/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "casualmcp",
	Short: "Tool-augmented LLM chat over MCP servers",
	Long: `casualmcp connects LLMs to MCP tool servers.

It merges the tool catalogues of the configured servers, drives the
tool-calling chat loop, and exposes the whole thing over HTTP.`,
	Version: version.Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path != "" {
			return os.Setenv(config.EnvConfigPath, path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewServersCommand())
	rootCmd.AddCommand(commands.NewClientsCommand())
	rootCmd.AddCommand(commands.NewModelsCommand())
	rootCmd.AddCommand(commands.NewToolsCommand())
	rootCmd.AddCommand(commands.NewToolSetsCommand())

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./casualmcp.json)")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
