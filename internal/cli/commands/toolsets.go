package commands

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/casualmcp/casualmcp/internal/config"
	"github.com/casualmcp/casualmcp/internal/toolset"
)

// NewToolSetsCommand lists and edits the configured toolsets.
func NewToolSetsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "toolsets",
		Short:   "List configured toolsets",
		Example: "  casualmcp toolsets\n  casualmcp toolsets edit research",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			table := newTable(cmd.OutOrStdout(), []string{"Name", "Description", "Servers"})
			for _, name := range sortedNames(cfg.ToolSets) {
				ts := cfg.ToolSets[name]
				table.Append([]string{
					name,
					ts.Description,
					strings.Join(sortedNames(ts.Servers), ", "),
				})
			}
			table.Render()
			return nil
		},
	}

	cmd.AddCommand(newToolSetsEditCommand())
	return cmd
}

func newToolSetsEditCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "edit <name>",
		Short:   "Interactively edit a toolset",
		Example: "  casualmcp toolsets edit research",
		Args:    cobra.ExactArgs(1),
		RunE:    runToolSetsEdit,
	}
}

func runToolSetsEdit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	name := args[0]

	cfg, err := config.LoadRaw()
	if err != nil {
		return err
	}

	reader := bufio.NewReader(cmd.InOrStdin())

	ts, exists := cfg.ToolSets[name]
	if !exists {
		_, _ = fmt.Fprintf(out, "Toolset '%s' does not exist.\n", name)
		_, _ = fmt.Fprint(out, "Create it? (Y/n): ")
		confirm, _ := reader.ReadString('\n')
		confirm = strings.TrimSpace(strings.ToLower(confirm))
		if confirm == "n" || confirm == "no" {
			return fmt.Errorf("operation cancelled")
		}
	}
	if ts.Servers == nil {
		ts.Servers = map[string]toolset.Spec{}
	}

	_, _ = fmt.Fprintf(out, "Current description: %s\n", ts.Description)
	_, _ = fmt.Fprint(out, "New description (leave blank to keep): ")
	input, _ := reader.ReadString('\n')
	if input = strings.TrimSpace(input); input != "" {
		ts.Description = input
	}

	// Membership is edited per server. Answering y on a server that is
	// already in the set keeps its tool spec untouched.
	for _, server := range sortedNames(cfg.Servers) {
		spec, included := ts.Servers[server]
		state := "not included"
		if included {
			state = describeSpec(spec)
		}
		_, _ = fmt.Fprintf(out, "Server '%s' is %s. Include it? (y/n, leave blank to keep): ", server, state)
		answer, _ := reader.ReadString('\n')
		switch strings.TrimSpace(strings.ToLower(answer)) {
		case "y", "yes":
			if !included {
				ts.Servers[server] = toolset.AllSpec()
			}
		case "n", "no":
			delete(ts.Servers, server)
		}
	}

	if len(ts.Servers) == 0 {
		return fmt.Errorf("toolset '%s' selects no servers; not saving", name)
	}

	if cfg.ToolSets == nil {
		cfg.ToolSets = map[string]toolset.Config{}
	}
	cfg.ToolSets[name] = ts
	if err := config.Save(cfg); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "Saved toolset '%s' to %s\n", name, config.ConfigPath())
	return nil
}

func describeSpec(spec toolset.Spec) string {
	switch {
	case spec.All():
		return "included (all tools)"
	case spec.Include() != nil:
		return fmt.Sprintf("included (%s)", strings.Join(spec.Include(), ", "))
	default:
		return fmt.Sprintf("included (all except %s)", strings.Join(spec.Exclude(), ", "))
	}
}
