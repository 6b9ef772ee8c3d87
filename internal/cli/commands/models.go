package commands

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewModelsCommand lists the configured models.
func NewModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "models",
		Short:   "List configured models",
		Example: "  casualmcp models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			table := newTable(cmd.OutOrStdout(), []string{"Name", "Client", "Model", "Template", "Temperature"})
			for _, name := range sortedNames(cfg.Models) {
				model := cfg.Models[name]

				temp := ""
				if model.Temperature != nil {
					temp = strconv.FormatFloat(*model.Temperature, 'g', -1, 64)
				}

				table.Append([]string{name, model.Client, model.Model, model.Template, temp})
			}
			table.Render()
			return nil
		},
	}
}
