package commands

import (
	"os"
	"path/filepath"
	"text/template"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/casualmcp/casualmcp/internal/chat"
	"github.com/casualmcp/casualmcp/internal/gateway"
	"github.com/casualmcp/casualmcp/internal/llm"
	"github.com/casualmcp/casualmcp/mcp"
)

// NewServeCommand starts the HTTP gateway.
func NewServeCommand() *cobra.Command {
	var host string
	var port int
	var templatesDir string
	var rateRPS float64
	var rateBurst int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Example: `  casualmcp serve
  casualmcp serve --host 0.0.0.0 --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "serve").Logger()

			templates, err := loadTemplates(templatesDir)
			if err != nil {
				return err
			}

			agg := mcp.NewAggregate(cfg.Servers, cfg.NamespaceTools, logger)
			defer agg.Stop()

			orchestrator, err := chat.New(chat.Options{
				Transport: agg,
				Models:    llm.NewFactory(cfg),
				Config:    cfg,
				System:    gateway.DefaultSystemPrompt,
				Templates: templates,
				Logger:    logger.With().Str("component", "chat").Logger(),
			})
			if err != nil {
				return err
			}

			server := gateway.New(&gateway.Config{
				Host:      host,
				Port:      port,
				RateRPS:   rateRPS,
				RateBurst: rateBurst,
			}, cfg, orchestrator)

			return server.Start(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "bind address")
	cmd.Flags().IntVar(&port, "port", 8000, "bind port")
	cmd.Flags().StringVar(&templatesDir, "templates", "templates", "system prompt template directory")
	cmd.Flags().Float64Var(&rateRPS, "rate-rps", 0, "per-IP request rate limit (0 disables)")
	cmd.Flags().IntVar(&rateBurst, "rate-burst", 0, "rate limit burst size")

	return cmd
}

// loadTemplates parses <dir>/*.tmpl. A missing or empty directory is not
// an error; model templates then fall back to the default prompt.
func loadTemplates(dir string) (*template.Template, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmpl"))
	if err != nil || len(matches) == 0 {
		return nil, nil
	}
	return template.ParseFiles(matches...)
}
