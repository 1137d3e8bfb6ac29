package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-supervisor/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and the operational HTTP server",
		Long: `serve consumes run requests from the configured broker and supervises
up to worker.concurrency runs at once. /healthz, /readyz and /metrics are
served on server.port. SIGINT or SIGTERM aborts in-flight runs and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return server.New(a).Run(cmd.Context())
		},
	}
}
