// Package serve provides the `sentinel serve` subcommand: it loads
// settings from the configured path and runs the full pipeline until
// interrupted, calling straight into a single orchestration entry point.
package serve

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/corvidio/sentinel/internal/app"
)

// Command creates the `serve` subcommand. configPath is a pointer to the
// root command's persistent --config flag value.
func Command(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the detection pipeline and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(context.Background(), *configPath)
		},
	}
}
