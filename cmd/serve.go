package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand.
// It runs the HTTP intake API and, when requested, the worker pool in the same process.
func newServeCmd() *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP intake API",
		Long: `Serves the intake and operator routes. With the memory transport the worker
pool always runs in-process; with redis or pubsub pass --workers to run it here
too, or start separate 'work' processes.`,
		RunE: withApp(func(cmd *cobra.Command, app App, _ []string) error {
			if err := app.Serve(cmd.Context(), withWorkers); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", false, "also run the worker pool in this process")
	return cmd
}
