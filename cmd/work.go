package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newWorkCmd creates the 'work' subcommand, a worker-only process for shared transports.
func newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Runs the worker pool against the configured transport",
		RunE: withApp(func(cmd *cobra.Command, app App, _ []string) error {
			if err := app.Work(cmd.Context()); err != nil {
				return fmt.Errorf("work: %w", err)
			}
			return nil
		}),
	}
}
