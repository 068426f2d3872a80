package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newSweepCmd creates the 'sweep' subcommand. It runs one reconciliation pass and prints the result,
// which suits an external scheduler such as a Kubernetes CronJob.
func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Resets stale processing records to pending and dispatches them again",
		RunE: withApp(func(cmd *cobra.Command, app App, _ []string) error {
			res, err := app.Sweep(cmd.Context())
			if encErr := json.NewEncoder(cmd.OutOrStdout()).Encode(res); encErr != nil {
				return fmt.Errorf("write result: %w", encErr)
			}
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			return nil
		}),
	}
}

// newRedispatchCmd creates the 'redispatch' subcommand for a consumer's stranded pending records.
func newRedispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redispatch <consumer>",
		Short: "Enqueues every pending record of a consumer again",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app App, args []string) error {
			n, err := app.Redispatch(cmd.Context(), args[0])
			if _, werr := fmt.Fprintf(cmd.OutOrStdout(), "dispatched %d pending records for %s\n", n, args[0]); werr != nil {
				return fmt.Errorf("write result: %w", werr)
			}
			if err != nil {
				return fmt.Errorf("redispatch: %w", err)
			}
			return nil
		}),
	}
}
