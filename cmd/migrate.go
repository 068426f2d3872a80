package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	pgstore "github.com/JakeFAU/ingestion-pipeline/internal/storage/postgres"
)

// migrateUp and migrateDown are variables so tests can stub out the database.
var (
	migrateUp   = pgstore.MigrateUp
	migrateDown = pgstore.MigrateDown
)

// newMigrateCmd creates the 'migrate' command group for the record store schema.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Applies or rolls back the record store schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Applies all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if e.cfg.DB.DSN == "" {
				return errors.New("db.dsn is required to migrate")
			}
			if err := migrateUp(e.cfg.DB.DSN, e.logger.Named("migrate")); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Rolls back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if e.cfg.DB.DSN == "" {
				return errors.New("db.dsn is required to migrate")
			}
			if steps <= 0 {
				return errors.New("--steps must be > 0")
			}
			if err := migrateDown(e.cfg.DB.DSN, steps, e.logger.Named("migrate")); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}
