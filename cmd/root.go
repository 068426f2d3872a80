// Package cmd defines and implements the CLI commands for the ingestd executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-pipeline/internal/config"
	"github.com/JakeFAU/ingestion-pipeline/internal/logging"
	"github.com/JakeFAU/ingestion-pipeline/internal/reconcile"
	"github.com/JakeFAU/ingestion-pipeline/internal/server"
)

var cfgFile string

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env carries what every command needs once flags are parsed.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Serve(ctx context.Context, withWorkers bool) error
	Work(ctx context.Context) error
	Sweep(ctx context.Context) (reconcile.Result, error)
	Redispatch(ctx context.Context, consumer string) (int, error)
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingestd",
		Short: "Deduplicating resource ingestion and processing service.",
		Long: `ingestd accepts batches of document and page URLs per consumer, records each
(url, consumer) pair exactly once, and drives every new record through fetch,
extract and embed to a completed or failed state.`,
		SilenceUsage: true,

		// Load config and build the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		// Flush buffered log entries.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and INGEST_* environment variables apply)")

	cmd.AddCommand(
		newServeCmd(),
		newWorkCmd(),
		newSweepCmd(),
		newRedispatchCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// withApp builds the application, hands it to run, and always closes it afterwards.
func withApp(run func(cmd *cobra.Command, app App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := resolveEnv(cmd.Context())
		if err != nil {
			return err
		}
		app, err := newApp(cmd.Context(), e.cfg, e.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize application services: %w", err)
		}
		defer func() {
			if cerr := app.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
				e.logger.Warn("close application failed", zap.Error(cerr))
			}
		}()
		return run(cmd, app, args)
	}
}
