package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
	"github.com/xkilldash9x/scalpel-hitl/internal/service"
)

// componentFactory is swapped out in tests.
var componentFactory = service.NewComponentFactory

func newServeCmd(st *cliState) *cobra.Command {
	var (
		addr        string
		concurrency int
		driver      string
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server: API, event stream, workers and maintenance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := st.cfg

			// Flags override config file and environment.
			if cmd.Flags().Changed("addr") {
				cfg.SetServerAddr(addr)
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.SetEngineWorkerConcurrency(concurrency)
			}
			if cmd.Flags().Changed("driver") {
				cfg.SetDatabaseDriver(driver)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger.Info("Starting scalpel-hitl server",
				zap.String("version", Version),
				zap.String("addr", cfg.Server().Addr),
				zap.String("database_driver", cfg.Database().Driver),
				zap.Int("worker_concurrency", cfg.Engine().WorkerConcurrency),
				zap.Bool("browser_enabled", cfg.Browser().Enabled),
				zap.Bool("auth_enabled", cfg.Server().AuthSecret != ""),
			)

			components, err := componentFactory().Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}

			if err := components.Orchestrator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Server stopped with an error", zap.Error(err))
				return err
			}
			logger.Info("Server stopped.")
			return nil
		},
	}

	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "number of run workers (overrides engine.worker_concurrency)")
	serveCmd.Flags().StringVar(&driver, "driver", "", "store driver: memory or postgres (overrides database.driver)")
	return serveCmd
}
