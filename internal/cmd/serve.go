package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/gostep/internal/observability"
	"github.com/3leaps/gostep/internal/server"
	"github.com/3leaps/gostep/internal/server/handlers"
	"github.com/3leaps/gostep/pkg/jobrunner"
	"github.com/3leaps/gostep/pkg/process"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job API over HTTP",
	Long: `Start the HTTP API.

Endpoints:
  GET  /health, /health/live, /health/ready, /health/startup
  GET  /version
  GET  /v1/jobs?status=&match=      POST /v1/jobs (manifest body)
  GET  /v1/jobs/{id}                POST /v1/jobs/{id}/submit
  POST /v1/jobs/{id}/run            POST /v1/jobs/{id}/retry
  POST /v1/jobs/run-all             POST /v1/jobs/retry-all
  GET  /v1/runner                   POST /v1/runner/stop`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Override server.host")
	serveCmd.Flags().Int("port", 0, "Override server.port")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}

	logger, err := observability.NewLogger("gostep", cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	coord := process.Default()
	runner := jobrunner.New(store, coord,
		jobrunner.WithLogger(logger.Named("runner")),
		jobrunner.WithStepRateLimit(cfg.Runner.StepRateLimit),
	)

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("identity", handlers.IdentityChecker{
		BinaryName: appIdentity.BinaryName,
		EnvPrefix:  appIdentity.EnvPrefix,
		ConfigName: appIdentity.ConfigName,
	})
	health.RegisterChecker("store", handlers.StoreChecker{Store: store})

	jobs := handlers.NewJobsHandler(runner, newExecutor().Process,
		handlers.WithBaseContext(ctx),
		handlers.WithStartTimeout(cfg.Runner.StartTimeout),
		handlers.WithJobsLogger(logger.Named("api")),
	)
	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithJobs(jobs),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		// In-flight runs stop between steps once ctx is cancelled.
		coord.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		// The store is closed once runServe returns; runs must have
		// recorded their final status by then.
		if err := jobs.Drain(shutdownCtx); err != nil {
			logger.Warn("Background run still active at shutdown", zap.Error(err))
			return fmt.Errorf("drain background runs: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server stopped with error", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	logger.Info("Server stopped")
	return nil
}
