// Package cmd implements the gostep command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostep/internal/config"
	"github.com/3leaps/gostep/internal/observability"
	"github.com/3leaps/gostep/internal/server/handlers"
)

// exitFailure is used when a run finished but at least one job failed.
const exitFailure = 1

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.Identity
	appConfig   *config.Config

	verbose     bool
	jobsBackend string
	jobsPath    string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "gostep",
	Short: "Persisted multi-step job runner",
	Long: `gostep stores jobs made of ordered steps and runs them one at a time.

Jobs are drafted, edited, submitted to the queue, then run or retried.
Job records survive restarts in a directory, SQLite, or Badger store.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&jobsBackend, "jobs-backend", "", "Job store backend: dir, sqlite, or badger")
	rootCmd.PersistentFlags().StringVar(&jobsPath, "jobs-path", "", "Job store location")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level for serve (debug, info, warn, error)")
}

// SetVersionInfo records build metadata for the version command and API.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity once the CLI has initialised.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitCodeError
		if errors.As(err, &ee) {
			return ee.code
		}
		return int(foundry.ExitInvalidArgument)
	}
	return 0
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger("gostep", verbose)

	id := config.DefaultIdentity
	appIdentity = &id

	overrides := map[string]any{}
	jobs := map[string]any{}
	if v := strings.TrimSpace(jobsBackend); v != "" {
		jobs["backend"] = v
	}
	if v := strings.TrimSpace(jobsPath); v != "" {
		jobs["path"] = v
	}
	if len(jobs) > 0 {
		overrides["jobs"] = jobs
	}
	if v := strings.TrimSpace(logLevel); v != "" {
		overrides["logging"] = map[string]any{"level": v}
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("jobs_backend", cfg.Jobs.Backend),
		zap.String("jobs_path", cfg.Jobs.Path))
	return nil
}

type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

// exitError attaches a process exit code to err.
func exitError[C ~int](code C, message string, err error) error {
	if err == nil {
		err = errors.New(strings.ToLower(message))
	}
	return &exitCodeError{code: int(code), message: message, err: err}
}
