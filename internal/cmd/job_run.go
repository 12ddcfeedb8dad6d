package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostep/internal/observability"
	"github.com/3leaps/gostep/pkg/jobregistry"
	"github.com/3leaps/gostep/pkg/jobrunner"
	"github.com/3leaps/gostep/pkg/process"
)

var jobRunCmd = &cobra.Command{
	Use:   "run <job_id>",
	Short: "Run a queued job",
	Long: `Run a queued job in the foreground, one step at a time.

The first interrupt (Ctrl-C) asks the runner to stop after the current
step; the job is then marked failed. A second interrupt cancels immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobRun,
}

var jobRunAllCmd = &cobra.Command{
	Use:   "run-all",
	Short: "Run every queued job in creation order",
	Args:  cobra.NoArgs,
	RunE:  runJobRunAll,
}

var jobRetryCmd = &cobra.Command{
	Use:   "retry <job_id>",
	Short: "Requeue a failed job and run it again",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRetry,
}

var jobRetryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "Retry every failed job in creation order",
	Args:  cobra.NoArgs,
	RunE:  runJobRetryAll,
}

func init() {
	jobCmd.AddCommand(jobRunCmd, jobRunAllCmd, jobRetryCmd, jobRetryAllCmd)
}

type runFunc func(ctx context.Context, r *jobrunner.Runner, id string, proc jobrunner.StepProcessor) (bool, error)

func runJobRun(cmd *cobra.Command, args []string) error {
	return runWith(cmd, args[0], "run", "", func(ctx context.Context, r *jobrunner.Runner, id string, proc jobrunner.StepProcessor) (bool, error) {
		return r.RunJob(ctx, id, proc)
	})
}

func runJobRetry(cmd *cobra.Command, args []string) error {
	return runWith(cmd, args[0], "retry", "", func(ctx context.Context, r *jobrunner.Runner, id string, proc jobrunner.StepProcessor) (bool, error) {
		return r.RetryJob(ctx, id, proc)
	})
}

func runJobRunAll(cmd *cobra.Command, _ []string) error {
	return runWith(cmd, "", "run-all", jobregistry.StatusQueued, func(ctx context.Context, r *jobrunner.Runner, _ string, proc jobrunner.StepProcessor) (bool, error) {
		return r.RunJobs(ctx, proc)
	})
}

func runJobRetryAll(cmd *cobra.Command, _ []string) error {
	return runWith(cmd, "", "retry-all", jobregistry.StatusFailed, func(ctx context.Context, r *jobrunner.Runner, _ string, proc jobrunner.StepProcessor) (bool, error) {
		return r.RetryJobs(ctx, proc)
	})
}

// runWith runs a single job (rawID set) or a batch of jobs in batchStatus.
func runWith(cmd *cobra.Command, rawID, action string, batchStatus jobregistry.Status, run runFunc) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	out := cmd.OutOrStdout()
	id := ""
	if rawID != "" {
		if id, err = resolveJobID(ctx, store, rawID); err != nil {
			return err
		}
	} else {
		ids, err := store.FindJobIDs(ctx, batchStatus)
		if err != nil {
			return storeError("Failed to list jobs", err)
		}
		if len(ids) == 0 {
			_, _ = fmt.Fprintf(out, "No %s jobs\n", batchStatus)
			return nil
		}
	}

	coord := process.Default()
	runner := newRunner(store, coord)

	interrupted, stopSignals := watchInterrupts(coord, cancel)
	defer stopSignals()

	observability.CLILogger.Info("Starting "+action, zap.String("job_id", id))
	ok, err := run(ctx, runner, id, newExecutor().Process)

	switch {
	case interrupted.Load():
		return exitError(foundry.ExitSignalInt, action+" interrupted", errors.New("stopped by signal"))
	case err != nil:
		return storeError(action+" failed", err)
	case !ok:
		return exitError(exitFailure, action+" finished with failures",
			errors.New("one or more jobs failed; see 'gostep job list --status failed'"))
	}
	_, _ = fmt.Fprintf(out, "%s succeeded\n", action)
	return nil
}

// watchInterrupts turns the first SIGINT/SIGTERM into a graceful stop and a
// second one into cancellation.
func watchInterrupts(coord *process.Coordinator, cancel context.CancelFunc) (*atomic.Bool, func()) {
	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		count := 0
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				interrupted.Store(true)
				count++
				if count == 1 {
					observability.CLILogger.Warn("Stop requested; finishing current step", zap.String("signal", sig.String()))
					coord.Stop()
					continue
				}
				observability.CLILogger.Warn("Cancelling run", zap.String("signal", sig.String()))
				cancel()
			}
		}
	}()

	return &interrupted, func() {
		signal.Stop(sigCh)
		close(done)
	}
}
