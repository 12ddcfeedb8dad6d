package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/gostep/internal/observability"
	"github.com/3leaps/gostep/pkg/jobregistry"
	"github.com/3leaps/gostep/pkg/jobrunner"
	"github.com/3leaps/gostep/pkg/manifest"
	"github.com/3leaps/gostep/pkg/process"
	"github.com/3leaps/gostep/pkg/stepexec"
)

func openStore(ctx context.Context) (*jobregistry.Store, error) {
	if appConfig == nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Configuration not loaded", nil)
	}
	backend, err := jobregistry.OpenBackend(ctx, appConfig.Jobs.BackendConfig())
	if err != nil {
		observability.CLILogger.Error("Failed to open job store",
			zap.String("backend", appConfig.Jobs.Backend),
			zap.String("path", appConfig.Jobs.Path),
			zap.Error(err))
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	return jobregistry.NewStore(backend), nil
}

func closeStore(store *jobregistry.Store) {
	if err := store.Close(); err != nil {
		observability.CLILogger.Warn("Failed to close job store", zap.Error(err))
	}
}

func newExecutor() *stepexec.Executor {
	return stepexec.New(appConfig.Jobs.LogDir, stepexec.WithLogger(observability.CLILogger))
}

func newRunner(store *jobregistry.Store, coord *process.Coordinator) *jobrunner.Runner {
	return jobrunner.New(store, coord,
		jobrunner.WithLogger(observability.CLILogger),
		jobrunner.WithStepRateLimit(appConfig.Runner.StepRateLimit),
	)
}

// storeError maps job store errors onto exit codes.
func storeError(message string, err error) error {
	switch {
	case errors.Is(err, jobregistry.ErrNotFound),
		errors.Is(err, jobregistry.ErrStepNotFound),
		errors.Is(err, jobregistry.ErrJobExists),
		errors.Is(err, jobregistry.ErrInvalidJobID),
		errors.Is(err, jobregistry.ErrInvalidTransition),
		errors.Is(err, manifest.ErrValidationFailed):
		return exitError(foundry.ExitInvalidArgument, message, err)
	case errors.Is(err, manifest.ErrManifestNotFound):
		return exitError(foundry.ExitFileNotFound, message, err)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, message, err)
	}
}

// resolveJobID accepts a full job id or an unambiguous prefix.
func resolveJobID(ctx context.Context, store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", exitError(foundry.ExitInvalidArgument, "Invalid job id", fmt.Errorf("job_id is required"))
	}

	if _, err := store.GetJob(ctx, input); err == nil {
		return input, nil
	} else if !errors.Is(err, jobregistry.ErrNotFound) && !errors.Is(err, jobregistry.ErrInvalidJobID) {
		return "", storeError("Failed to read job", err)
	}

	// Prefix match (allows table-friendly short IDs).
	ids, err := store.FindJobIDs(ctx, "")
	if err != nil {
		return "", storeError("Failed to list jobs", err)
	}
	matches := make([]string, 0, 2)
	for _, id := range ids {
		if strings.HasPrefix(id, input) {
			matches = append(matches, id)
		}
	}
	if len(matches) == 0 {
		return "", storeError("Job not found", fmt.Errorf("%w: %s", jobregistry.ErrNotFound, input))
	}
	if len(matches) > 1 {
		return "", exitError(foundry.ExitInvalidArgument, "Ambiguous job id",
			fmt.Errorf("job id prefix matches %d jobs; use the full job id", len(matches)))
	}
	return matches[0], nil
}
