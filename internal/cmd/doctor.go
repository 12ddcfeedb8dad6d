package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostep/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the configuration, job store, and step
execution environment.

Examples:
  gostep doctor
  gostep --jobs-backend sqlite doctor`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func doctorChecks() []doctorCheck {
	return []doctorCheck{
		{name: "Go version", run: func(context.Context) (string, error) {
			return runtime.Version(), nil
		}},
		{name: "configuration", run: func(context.Context) (string, error) {
			if appConfig == nil {
				return "", fmt.Errorf("configuration not loaded")
			}
			detail := fmt.Sprintf("backend=%s path=%s", appConfig.Jobs.Backend, appConfig.Jobs.Path)
			if appConfig.Jobs.AuthToken != "" {
				detail += " auth_token=" + maskToken(appConfig.Jobs.AuthToken)
			}
			return detail, nil
		}},
		{name: "job store", run: func(ctx context.Context) (string, error) {
			store, err := openStore(ctx)
			if err != nil {
				return "", err
			}
			defer closeStore(store)
			ids, err := store.FindJobIDs(ctx, "")
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d jobs", len(ids)), nil
		}},
		{name: "log directory", run: func(context.Context) (string, error) {
			return checkWritableDir(appConfig.Jobs.LogDir)
		}},
		{name: "step shell", run: func(context.Context) (string, error) {
			return exec.LookPath("sh")
		}},
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	_, _ = fmt.Fprintln(out, "=== gostep doctor ===")
	checks := doctorChecks()
	failed := 0
	for i, check := range checks {
		detail, err := check.run(ctx)
		if err != nil {
			failed++
			observability.CLILogger.Debug("Doctor check failed", zap.String("check", check.name), zap.Error(err))
			_, _ = fmt.Fprintf(out, "[%d/%d] %s... FAIL %v\n", i+1, len(checks), check.name, err)
			continue
		}
		_, _ = fmt.Fprintf(out, "[%d/%d] %s... ok %s\n", i+1, len(checks), check.name, detail)
	}

	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Doctor found problems",
			fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	_, _ = fmt.Fprintln(out, "All checks passed.")
	return nil
}

func checkWritableDir(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("directory not configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return filepath.Clean(dir), nil
}

// maskToken masks all but the last 4 characters of a secret.
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
