package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

var jobLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show step command output for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobLogs,
}

const followPollInterval = 250 * time.Millisecond

func init() {
	jobCmd.AddCommand(jobLogsCmd)

	jobLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
	jobLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole file)")
	jobLogsCmd.Flags().BoolP("follow", "f", false, "Follow log output until interrupted")
}

func runJobLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.TrimSpace(strings.ToLower(stream))
	if stream == "" {
		stream = "stdout"
	}
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	id, err := resolveJobID(ctx, store, args[0])
	closeStore(store)
	if err != nil {
		return err
	}

	executor := newExecutor()
	var paths []string
	switch stream {
	case "stdout":
		paths = []string{executor.StdoutPath(id)}
	case "stderr":
		paths = []string{executor.StderrPath(id)}
	case "both":
		paths = []string{executor.StdoutPath(id), executor.StderrPath(id)}
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --stream value",
			fmt.Errorf("invalid --stream %q (expected stdout, stderr, or both)", stream))
	}

	if follow && len(paths) > 1 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --stream value",
			fmt.Errorf("--follow needs a single stream (stdout or stderr)"))
	}
	if follow {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
	}

	out := cmd.OutOrStdout()
	for _, path := range paths {
		if follow {
			err = followLog(ctx, out, path)
		} else {
			err = printLogTail(out, path, tailN)
		}
		if err != nil {
			if os.IsNotExist(err) {
				return exitError(foundry.ExitFileNotFound, "No logs for job", err)
			}
			return exitError(foundry.ExitFileReadError, "Failed to read job log", err)
		}
	}
	return nil
}

func printLogTail(w io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(w, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	buf := make([]string, 0, n)
	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// followLog copies path to w and keeps polling for appended data until ctx
// is done.
func followLog(ctx context.Context, w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()
	for {
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
