// Package stepexec runs job steps as child processes.
//
// A step's "command" argument is either a shell string, run with sh -c, or
// a list of argv strings. The child sees the job id, step index, and
// resolved output path in its environment; stdout and stderr are appended
// to per-job log files.
package stepexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gostep/pkg/jobregistry"
)

// Environment variables set for every step command.
const (
	EnvJobID      = "GOSTEP_JOB_ID"
	EnvStepIndex  = "GOSTEP_STEP_INDEX"
	EnvOutputPath = "GOSTEP_OUTPUT_PATH"
	EnvTargetPath = "GOSTEP_TARGET_PATH"
)

// Step argument keys understood by the executor.
const (
	ArgCommand = "command"
	ArgEnv     = "env"
	ArgDir     = "dir"
)

// ErrNoCommand is returned when a step has no usable command argument.
var ErrNoCommand = errors.New("step has no command")

// Executor is a command-running step processor.
type Executor struct {
	logRoot string
	shell   string
	logger  *zap.Logger
}

type Option func(*Executor)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithShell overrides the shell used for string commands (default /bin/sh).
func WithShell(shell string) Option {
	return func(e *Executor) {
		if strings.TrimSpace(shell) != "" {
			e.shell = shell
		}
	}
}

// New creates an Executor writing logs under <logRoot>/<job_id>/.
func New(logRoot string, opts ...Option) *Executor {
	e := &Executor{
		logRoot: strings.TrimSpace(logRoot),
		shell:   "/bin/sh",
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) JobDir(jobID string) string {
	return filepath.Join(e.logRoot, jobID)
}

func (e *Executor) StdoutPath(jobID string) string {
	return filepath.Join(e.JobDir(jobID), "stdout.log")
}

func (e *Executor) StderrPath(jobID string) string {
	return filepath.Join(e.JobDir(jobID), "stderr.log")
}

// Process runs the step command and reports whether it exited zero. It
// matches jobrunner.StepProcessor.
//
// The command is not bound to ctx: a running step is never interrupted,
// cancellation is observed by the runner between steps.
func (e *Executor) Process(_ context.Context, job *jobregistry.Job, step jobregistry.Step) bool {
	err := e.Run(job, step)
	if err != nil {
		e.logger.Warn("Step command failed",
			zap.String("job_id", job.ID),
			zap.Int("step_index", step.Index),
			zap.Error(err))
		return false
	}
	return true
}

// Run executes the step command and returns its failure, if any.
func (e *Executor) Run(job *jobregistry.Job, step jobregistry.Step) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	argv, err := e.commandArgv(step.Args)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(e.JobDir(job.ID), 0755); err != nil {
		return fmt.Errorf("create job log dir: %w", err)
	}
	if dir := filepath.Dir(step.OutputPath); step.OutputPath != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	stdoutFile, err := openLog(e.StdoutPath(job.ID))
	if err != nil {
		return fmt.Errorf("open stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := openLog(e.StderrPath(job.ID))
	if err != nil {
		return fmt.Errorf("open stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	writeHeader(stdoutFile, step, argv)

	// #nosec G204 -- running caller-supplied step commands is the purpose of this package
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(), stepEnv(job, step)...)
	if dir, ok := step.Args[ArgDir].(string); ok && strings.TrimSpace(dir) != "" {
		cmd.Dir = dir
	}

	e.logger.Debug("Running step command",
		zap.String("job_id", job.ID),
		zap.Int("step_index", step.Index),
		zap.Strings("argv", argv))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("step %d: %w", step.Index, err)
	}
	return nil
}

func (e *Executor) commandArgv(args jobregistry.Args) ([]string, error) {
	switch v := args[ArgCommand].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, ErrNoCommand
		}
		return []string{e.shell, "-c", v}, nil
	case []string:
		if len(v) == 0 {
			return nil, ErrNoCommand
		}
		return v, nil
	case []any:
		if len(v) == 0 {
			return nil, ErrNoCommand
		}
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("command list must contain strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, ErrNoCommand
	default:
		return nil, fmt.Errorf("unsupported command type %T", v)
	}
}

func stepEnv(job *jobregistry.Job, step jobregistry.Step) []string {
	env := []string{
		EnvJobID + "=" + job.ID,
		EnvStepIndex + "=" + strconv.Itoa(step.Index),
		EnvOutputPath + "=" + step.OutputPath,
		EnvTargetPath + "=" + step.TargetPath,
	}

	extra, ok := step.Args[ArgEnv].(map[string]any)
	if !ok {
		return env
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%v", k, extra[k]))
	}
	return env
}

func openLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func writeHeader(w io.Writer, step jobregistry.Step, argv []string) {
	_, _ = fmt.Fprintf(w, "# %s step %d: %s\n",
		time.Now().UTC().Format(time.RFC3339), step.Index, strings.Join(argv, " "))
}
