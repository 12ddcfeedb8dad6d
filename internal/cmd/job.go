package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostep/internal/observability"
	"github.com/3leaps/gostep/pkg/jobregistry"
	"github.com/3leaps/gostep/pkg/manifest"
	"github.com/3leaps/gostep/pkg/stepexec"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Create, edit, run, and inspect jobs",
	Long: `Manage persisted jobs.

A job is drafted, edited with add-step/insert-step/remove-step, then
submitted to the queue. Queued jobs are run with 'job run' or 'job run-all';
failed jobs can be retried.

Job ids may be abbreviated to any unambiguous prefix.`,
}

var jobCreateCmd = &cobra.Command{
	Use:   "create [job_id]",
	Short: "Create a drafted job",
	Long: `Create a drafted job. Without a job id a UUID is assigned.

With --manifest the job and its steps are created from a YAML or JSON
manifest file.

Examples:
  gostep job create render-42 --arg preset=fast
  gostep job create --manifest render.yaml --submit`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobCreate,
}

var jobAddStepCmd = &cobra.Command{
	Use:   "add-step <job_id> <target_path>",
	Short: "Append a step to a drafted job",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobAddStep,
}

var jobInsertStepCmd = &cobra.Command{
	Use:   "insert-step <job_id> <index> <target_path>",
	Short: "Insert a step into a drafted job",
	Args:  cobra.ExactArgs(3),
	RunE:  runJobInsertStep,
}

var jobRemoveStepCmd = &cobra.Command{
	Use:   "remove-step <job_id> <index>",
	Short: "Remove a step from a drafted job",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobRemoveStep,
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit <job_id>...",
	Short: "Queue drafted jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobSubmit,
}

var jobSubmitAllCmd = &cobra.Command{
	Use:   "submit-all",
	Short: "Queue every drafted job",
	Args:  cobra.NoArgs,
	RunE:  runJobSubmitAll,
}

var jobDeleteCmd = &cobra.Command{
	Use:   "delete <job_id>...",
	Short: "Delete jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobDelete,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobCreateCmd, jobAddStepCmd, jobInsertStepCmd, jobRemoveStepCmd,
		jobSubmitCmd, jobSubmitAllCmd, jobDeleteCmd)

	jobCreateCmd.Flags().StringP("manifest", "m", "", "Create the job from a YAML/JSON manifest")
	jobCreateCmd.Flags().StringArray("arg", nil, "Job argument key=value (repeatable)")
	jobCreateCmd.Flags().Bool("submit", false, "Queue the job after creating it")
	jobCreateCmd.Flags().Bool("json", false, "Output as JSON")

	for _, c := range []*cobra.Command{jobAddStepCmd, jobInsertStepCmd} {
		c.Flags().StringP("command", "c", "", "Command to run for the step (sh -c)")
		c.Flags().StringArray("arg", nil, "Step argument key=value (repeatable)")
		c.Flags().StringArray("env", nil, "Environment variable KEY=VALUE for the command (repeatable)")
		c.Flags().Bool("json", false, "Output as JSON")
	}
}

func runJobCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	manifestPath, _ := cmd.Flags().GetString("manifest")
	argPairs, _ := cmd.Flags().GetStringArray("arg")
	submit, _ := cmd.Flags().GetBool("submit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	jobID := ""
	if len(args) == 1 {
		jobID = strings.TrimSpace(args[0])
	}

	jobArgs, err := parseArgPairs(argPairs)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --arg value", err)
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	var job *jobregistry.Job
	if strings.TrimSpace(manifestPath) != "" {
		m, err := manifest.Load(manifestPath)
		if err != nil {
			observability.CLILogger.Error("Failed to load manifest", zap.String("path", manifestPath), zap.Error(err))
			return storeError("Invalid manifest", err)
		}
		if jobID != "" {
			m.ID = jobID
		}
		if submit {
			m.Submit = true
		}
		for k, v := range jobArgs {
			if m.Args == nil {
				m.Args = map[string]any{}
			}
			m.Args[k] = v
		}
		job, err = m.Apply(ctx, store)
		if err != nil {
			return storeError("Failed to create job", err)
		}
	} else {
		job, err = store.CreateJob(ctx, jobID, jobArgs)
		if err != nil {
			return storeError("Failed to create job", err)
		}
		if submit {
			if err := store.SubmitJob(ctx, job.ID); err != nil {
				return storeError("Failed to submit job", err)
			}
			if job, err = store.GetJob(ctx, job.ID); err != nil {
				return storeError("Failed to read job", err)
			}
		}
	}

	observability.CLILogger.Debug("Job created", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), job)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s\nstatus=%s\nsteps=%d\n", job.ID, job.Status, len(job.Steps))
	return nil
}

func runJobAddStep(cmd *cobra.Command, args []string) error {
	return addOrInsertStep(cmd, args[0], -1, args[1])
}

func runJobInsertStep(cmd *cobra.Command, args []string) error {
	index, err := parseIndex(args[1])
	if err != nil {
		return err
	}
	return addOrInsertStep(cmd, args[0], index, args[2])
}

func addOrInsertStep(cmd *cobra.Command, rawID string, index int, target string) error {
	ctx := cmd.Context()
	stepArgs, err := stepArgsFromFlags(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid step arguments", err)
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	id, err := resolveJobID(ctx, store, rawID)
	if err != nil {
		return err
	}

	var step *jobregistry.Step
	if index < 0 {
		step, err = store.AddStep(ctx, id, target, stepArgs)
	} else {
		step, err = store.InsertStep(ctx, id, index, target, stepArgs)
	}
	if err != nil {
		return storeError("Failed to add step", err)
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), step)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s\nstep_index=%d\noutput_path=%s\n", id, step.Index, step.OutputPath)
	return nil
}

func runJobRemoveStep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	index, err := parseIndex(args[1])
	if err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	id, err := resolveJobID(ctx, store, args[0])
	if err != nil {
		return err
	}
	if err := store.RemoveStep(ctx, id, index); err != nil {
		return storeError("Failed to remove step", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed step %d from %s\n", index, id)
	return nil
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	for _, raw := range args {
		id, err := resolveJobID(ctx, store, raw)
		if err != nil {
			return err
		}
		if err := store.SubmitJob(ctx, id); err != nil {
			return storeError("Failed to submit job", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", id)
	}
	return nil
}

func runJobSubmitAll(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	ok, err := store.SubmitJobs(ctx)
	if err != nil {
		return storeError("Failed to submit jobs", err)
	}
	if !ok {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No drafted jobs to submit")
		return nil
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Submitted all drafted jobs")
	return nil
}

func runJobDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	for _, raw := range args {
		id, err := resolveJobID(ctx, store, raw)
		if err != nil {
			return err
		}
		if err := store.DeleteJob(ctx, id); err != nil {
			return storeError("Failed to delete job", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
	}
	return nil
}

func stepArgsFromFlags(cmd *cobra.Command) (jobregistry.Args, error) {
	pairs, _ := cmd.Flags().GetStringArray("arg")
	args, err := parseArgPairs(pairs)
	if err != nil {
		return nil, err
	}

	if command, _ := cmd.Flags().GetString("command"); strings.TrimSpace(command) != "" {
		if args == nil {
			args = jobregistry.Args{}
		}
		args[stepexec.ArgCommand] = command
	}

	envPairs, _ := cmd.Flags().GetStringArray("env")
	if len(envPairs) > 0 {
		env := make(map[string]any, len(envPairs))
		for _, pair := range envPairs {
			k, v, ok := strings.Cut(pair, "=")
			if !ok || strings.TrimSpace(k) == "" {
				return nil, fmt.Errorf("invalid --env %q (expected KEY=VALUE)", pair)
			}
			env[k] = v
		}
		if args == nil {
			args = jobregistry.Args{}
		}
		args[stepexec.ArgEnv] = env
	}
	return args, nil
}

// parseArgPairs parses key=value pairs. Values that parse as JSON keep their
// JSON type; anything else is a string.
func parseArgPairs(pairs []string) (jobregistry.Args, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	args := make(jobregistry.Args, len(pairs))
	for _, pair := range pairs {
		k, raw, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q (expected key=value)", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		args[k] = v
	}
	return args, nil
}

func parseIndex(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0, exitError(foundry.ExitInvalidArgument, "Invalid step index", fmt.Errorf("index must be a non-negative integer, got %q", raw))
	}
	return n, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
