package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gostep/internal/server/handlers"
	"github.com/3leaps/gostep/pkg/jobregistry"
)

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs in creation order.

Examples:
  gostep job list
  gostep job list --status failed
  gostep job list --match 'render-*' --json`,
	Args: cobra.NoArgs,
	RunE: runJobList,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job and its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

var jobGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete finished jobs older than --max-age",
	Args:  cobra.NoArgs,
	RunE:  runJobGC,
}

func init() {
	jobCmd.AddCommand(jobListCmd, jobStatusCmd, jobGCCmd)

	jobListCmd.Flags().String("status", "", "Only jobs in this status (drafted, queued, completed, failed)")
	jobListCmd.Flags().String("match", "", "Only job ids matching this glob (doublestar syntax)")
	jobListCmd.Flags().Bool("json", false, "Output as JSON")
	jobStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobGCCmd.Flags().String("max-age", "168h", "Delete completed and failed jobs that ended longer ago than this")
	jobGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	rawStatus, _ := cmd.Flags().GetString("status")
	pattern, _ := cmd.Flags().GetString("match")

	var status jobregistry.Status
	if strings.TrimSpace(rawStatus) != "" {
		st, err := jobregistry.ParseStatus(rawStatus)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", err)
		}
		status = st
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	jobs, err := store.ListJobs(ctx, status)
	if err != nil {
		return storeError("Failed to list jobs", err)
	}
	jobs, err = handlers.FilterJobs(jobs, strings.TrimSpace(pattern))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --match value", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATUS\tSTEPS\tATTEMPTS\tCREATED\tSTARTED\tENDED")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			shortJobID(j.ID),
			j.Status,
			len(j.Steps),
			j.Attempts,
			j.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
		)
	}
	return nil
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	id, err := resolveJobID(ctx, store, args[0])
	if err != nil {
		return err
	}
	job, err := store.GetJob(ctx, id)
	if err != nil {
		return storeError("Failed to read job", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, job)
	}

	_, _ = fmt.Fprintf(out, "job_id=%s\n", job.ID)
	_, _ = fmt.Fprintf(out, "status=%s\n", job.Status)
	_, _ = fmt.Fprintf(out, "attempts=%d\n", job.Attempts)
	_, _ = fmt.Fprintf(out, "created_at=%s\n", job.CreatedAt.UTC().Format(time.RFC3339))
	if job.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", job.StartedAt.UTC().Format(time.RFC3339))
	}
	if job.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", job.EndedAt.UTC().Format(time.RFC3339))
	}

	if len(job.Steps) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "STEP\tSTATUS\tATTEMPTS\tOUTPUT\tLAST ERROR")
	for _, s := range job.Steps {
		lastErr := s.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", s.Index, s.Status, s.Attempts, s.OutputPath, lastErr)
	}
	return nil
}

type jobsGCResult struct {
	Deleted     int    `json:"deleted"`
	WouldDelete int    `json:"would_delete"`
	DryRun      bool   `json:"dry_run"`
	MaxAge      string `json:"max_age"`
}

func runJobGC(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAge, err := time.ParseDuration(strings.TrimSpace(maxAgeStr))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("--max-age must be > 0"))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	jobs, err := store.ListJobs(ctx, "")
	if err != nil {
		return storeError("Failed to list jobs", err)
	}

	now := time.Now().UTC()
	res := jobsGCResult{DryRun: dryRun, MaxAge: maxAge.String()}
	for _, j := range jobs {
		if j.EndedAt == nil || now.Sub(j.EndedAt.UTC()) <= maxAge {
			continue
		}
		// Only prune terminal states.
		if j.Status != jobregistry.StatusCompleted && j.Status != jobregistry.StatusFailed {
			continue
		}
		if dryRun {
			res.WouldDelete++
			continue
		}
		if err := store.DeleteJob(ctx, j.ID); err != nil {
			return storeError("Failed to delete job", err)
		}
		res.Deleted++
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(out, "would_delete=%d\n", res.WouldDelete)
		return nil
	}
	_, _ = fmt.Fprintf(out, "deleted=%d\n", res.Deleted)
	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
