package jobregistry

import (
	"fmt"
	"strings"
	"time"
)

// RecordVersion is written into every job record.
const RecordVersion = 1

// Status is the lifecycle status of a job.
//
// NOTE: These values are persisted in job records and are part of the stable
// on-disk contract.
type Status string

const (
	StatusDrafted   Status = "drafted"
	StatusQueued    Status = "queued"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists every job status in lifecycle order.
var Statuses = []Status{StatusDrafted, StatusQueued, StatusCompleted, StatusFailed}

// ParseStatus converts user input into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q (expected drafted, queued, completed, or failed)", s)
}

// StepStatus tracks the progress of a single step. It is bookkeeping only;
// the job Status is authoritative for the lifecycle.
type StepStatus string

const (
	StepDrafted   StepStatus = "drafted"
	StepQueued    StepStatus = "queued"
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Args carries job and step parameters. The registry and runner never
// inspect it; it is handed to the step processor as-is.
//
// Values follow JSON semantics once persisted (numbers decode as float64).
type Args map[string]any

// Step is one ordered unit of work within a job.
type Step struct {
	Index int  `json:"index"`
	Args  Args `json:"args,omitempty"`

	// TargetPath is the file or directory the caller asked the step to write to.
	TargetPath string `json:"target_path,omitempty"`
	// OutputPath is StepOutputPath(job id, Index, TargetPath).
	OutputPath string `json:"output_path,omitempty"`

	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Job is the persistent record of a unit of deferred work.
//
// The schema is designed for backward-compatible extension (additive fields).
type Job struct {
	Version int    `json:"version"`
	ID      string `json:"id"`
	// Seq is assigned on creation and orders jobs FIFO within a status.
	Seq    int64  `json:"seq"`
	Status Status `json:"status"`
	Args   Args   `json:"args,omitempty"`
	Steps  []Step `json:"steps"`

	// Attempts counts runs, including retries.
	Attempts  int        `json:"attempts,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Step returns the step at index.
func (j *Job) Step(index int) (*Step, bool) {
	if j == nil || index < 0 || index >= len(j.Steps) {
		return nil, false
	}
	return &j.Steps[index], true
}

// reindex restores contiguous step indexes and re-resolves output paths.
func (j *Job) reindex() {
	for i := range j.Steps {
		j.Steps[i].Index = i
		j.Steps[i].OutputPath = StepOutputPath(j.ID, i, j.Steps[i].TargetPath)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
