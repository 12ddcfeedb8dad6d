package jobregistry

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry operations.
var (
	// ErrNotFound indicates the job id is unknown to the store.
	ErrNotFound = errors.New("job not found")

	// ErrStepNotFound indicates the step index is outside the job's steps.
	ErrStepNotFound = errors.New("step not found")

	// ErrJobExists indicates a create collided with an existing job id.
	ErrJobExists = errors.New("job already exists")

	// ErrInvalidJobID indicates the id cannot be used as a record key.
	ErrInvalidJobID = errors.New("invalid job id")

	// ErrInvalidTransition indicates the requested change violates the job lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoSteps indicates a job without steps was submitted.
	ErrNoSteps = fmt.Errorf("%w: job has no steps", ErrInvalidTransition)
)

// JobError wraps registry errors with the operation and job they concern.
type JobError struct {
	// Op is the operation that failed (e.g., "submit", "set status").
	Op string

	// JobID is the job the operation targeted, if any.
	JobID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *JobError) Unwrap() error {
	return e.Err
}

func wrapErr(op, jobID string, err error) error {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return err
	}
	return &JobError{Op: op, JobID: jobID, Err: err}
}

// transitionError describes a rejected status change.
func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// IsNotFound returns true if the error indicates an unknown job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidTransition returns true if the error indicates a lifecycle violation.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
