package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the job registry. It owns lifecycle rules and serializes every
// mutation; the Backend only persists records.
//
// Returned jobs are copies. Mutating them has no effect on the store.
type Store struct {
	backend Backend

	mu sync.RWMutex
	// seq is the last sequence this store handed out.
	seq int64

	now func() time.Time
}

func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Backend returns the persistence backend.
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// ValidateJobID rejects ids that cannot be used as record keys or directory names.
func ValidateJobID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidJobID)
	case id != strings.TrimSpace(id):
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidJobID, id)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidJobID, id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidJobID, id)
	}
	return nil
}

// CreateJob registers a new drafted job with no steps. An empty id is
// replaced with a generated UUID. Reusing an existing id fails with
// ErrJobExists.
func (s *Store) CreateJob(ctx context.Context, id string, args Args) (*Job, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := ValidateJobID(id); err != nil {
		return nil, wrapErr("create", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return nil, wrapErr("create", id, err)
	}

	if _, err := s.backend.Load(ctx, id); err == nil {
		return nil, wrapErr("create", id, ErrJobExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, wrapErr("create", id, err)
	}

	now := s.now()
	job := &Job{
		Version:   RecordVersion,
		ID:        id,
		Seq:       seq,
		Status:    StatusDrafted,
		Args:      cloneArgs(args),
		Steps:     []Step{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.backend.Save(ctx, job); err != nil {
		return nil, wrapErr("create", id, err)
	}
	s.seq = job.Seq
	return job.clone(), nil
}

// nextSeq returns the sequence for a new job. The backend maximum is
// re-read each time so stores in other processes sharing the backend do
// not hand out duplicates. Callers hold mu.
func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	n, err := s.backend.MaxSeq(ctx)
	if err != nil {
		return 0, err
	}
	if s.seq > n {
		n = s.seq
	}
	return n + 1, nil
}

// GetJob returns the job or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := ValidateJobID(id); err != nil {
		return nil, wrapErr("get", id, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, wrapErr("get", id, err)
	}
	return job, nil
}

// ListJobs returns jobs with the given status (all jobs when status is
// empty) in creation order.
func (s *Store) ListJobs(ctx context.Context, status Status) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs, err := s.backend.List(ctx, status)
	if err != nil {
		return nil, wrapErr("list", "", err)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Seq != jobs[j].Seq {
			return jobs[i].Seq < jobs[j].Seq
		}
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

// FindJobIDs returns the ids of jobs in the given status in creation order.
// The result is empty, not nil, when nothing matches.
func (s *Store) FindJobIDs(ctx context.Context, status Status) ([]string, error) {
	jobs, err := s.ListJobs(ctx, status)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	return ids, nil
}

// AddStep appends a step to a drafted job.
func (s *Store) AddStep(ctx context.Context, id string, targetPath string, args Args) (*Step, error) {
	var added Step
	_, err := s.update(ctx, "add step", id, func(job *Job) error {
		if err := requireDrafted(job); err != nil {
			return err
		}
		job.Steps = append(job.Steps, newStep(targetPath, args))
		job.reindex()
		added = job.Steps[len(job.Steps)-1]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &added, nil
}

// InsertStep inserts a step before index in a drafted job. index may equal
// the step count, which appends.
func (s *Store) InsertStep(ctx context.Context, id string, index int, targetPath string, args Args) (*Step, error) {
	var inserted Step
	_, err := s.update(ctx, "insert step", id, func(job *Job) error {
		if err := requireDrafted(job); err != nil {
			return err
		}
		if index < 0 || index > len(job.Steps) {
			return fmt.Errorf("%w: index %d (job has %d steps)", ErrStepNotFound, index, len(job.Steps))
		}
		job.Steps = append(job.Steps, Step{})
		copy(job.Steps[index+1:], job.Steps[index:])
		job.Steps[index] = newStep(targetPath, args)
		job.reindex()
		inserted = job.Steps[index]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &inserted, nil
}

// RemoveStep deletes the step at index from a drafted job. Later steps
// shift down and their output paths are re-resolved.
func (s *Store) RemoveStep(ctx context.Context, id string, index int) error {
	_, err := s.update(ctx, "remove step", id, func(job *Job) error {
		if err := requireDrafted(job); err != nil {
			return err
		}
		if index < 0 || index >= len(job.Steps) {
			return fmt.Errorf("%w: index %d (job has %d steps)", ErrStepNotFound, index, len(job.Steps))
		}
		job.Steps = append(job.Steps[:index], job.Steps[index+1:]...)
		job.reindex()
		return nil
	})
	return err
}

// SubmitJob moves a drafted job to queued. Jobs without steps are rejected
// with ErrNoSteps.
func (s *Store) SubmitJob(ctx context.Context, id string) error {
	_, err := s.update(ctx, "submit", id, func(job *Job) error {
		if job.Status != StatusDrafted {
			return transitionError(job.Status, StatusQueued)
		}
		if len(job.Steps) == 0 {
			return ErrNoSteps
		}
		job.Status = StatusQueued
		setStepStatuses(job, StepQueued)
		return nil
	})
	return err
}

// SubmitJobs submits every drafted job. It reports true only when at least
// one job was drafted and all of them were submitted. Jobs that cannot be
// submitted are skipped; backend failures abort.
func (s *Store) SubmitJobs(ctx context.Context) (bool, error) {
	ids, err := s.FindJobIDs(ctx, StatusDrafted)
	if err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}

	all := true
	for _, id := range ids {
		if err := s.SubmitJob(ctx, id); err != nil {
			if IsNotFound(err) || IsInvalidTransition(err) {
				all = false
				continue
			}
			return false, err
		}
	}
	return all, nil
}

// SetStatus moves a job to status if the lifecycle allows it.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	_, err := s.update(ctx, "set status", id, func(job *Job) error {
		if !CanTransition(job.Status, status) {
			return transitionError(job.Status, status)
		}
		if status == StatusQueued && len(job.Steps) == 0 {
			return ErrNoSteps
		}
		job.Status = status
		switch status {
		case StatusCompleted, StatusFailed:
			job.EndedAt = timePtr(s.now())
		case StatusQueued:
			job.EndedAt = nil
			setStepStatuses(job, StepQueued)
		}
		return nil
	})
	return err
}

// BeginRun records the start of a run on a queued job and returns it.
func (s *Store) BeginRun(ctx context.Context, id string) (*Job, error) {
	return s.update(ctx, "begin run", id, func(job *Job) error {
		if job.Status != StatusQueued {
			return fmt.Errorf("%w: job is %s, not queued", ErrInvalidTransition, job.Status)
		}
		job.Attempts++
		job.StartedAt = timePtr(s.now())
		job.EndedAt = nil
		return nil
	})
}

// RequeueJob reopens a failed job for another run. Steps return to queued;
// their attempt counters, last errors, and output paths are kept.
func (s *Store) RequeueJob(ctx context.Context, id string) (*Job, error) {
	return s.update(ctx, "requeue", id, func(job *Job) error {
		if job.Status != StatusFailed {
			return transitionError(job.Status, StatusQueued)
		}
		job.Status = StatusQueued
		job.EndedAt = nil
		setStepStatuses(job, StepQueued)
		return nil
	})
}

// SetStepStatus records step progress. Marking a step started counts an
// attempt.
func (s *Store) SetStepStatus(ctx context.Context, id string, index int, status StepStatus) error {
	_, err := s.update(ctx, "set step status", id, func(job *Job) error {
		step, ok := job.Step(index)
		if !ok {
			return fmt.Errorf("%w: index %d", ErrStepNotFound, index)
		}
		s.applyStepStatus(step, status)
		return nil
	})
	return err
}

// SetStepsStatus sets every step of a job to status.
func (s *Store) SetStepsStatus(ctx context.Context, id string, status StepStatus) error {
	_, err := s.update(ctx, "set steps status", id, func(job *Job) error {
		setStepStatuses(job, status)
		return nil
	})
	return err
}

// FailStep marks a step failed and records why.
func (s *Store) FailStep(ctx context.Context, id string, index int, reason string) error {
	_, err := s.update(ctx, "fail step", id, func(job *Job) error {
		step, ok := job.Step(index)
		if !ok {
			return fmt.Errorf("%w: index %d", ErrStepNotFound, index)
		}
		s.applyStepStatus(step, StepFailed)
		step.LastError = reason
		return nil
	})
	return err
}

// DeleteJob removes a job record.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	if err := ValidateJobID(id); err != nil {
		return wrapErr("delete", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx, id); err != nil {
		return wrapErr("delete", id, err)
	}
	return nil
}

func (s *Store) applyStepStatus(step *Step, status StepStatus) {
	now := s.now()
	step.Status = status
	switch status {
	case StepStarted:
		step.Attempts++
		step.StartedAt = timePtr(now)
		step.EndedAt = nil
	case StepCompleted, StepFailed:
		step.EndedAt = timePtr(now)
	}
}

// update loads, mutates, and saves a job under the write lock. Nothing is
// persisted when fn fails.
func (s *Store) update(ctx context.Context, op, id string, fn func(job *Job) error) (*Job, error) {
	if err := ValidateJobID(id); err != nil {
		return nil, wrapErr(op, id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, wrapErr(op, id, err)
	}
	if err := fn(job); err != nil {
		return nil, wrapErr(op, id, err)
	}
	job.UpdatedAt = s.now()
	if err := s.backend.Save(ctx, job); err != nil {
		return nil, wrapErr(op, id, err)
	}
	return job.clone(), nil
}

func requireDrafted(job *Job) error {
	if job.Status != StatusDrafted {
		return fmt.Errorf("%w: steps can only be edited while drafted (job is %s)", ErrInvalidTransition, job.Status)
	}
	return nil
}

func newStep(targetPath string, args Args) Step {
	return Step{
		Args:       cloneArgs(args),
		TargetPath: targetPath,
		Status:     StepDrafted,
	}
}

func setStepStatuses(job *Job, status StepStatus) {
	for i := range job.Steps {
		job.Steps[i].Status = status
	}
}

func (j *Job) clone() *Job {
	c := *j
	c.Args = cloneArgs(j.Args)
	c.Steps = make([]Step, len(j.Steps))
	for i, step := range j.Steps {
		step.Args = cloneArgs(step.Args)
		c.Steps[i] = step
	}
	return &c
}

func cloneArgs(args Args) Args {
	if args == nil {
		return nil
	}
	out := make(Args, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
