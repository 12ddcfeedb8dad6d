package jobregistry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(NewDirBackend(t.TempDir()))
	base := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

// queuedJob creates and submits a job with n steps.
func queuedJob(t *testing.T, s *Store, id string, n int) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateJob(ctx, id, Args{"k": "v"})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := s.AddStep(ctx, id, "/out/frame.png", Args{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, s.SubmitJob(ctx, id))
}

func TestStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "job-1", Args{"preset": "fast"})
	require.NoError(t, err)
	assert.Equal(t, StatusDrafted, job.Status)
	assert.Equal(t, RecordVersion, job.Version)
	assert.Empty(t, job.Steps)

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestStore_CreateGeneratesID(t *testing.T) {
	s := newTestStore(t)
	job, err := s.CreateJob(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Len(t, job.ID, 36)
}

func TestStore_CreateRejectsDuplicateAndBadIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateJob(ctx, "job-1", nil)
	require.NoError(t, err)

	_, err = s.CreateJob(ctx, "job-1", nil)
	assert.ErrorIs(t, err, ErrJobExists)

	for _, id := range []string{"..", "a/b", " pad", `c\d`} {
		_, err := s.CreateJob(ctx, id, nil)
		assert.ErrorIs(t, err, ErrInvalidJobID, id)
	}
}

func TestStore_GetUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))

	var je *JobError
	require.True(t, errors.As(err, &je))
	assert.Equal(t, "get", je.Op)
	assert.Equal(t, "nope", je.JobID)
}

func TestStore_FindJobIDsCreationOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.FindJobIDs(ctx, StatusQueued)
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)

	// Names deliberately sort differently from creation order.
	for _, id := range []string{"zeta", "alpha", "mid"} {
		queuedJob(t, s, id, 1)
	}
	_, err = s.CreateJob(ctx, "draft", nil)
	require.NoError(t, err)

	ids, err = s.FindJobIDs(ctx, StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, ids)

	ids, err = s.FindJobIDs(ctx, StatusDrafted)
	require.NoError(t, err)
	assert.Equal(t, []string{"draft"}, ids)

	all, err := s.ListJobs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStore_SequenceSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	s1 := NewStore(NewDirBackend(root))
	for _, id := range []string{"b", "a"} {
		_, err := s1.CreateJob(ctx, id, nil)
		require.NoError(t, err)
	}

	s2 := NewStore(NewDirBackend(root))
	_, err := s2.CreateJob(ctx, "0-last", nil)
	require.NoError(t, err)

	ids, err := s2.FindJobIDs(ctx, StatusDrafted)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "0-last"}, ids)
}

func TestStore_SharedBackendKeepsCreationOrder(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	// Two stores over one root, as with a running server and a CLI call.
	server := NewStore(NewDirBackend(root))
	cli := NewStore(NewDirBackend(root))

	_, err := server.CreateJob(ctx, "j1", nil)
	require.NoError(t, err)
	_, err = cli.CreateJob(ctx, "zz", nil)
	require.NoError(t, err)
	_, err = server.CreateJob(ctx, "aa", nil)
	require.NoError(t, err)

	for _, s := range []*Store{server, cli} {
		jobs, err := s.ListJobs(ctx, StatusDrafted)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, "j1", jobs[0].ID)
		assert.Equal(t, "zz", jobs[1].ID)
		assert.Equal(t, "aa", jobs[2].ID)
		assert.Less(t, jobs[0].Seq, jobs[1].Seq)
		assert.Less(t, jobs[1].Seq, jobs[2].Seq)
	}
}

func TestStore_RejectsUnsafeIDsOnEveryOperation(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	jobsRoot := filepath.Join(root, "jobs")
	s := NewStore(NewDirBackend(jobsRoot))

	// A record one level above the jobs root must stay out of reach.
	require.NoError(t, os.WriteFile(filepath.Join(root, "job.json"), []byte(`{"id":".."}`), 0o644))
	_, err := s.CreateJob(ctx, "ok", nil)
	require.NoError(t, err)

	for _, id := range []string{"..", ".", "a/b", `a\b`, ""} {
		_, err := s.GetJob(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidJobID, "get %q", id)
		assert.ErrorIs(t, s.DeleteJob(ctx, id), ErrInvalidJobID, "delete %q", id)
		assert.ErrorIs(t, s.SubmitJob(ctx, id), ErrInvalidJobID, "submit %q", id)
		assert.ErrorIs(t, s.SetStatus(ctx, id, StatusQueued), ErrInvalidJobID, "set status %q", id)
	}

	assert.FileExists(t, filepath.Join(root, "job.json"))
	assert.DirExists(t, jobsRoot)
}

func TestStore_StepEditing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, "j", nil)
	require.NoError(t, err)

	first, err := s.AddStep(ctx, "j", "/o/a.mp4", Args{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, "/o/a-j-0.mp4", first.OutputPath)
	assert.Equal(t, StepDrafted, first.Status)

	_, err = s.AddStep(ctx, "j", "/o/c.mp4", nil)
	require.NoError(t, err)

	ins, err := s.InsertStep(ctx, "j", 1, "/o/b.mp4", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ins.Index)

	job, err := s.GetJob(ctx, "j")
	require.NoError(t, err)
	require.Len(t, job.Steps, 3)
	assert.Equal(t, "/o/c-j-2.mp4", job.Steps[2].OutputPath)

	require.NoError(t, s.RemoveStep(ctx, "j", 0))
	job, err = s.GetJob(ctx, "j")
	require.NoError(t, err)
	require.Len(t, job.Steps, 2)
	for i, step := range job.Steps {
		assert.Equal(t, i, step.Index)
	}
	assert.Equal(t, "/o/b-j-0.mp4", job.Steps[0].OutputPath)
	assert.Equal(t, "/o/c-j-1.mp4", job.Steps[1].OutputPath)

	_, err = s.InsertStep(ctx, "j", 5, "/o/x", nil)
	assert.ErrorIs(t, err, ErrStepNotFound)
	assert.ErrorIs(t, s.RemoveStep(ctx, "j", 2), ErrStepNotFound)
}

func TestStore_StepsFrozenOnceQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queuedJob(t, s, "j", 2)

	_, err := s.AddStep(ctx, "j", "/o/x", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.InsertStep(ctx, "j", 0, "/o/x", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, s.RemoveStep(ctx, "j", 0), ErrInvalidTransition)

	job, err := s.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Len(t, job.Steps, 2)
}

func TestStore_Submit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateJob(ctx, "empty", nil)
	require.NoError(t, err)
	err = s.SubmitJob(ctx, "empty")
	assert.ErrorIs(t, err, ErrNoSteps)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	job, err := s.GetJob(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, StatusDrafted, job.Status, "rejected submit is not persisted")

	queuedJob(t, s, "ok", 2)
	job, err = s.GetJob(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	for _, step := range job.Steps {
		assert.Equal(t, StepQueued, step.Status)
	}

	assert.ErrorIs(t, s.SubmitJob(ctx, "ok"), ErrInvalidTransition)
	assert.ErrorIs(t, s.SubmitJob(ctx, "missing"), ErrNotFound)
}

func TestStore_SubmitJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SubmitJobs(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "nothing to submit")

	for _, id := range []string{"a", "b"} {
		_, err := s.CreateJob(ctx, id, nil)
		require.NoError(t, err)
		_, err = s.AddStep(ctx, id, "/o/x", nil)
		require.NoError(t, err)
	}
	ok, err = s.SubmitJobs(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.CreateJob(ctx, "empty", nil)
	require.NoError(t, err)
	_, err = s.CreateJob(ctx, "c", nil)
	require.NoError(t, err)
	_, err = s.AddStep(ctx, "c", "/o/x", nil)
	require.NoError(t, err)

	ok, err = s.SubmitJobs(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := s.FindJobIDs(ctx, StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids, "best effort past the empty job")
}

func TestStore_SetStatusValidatesTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queuedJob(t, s, "j", 1)

	assert.ErrorIs(t, s.SetStatus(ctx, "j", StatusDrafted), ErrInvalidTransition)

	require.NoError(t, s.SetStatus(ctx, "j", StatusCompleted))
	job, err := s.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.NotNil(t, job.EndedAt)

	for _, to := range Statuses {
		err := s.SetStatus(ctx, "j", to)
		assert.ErrorIs(t, err, ErrInvalidTransition, "completed is terminal (-> %s)", to)
	}
	assert.ErrorIs(t, s.SetStatus(ctx, "missing", StatusQueued), ErrNotFound)
}

func TestStore_RunBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queuedJob(t, s, "j", 2)

	job, err := s.BeginRun(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	assert.NotNil(t, job.StartedAt)

	require.NoError(t, s.SetStepStatus(ctx, "j", 0, StepStarted))
	require.NoError(t, s.SetStepStatus(ctx, "j", 0, StepCompleted))
	require.NoError(t, s.SetStepStatus(ctx, "j", 1, StepStarted))
	require.NoError(t, s.FailStep(ctx, "j", 1, "exit status 1"))
	require.NoError(t, s.SetStatus(ctx, "j", StatusFailed))

	job, err = s.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, job.Steps[0].Status)
	assert.Equal(t, 1, job.Steps[0].Attempts)
	assert.Equal(t, StepFailed, job.Steps[1].Status)
	assert.Equal(t, "exit status 1", job.Steps[1].LastError)
	assert.NotNil(t, job.Steps[1].EndedAt)

	assert.ErrorIs(t, s.SetStepStatus(ctx, "j", 9, StepStarted), ErrStepNotFound)
	_, err = s.BeginRun(ctx, "j")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStore_RequeueKeepsStepResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queuedJob(t, s, "j", 1)

	_, err := s.RequeueJob(ctx, "j")
	assert.ErrorIs(t, err, ErrInvalidTransition, "only failed jobs can be requeued")

	_, err = s.BeginRun(ctx, "j")
	require.NoError(t, err)
	require.NoError(t, s.SetStepStatus(ctx, "j", 0, StepStarted))
	require.NoError(t, s.FailStep(ctx, "j", 0, "boom"))
	require.NoError(t, s.SetStatus(ctx, "j", StatusFailed))

	job, err := s.RequeueJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Nil(t, job.EndedAt)
	assert.Equal(t, StepQueued, job.Steps[0].Status)
	assert.Equal(t, 1, job.Steps[0].Attempts)
	assert.Equal(t, "boom", job.Steps[0].LastError)
	assert.Equal(t, "/out/frame-j-0.png", job.Steps[0].OutputPath)
	assert.Equal(t, 1, job.Attempts)
}

func TestStore_SetStepsStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queuedJob(t, s, "j", 3)

	require.NoError(t, s.SetStepsStatus(ctx, "j", StepFailed))
	job, err := s.GetJob(ctx, "j")
	require.NoError(t, err)
	for _, step := range job.Steps {
		assert.Equal(t, StepFailed, step.Status)
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queuedJob(t, s, "j", 1)

	require.NoError(t, s.DeleteJob(ctx, "j"))
	_, err := s.GetJob(ctx, "j")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteJob(ctx, "j"), ErrNotFound)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, err := s.CreateJob(ctx, "j", Args{"k": "v"})
	require.NoError(t, err)

	job.Args["k"] = "mutated"
	job.Status = StatusCompleted

	got, err := s.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Args["k"])
	assert.Equal(t, StatusDrafted, got.Status)
}

func TestStore_ConcurrentReadersSeeWholeRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queuedJob(t, s, "j", 4)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 4; i++ {
			_ = s.SetStepStatus(ctx, "j", i, StepStarted)
			_ = s.SetStepStatus(ctx, "j", i, StepCompleted)
		}
	}()

	for i := 0; i < 50; i++ {
		job, err := s.GetJob(ctx, "j")
		require.NoError(t, err)
		require.Len(t, job.Steps, 4)
	}
	wg.Wait()
}
