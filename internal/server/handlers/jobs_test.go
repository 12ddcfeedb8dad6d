package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/3leaps/gostep/internal/errors"
	"github.com/3leaps/gostep/pkg/jobregistry"
	"github.com/3leaps/gostep/pkg/jobrunner"
	"github.com/3leaps/gostep/pkg/process"
)

type jobsFixture struct {
	store   *jobregistry.Store
	coord   *process.Coordinator
	handler *JobsHandler
	router  chi.Router
}

func newJobsFixture(t *testing.T, proc jobrunner.StepProcessor) *jobsFixture {
	t.Helper()
	store := jobregistry.NewStore(jobregistry.NewDirBackend(t.TempDir()))
	coord := process.New()
	runner := jobrunner.New(store, coord, jobrunner.WithLogger(zaptest.NewLogger(t)))
	h := NewJobsHandler(runner, proc,
		WithStartTimeout(2*time.Second),
		WithJobsLogger(zaptest.NewLogger(t)),
	)
	r := chi.NewRouter()
	r.Mount("/v1", h.Routes())
	return &jobsFixture{store: store, coord: coord, handler: h, router: r}
}

func (f *jobsFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *jobsFixture) seed(t *testing.T, id string, submit bool) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.CreateJob(ctx, id, nil)
	require.NoError(t, err)
	_, err = f.store.AddStep(ctx, id, "out.txt", nil)
	require.NoError(t, err)
	if submit {
		require.NoError(t, f.store.SubmitJob(ctx, id))
	}
}

func (f *jobsFixture) status(t *testing.T, id string) jobregistry.Status {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func succeed(context.Context, *jobregistry.Job, jobregistry.Step) bool { return true }

func TestJobsHandler_CreateAndGet(t *testing.T) {
	f := newJobsFixture(t, succeed)

	rec := f.do(t, http.MethodPost, "/v1/jobs", `{"version":"1.0","id":"render-1","submit":true,"steps":[{"target":"a.png","command":"true"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created jobregistry.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, "render-1", created.ID)
	assert.Equal(t, jobregistry.StatusQueued, created.Status)

	rec = f.do(t, http.MethodGet, "/v1/jobs/render-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, errorCode(t, rec))
}

func TestJobsHandler_CreateRejectsInvalidManifest(t *testing.T) {
	f := newJobsFixture(t, succeed)

	rec := f.do(t, http.MethodPost, "/v1/jobs", `{"version":"1.0","steps":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeValidationFailed, errorCode(t, rec))
}

func TestJobsHandler_CreateFromYAML(t *testing.T) {
	f := newJobsFixture(t, succeed)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("version: \"1.0\"\nid: y1\nsteps:\n  - target: a.txt\n"))
	req.Header.Set("Content-Type", "application/yaml")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, jobregistry.StatusDrafted, f.status(t, "y1"))
}

func TestJobsHandler_List(t *testing.T) {
	f := newJobsFixture(t, succeed)
	f.seed(t, "render-a", true)
	f.seed(t, "render-b", false)
	f.seed(t, "encode-a", true)

	decode := func(rec *httptest.ResponseRecorder) []string {
		var body jobListResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		ids := make([]string, 0, len(body.Jobs))
		for _, j := range body.Jobs {
			ids = append(ids, j.ID)
		}
		return ids
	}

	rec := f.do(t, http.MethodGet, "/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"render-a", "render-b", "encode-a"}, decode(rec))

	rec = f.do(t, http.MethodGet, "/v1/jobs?status=queued", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"render-a", "encode-a"}, decode(rec))

	rec = f.do(t, http.MethodGet, "/v1/jobs?match=render-*", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"render-a", "render-b"}, decode(rec))

	rec = f.do(t, http.MethodGet, "/v1/jobs?status=queued&match=*-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"render-a", "encode-a"}, decode(rec))

	rec = f.do(t, http.MethodGet, "/v1/jobs?status=running", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/jobs?match=%5B", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsHandler_ListEmptyIsArray(t *testing.T) {
	f := newJobsFixture(t, succeed)

	rec := f.do(t, http.MethodGet, "/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":[]}`, rec.Body.String())
}

func TestJobsHandler_Submit(t *testing.T) {
	f := newJobsFixture(t, succeed)
	f.seed(t, "a", false)

	rec := f.do(t, http.MethodPost, "/v1/jobs/a/submit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, jobregistry.StatusQueued, f.status(t, "a"))

	rec = f.do(t, http.MethodPost, "/v1/jobs/a/submit", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeInvalidTransition, errorCode(t, rec))
}

func TestJobsHandler_RunCompletesInBackground(t *testing.T) {
	f := newJobsFixture(t, succeed)
	f.seed(t, "a", true)

	rec := f.do(t, http.MethodPost, "/v1/jobs/a/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		return f.status(t, "a") == jobregistry.StatusCompleted && !f.coord.IsProcessing()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJobsHandler_RunRejectsSynchronously(t *testing.T) {
	f := newJobsFixture(t, succeed)
	f.seed(t, "draft", false)

	rec := f.do(t, http.MethodPost, "/v1/jobs/missing/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/jobs/draft/run", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeInvalidTransition, errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/v1/jobs/draft/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestJobsHandler_BusyRunnerAndStop(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	proc := func(ctx context.Context, job *jobregistry.Job, step jobregistry.Step) bool {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return true
	}

	f := newJobsFixture(t, proc)
	ctx := context.Background()
	_, err := f.store.CreateJob(ctx, "a", nil)
	require.NoError(t, err)
	_, err = f.store.AddStep(ctx, "a", "one.txt", nil)
	require.NoError(t, err)
	_, err = f.store.AddStep(ctx, "a", "two.txt", nil)
	require.NoError(t, err)
	require.NoError(t, f.store.SubmitJob(ctx, "a"))
	f.seed(t, "b", true)

	rec := f.do(t, http.MethodPost, "/v1/jobs/a/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-entered

	rec = f.do(t, http.MethodGet, "/v1/runner", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"processing":true,"stopping":false}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/jobs/b/run", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeAlreadyProcessing, errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/v1/runner/stop", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"processing":true,"stopping":true}`, rec.Body.String())

	close(release)

	require.Eventually(t, func() bool {
		return !f.coord.IsProcessing() && f.status(t, "a") == jobregistry.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "second step never starts after stop")
	assert.Equal(t, jobregistry.StatusQueued, f.status(t, "b"))
}

func TestJobsHandler_DrainWaitsForFinalStatus(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	proc := func(context.Context, *jobregistry.Job, jobregistry.Step) bool {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return true
	}

	f := newJobsFixture(t, proc)
	ctx := context.Background()
	_, err := f.store.CreateJob(ctx, "a", nil)
	require.NoError(t, err)
	for _, target := range []string{"one.txt", "two.txt"} {
		_, err = f.store.AddStep(ctx, "a", target, nil)
		require.NoError(t, err)
	}
	require.NoError(t, f.store.SubmitJob(ctx, "a"))

	rec := f.do(t, http.MethodPost, "/v1/jobs/a/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-entered

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.handler.Drain(short), context.DeadlineExceeded, "run still in its first step")

	// Shutdown order: stop, then drain before the store goes away.
	f.coord.Stop()
	drained := make(chan error, 1)
	go func() { drained <- f.handler.Drain(ctx) }()
	close(release)

	select {
	case err := <-drained:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not return after the run ended")
	}

	// No polling needed: the final status is already persisted.
	assert.False(t, f.coord.IsProcessing())
	assert.Equal(t, jobregistry.StatusFailed, f.status(t, "a"))
	assert.Equal(t, int32(1), calls.Load())
	require.NoError(t, f.store.Close())
}

func TestJobsHandler_DrainWhenIdle(t *testing.T) {
	f := newJobsFixture(t, succeed)
	assert.NoError(t, f.handler.Drain(context.Background()))
}

func TestJobsHandler_RetryAndRunAll(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	proc := func(context.Context, *jobregistry.Job, jobregistry.Step) bool { return !fail.Load() }

	f := newJobsFixture(t, proc)
	f.seed(t, "a", true)
	f.seed(t, "b", true)

	rec := f.do(t, http.MethodPost, "/v1/jobs/run-all", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		return !f.coord.IsProcessing() &&
			f.status(t, "a") == jobregistry.StatusFailed &&
			f.status(t, "b") == jobregistry.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	fail.Store(false)

	rec = f.do(t, http.MethodPost, "/v1/jobs/a/retry", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		return !f.coord.IsProcessing() && f.status(t, "a") == jobregistry.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodPost, "/v1/jobs/retry-all", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		return !f.coord.IsProcessing() && f.status(t, "b") == jobregistry.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJobsHandler_RunAllWithNothingQueued(t *testing.T) {
	f := newJobsFixture(t, succeed)

	rec := f.do(t, http.MethodPost, "/v1/jobs/run-all", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body runResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.Accepted)
	if body.Finished {
		require.NotNil(t, body.Succeeded)
		assert.False(t, *body.Succeeded)
	}
}

func TestFilterJobs(t *testing.T) {
	jobs := []*jobregistry.Job{{ID: "render-1"}, {ID: "encode-1"}, {ID: "render-2"}}

	out, err := FilterJobs(jobs, "")
	require.NoError(t, err)
	assert.Len(t, out, 3)

	out, err = FilterJobs(jobs, "render-?")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "render-2", out[1].ID)

	out, err = FilterJobs(jobs, "{encode,render}-1")
	require.NoError(t, err)
	assert.Len(t, out, 2)
}
