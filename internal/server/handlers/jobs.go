package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gostep/internal/errors"
	"github.com/3leaps/gostep/pkg/jobregistry"
	"github.com/3leaps/gostep/pkg/jobrunner"
	"github.com/3leaps/gostep/pkg/manifest"
	"github.com/3leaps/gostep/pkg/process"
)

const (
	defaultStartTimeout = 10 * time.Second
	maxManifestBytes    = 1 << 20
)

// JobsHandler serves the /v1 job and runner API.
//
// Run endpoints start work in the background and answer once the runner has
// taken the processing slot, or once the run has already finished.
type JobsHandler struct {
	runner       *jobrunner.Runner
	proc         jobrunner.StepProcessor
	baseCtx      context.Context
	startTimeout time.Duration
	logger       *zap.Logger

	// runs tracks background runs started by launch.
	runs sync.WaitGroup
}

type JobsOption func(*JobsHandler)

// WithBaseContext sets the context background runs inherit. Cancelling it
// asks in-flight runs to stop between steps.
func WithBaseContext(ctx context.Context) JobsOption {
	return func(h *JobsHandler) {
		if ctx != nil {
			h.baseCtx = ctx
		}
	}
}

func WithStartTimeout(d time.Duration) JobsOption {
	return func(h *JobsHandler) {
		if d > 0 {
			h.startTimeout = d
		}
	}
}

func WithJobsLogger(logger *zap.Logger) JobsOption {
	return func(h *JobsHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewJobsHandler(runner *jobrunner.Runner, proc jobrunner.StepProcessor, opts ...JobsOption) *JobsHandler {
	h := &JobsHandler{
		runner:       runner,
		proc:         proc,
		baseCtx:      context.Background(),
		startTimeout: defaultStartTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the router mounted under /v1.
func (h *JobsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.listJobs)
		r.Post("/", h.createJob)
		r.Post("/run-all", h.runAll)
		r.Post("/retry-all", h.retryAll)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Post("/submit", h.submitJob)
			r.Post("/run", h.runJob)
			r.Post("/retry", h.retryJob)
		})
	})
	r.Get("/runner", h.runnerState)
	r.Post("/runner/stop", h.stopRunner)
	return r
}

type jobListResponse struct {
	Jobs []*jobregistry.Job `json:"jobs"`
}

type runResponse struct {
	Accepted  bool   `json:"accepted"`
	JobID     string `json:"job_id,omitempty"`
	Finished  bool   `json:"finished"`
	Succeeded *bool  `json:"succeeded,omitempty"`
}

type runnerStateResponse struct {
	Processing bool `json:"processing"`
	Stopping   bool `json:"stopping"`
}

func (h *JobsHandler) store() *jobregistry.Store {
	return h.runner.Store()
}

func (h *JobsHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	var status jobregistry.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st, err := jobregistry.ParseStatus(raw)
		if err != nil {
			respondWithError(w, r, apperrors.Wrap(err, http.StatusBadRequest, apperrors.CodeBadRequest, err.Error()))
			return
		}
		status = st
	}

	pattern := strings.TrimSpace(r.URL.Query().Get("match"))
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		respondWithError(w, r, apperrors.New(http.StatusBadRequest, apperrors.CodeBadRequest,
			fmt.Sprintf("invalid match pattern %q", pattern)))
		return
	}

	jobs, err := h.store().ListJobs(r.Context(), status)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	jobs, err = FilterJobs(jobs, pattern)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, jobListResponse{Jobs: jobs})
}

// FilterJobs keeps jobs whose id matches the doublestar pattern. An empty
// pattern keeps everything.
func FilterJobs(jobs []*jobregistry.Job, pattern string) ([]*jobregistry.Job, error) {
	out := make([]*jobregistry.Job, 0, len(jobs))
	for _, j := range jobs {
		if pattern == "" {
			out = append(out, j)
			continue
		}
		ok, err := doublestar.Match(pattern, j.ID)
		if err != nil {
			return nil, apperrors.Wrap(err, http.StatusBadRequest, apperrors.CodeBadRequest, "invalid match pattern")
		}
		if ok {
			out = append(out, j)
		}
	}
	return out, nil
}

func (h *JobsHandler) createJob(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes))
	if err != nil {
		respondWithError(w, r, apperrors.Wrap(err, http.StatusBadRequest, apperrors.CodeBadRequest, "failed to read request body"))
		return
	}

	hint := ""
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		hint = "manifest.yaml"
	}
	m, err := manifest.LoadFromBytes(data, hint)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	job, err := m.Apply(r.Context(), h.store())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	h.logger.Info("Job created", zap.String("job_id", job.ID), zap.Int("steps", len(job.Steps)))
	apperrors.WriteJSON(w, http.StatusCreated, job)
}

func (h *JobsHandler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store().GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, job)
}

func (h *JobsHandler) submitJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := h.store().SubmitJob(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	job, err := h.store().GetJob(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, job)
}

func (h *JobsHandler) runJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if !h.requireStatus(w, r, id, jobregistry.StatusQueued) {
		return
	}
	h.launch(w, r, id, func(ctx context.Context) (bool, error) {
		return h.runner.RunJob(ctx, id, h.proc)
	})
}

func (h *JobsHandler) retryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if !h.requireStatus(w, r, id, jobregistry.StatusFailed) {
		return
	}
	h.launch(w, r, id, func(ctx context.Context) (bool, error) {
		return h.runner.RetryJob(ctx, id, h.proc)
	})
}

func (h *JobsHandler) runAll(w http.ResponseWriter, r *http.Request) {
	h.launch(w, r, "", func(ctx context.Context) (bool, error) {
		return h.runner.RunJobs(ctx, h.proc)
	})
}

func (h *JobsHandler) retryAll(w http.ResponseWriter, r *http.Request) {
	h.launch(w, r, "", func(ctx context.Context) (bool, error) {
		return h.runner.RetryJobs(ctx, h.proc)
	})
}

func (h *JobsHandler) runnerState(w http.ResponseWriter, _ *http.Request) {
	coord := h.runner.Coordinator()
	apperrors.WriteJSON(w, http.StatusOK, runnerStateResponse{
		Processing: coord.IsProcessing(),
		Stopping:   coord.IsStopping(),
	})
}

func (h *JobsHandler) stopRunner(w http.ResponseWriter, _ *http.Request) {
	coord := h.runner.Coordinator()
	coord.Stop()
	apperrors.WriteJSON(w, http.StatusAccepted, runnerStateResponse{
		Processing: coord.IsProcessing(),
		Stopping:   coord.IsStopping(),
	})
}

// requireStatus rejects the request early when the job is missing or not in
// the expected status, so those failures are reported synchronously.
func (h *JobsHandler) requireStatus(w http.ResponseWriter, r *http.Request, id string, want jobregistry.Status) bool {
	job, err := h.store().GetJob(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return false
	}
	if job.Status != want {
		respondWithError(w, r, &jobregistry.JobError{
			Op:    "run",
			JobID: id,
			Err:   fmt.Errorf("%w: job is %s, expected %s", jobregistry.ErrInvalidTransition, job.Status, want),
		})
		return false
	}
	return true
}

type runResult struct {
	ok  bool
	err error
}

// launch starts run in the background and writes the response once the
// coordinator reports a started run, the run returns, or the start timeout
// expires.
// Drain waits until background runs started by this handler have returned
// and the coordinator is idle, or ctx is done. Call it after the HTTP
// server has shut down and before closing the store.
func (h *JobsHandler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.runner.Coordinator().WaitIdle(ctx)
}

func (h *JobsHandler) launch(w http.ResponseWriter, r *http.Request, id string, run func(context.Context) (bool, error)) {
	if h.runner.Coordinator().IsProcessing() {
		respondWithError(w, r, process.ErrAlreadyProcessing)
		return
	}

	done := make(chan runResult, 1)
	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		ok, err := run(h.baseCtx)
		if err != nil {
			h.logger.Warn("Background run failed", zap.String("job_id", id), zap.Error(err))
		} else {
			h.logger.Info("Background run finished", zap.String("job_id", id), zap.Bool("succeeded", ok))
		}
		done <- runResult{ok: ok, err: err}
	}()

	waitCtx, cancel := context.WithTimeout(r.Context(), h.startTimeout)
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- h.runner.Coordinator().WaitStarted(waitCtx) }()

	select {
	case res := <-done:
		if res.err != nil {
			respondWithError(w, r, res.err)
			return
		}
		ok := res.ok
		apperrors.WriteJSON(w, http.StatusAccepted, runResponse{Accepted: true, JobID: id, Finished: true, Succeeded: &ok})
	case err := <-started:
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		apperrors.WriteJSON(w, http.StatusAccepted, runResponse{Accepted: true, JobID: id})
	}
}
