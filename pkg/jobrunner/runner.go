// Package jobrunner executes queued jobs one step at a time.
//
// A Runner holds the process coordinator for the duration of a run, so at
// most one job executes at a time per coordinator. Step failures end up in
// the job status; only store failures and lifecycle violations are returned
// as errors.
package jobrunner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gostep/pkg/jobregistry"
	"github.com/3leaps/gostep/pkg/process"
)

// instrumentationName is the otel scope for runner spans and metrics.
const instrumentationName = "github.com/3leaps/gostep/pkg/jobrunner"

// StepProcessor performs one step and reports whether it succeeded. It must
// not mutate job; the runner owns all status bookkeeping.
type StepProcessor func(ctx context.Context, job *jobregistry.Job, step jobregistry.Step) bool

type Runner struct {
	store  *jobregistry.Store
	coord  *process.Coordinator
	logger *zap.Logger

	// Rate limiter between steps (nil if unlimited)
	limiter *rate.Limiter

	tracer      trace.Tracer
	meter       metric.Meter
	jobRuns     metric.Int64Counter
	stepRuns    metric.Int64Counter
	stepSeconds metric.Float64Histogram
}

type Option func(*Runner)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithStepRateLimit caps step starts per second. Zero or less disables it.
func WithStepRateLimit(perSecond float64) Option {
	return func(r *Runner) {
		if perSecond > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		} else {
			r.limiter = nil
		}
	}
}

// WithTracerProvider overrides the global otel tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Runner) {
		if tp != nil {
			r.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithMeterProvider overrides the global otel meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Runner) {
		if mp != nil {
			r.meter = mp.Meter(instrumentationName)
		}
	}
}

// New creates a Runner. A nil coordinator means process.Default().
func New(store *jobregistry.Store, coord *process.Coordinator, opts ...Option) *Runner {
	if coord == nil {
		coord = process.Default()
	}
	r := &Runner{
		store:  store,
		coord:  coord,
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}

	// Instrument creation errors still yield usable no-op instruments.
	r.jobRuns, _ = r.meter.Int64Counter("gostep.job.runs",
		metric.WithDescription("Job runs by final status"),
		metric.WithUnit("{run}"))
	r.stepRuns, _ = r.meter.Int64Counter("gostep.step.runs",
		metric.WithDescription("Step executions by result"),
		metric.WithUnit("{step}"))
	r.stepSeconds, _ = r.meter.Float64Histogram("gostep.step.duration",
		metric.WithDescription("Step processor duration in seconds"),
		metric.WithUnit("s"))
	return r
}

func (r *Runner) Store() *jobregistry.Store {
	return r.store
}

func (r *Runner) Coordinator() *process.Coordinator {
	return r.coord
}

// RunJob runs a queued job. It reports true when every step succeeded.
//
// Errors: process.ErrAlreadyProcessing if another run holds the
// coordinator, jobregistry.ErrNotFound, jobregistry.ErrInvalidTransition if
// the job is not queued, or a wrapped store failure.
func (r *Runner) RunJob(ctx context.Context, id string, proc StepProcessor) (bool, error) {
	release, err := r.coord.Acquire()
	if err != nil {
		return false, err
	}
	defer release()

	return r.runJob(ctx, id, proc)
}

// RunJobs runs every queued job in creation order. It reports true only
// when there was at least one queued job and all of them completed.
//
// Jobs that vanish or change status mid-batch are skipped. A stop request
// or cancelled ctx ends the batch; untouched jobs stay queued.
func (r *Runner) RunJobs(ctx context.Context, proc StepProcessor) (bool, error) {
	release, err := r.coord.Acquire()
	if err != nil {
		return false, err
	}
	defer release()

	return r.runBatch(ctx, jobregistry.StatusQueued, proc, r.runJob)
}

// RetryJob requeues a failed job and runs it again from its first step.
func (r *Runner) RetryJob(ctx context.Context, id string, proc StepProcessor) (bool, error) {
	release, err := r.coord.Acquire()
	if err != nil {
		return false, err
	}
	defer release()

	return r.retryJob(ctx, id, proc)
}

// RetryJobs retries every failed job in creation order, with the same batch
// semantics as RunJobs.
func (r *Runner) RetryJobs(ctx context.Context, proc StepProcessor) (bool, error) {
	release, err := r.coord.Acquire()
	if err != nil {
		return false, err
	}
	defer release()

	return r.runBatch(ctx, jobregistry.StatusFailed, proc, r.retryJob)
}

func (r *Runner) retryJob(ctx context.Context, id string, proc StepProcessor) (bool, error) {
	if _, err := r.store.RequeueJob(context.WithoutCancel(ctx), id); err != nil {
		return false, err
	}
	r.logger.Info("Job requeued for retry", zap.String("job_id", id))
	return r.runJob(ctx, id, proc)
}

type runFunc func(ctx context.Context, id string, proc StepProcessor) (bool, error)

func (r *Runner) runBatch(ctx context.Context, status jobregistry.Status, proc StepProcessor, run runFunc) (bool, error) {
	ids, err := r.store.FindJobIDs(ctx, status)
	if err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}

	all := true
	for i, id := range ids {
		if reason := r.cancelReason(ctx); reason != "" {
			r.logger.Info("Batch stopped",
				zap.String("reason", reason),
				zap.Int("remaining", len(ids)-i))
			return false, nil
		}

		ok, err := run(ctx, id, proc)
		if err != nil {
			if jobregistry.IsNotFound(err) || jobregistry.IsInvalidTransition(err) {
				r.logger.Warn("Skipping job", zap.String("job_id", id), zap.Error(err))
				all = false
				continue
			}
			return false, err
		}
		if !ok {
			all = false
		}
	}
	return all, nil
}

// runJob executes one queued job. The caller holds the coordinator.
//
// Store writes use a context detached from ctx cancellation so a cancelled
// run is still recorded as failed.
func (r *Runner) runJob(ctx context.Context, id string, proc StepProcessor) (bool, error) {
	bg := context.WithoutCancel(ctx)

	job, err := r.store.BeginRun(bg, id)
	if err != nil {
		return false, err
	}

	ctx, span := r.tracer.Start(ctx, "gostep.job.run",
		trace.WithAttributes(jobAttrs(job)...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	log := r.logger.With(zap.String("job_id", id))
	log.Info("Job started", zap.Int("steps", len(job.Steps)), zap.Int("attempt", job.Attempts))

	current := -1
	defer func() {
		if p := recover(); p != nil {
			reason := fmt.Sprintf("panic: %v", p)
			if current >= 0 {
				_ = r.store.FailStep(bg, id, current, reason)
			}
			_ = r.store.SetStatus(bg, id, jobregistry.StatusFailed)
			r.finish(ctx, span, log, jobregistry.StatusFailed, reason)
			panic(p)
		}
	}()

	completed, reason, err := r.runSteps(ctx, bg, job, proc, &current)
	if err != nil {
		r.finish(ctx, span, log, "", err.Error())
		return false, err
	}

	final := jobregistry.StatusCompleted
	if !completed {
		final = jobregistry.StatusFailed
	}
	if err := r.store.SetStatus(bg, id, final); err != nil {
		r.finish(ctx, span, log, "", err.Error())
		return false, err
	}
	r.finish(ctx, span, log, final, reason)
	return completed, nil
}

// runSteps returns false with a reason when a step fails or the run is
// cancelled.
func (r *Runner) runSteps(ctx, bg context.Context, job *jobregistry.Job, proc StepProcessor, current *int) (bool, string, error) {
	for i := range job.Steps {
		if reason := r.cancelReason(ctx); reason != "" {
			return false, reason, nil
		}
		if r.limiter != nil {
			if err := r.waitForStep(ctx); err != nil {
				if reason := r.cancelReason(ctx); reason != "" {
					return false, reason, nil
				}
				return false, "cancelled: " + err.Error(), nil
			}
			// A stop may have arrived while waiting.
			if reason := r.cancelReason(ctx); reason != "" {
				return false, reason, nil
			}
		}

		*current = i
		if err := r.store.SetStepStatus(bg, job.ID, i, jobregistry.StepStarted); err != nil {
			return false, "", err
		}
		job.Steps[i].Status = jobregistry.StepStarted
		job.Steps[i].Attempts++

		if !r.processStep(ctx, job, job.Steps[i], proc) {
			reason := fmt.Sprintf("step %d failed", i)
			if err := r.store.FailStep(bg, job.ID, i, "step processor reported failure"); err != nil {
				return false, "", err
			}
			return false, reason, nil
		}
		if err := r.store.SetStepStatus(bg, job.ID, i, jobregistry.StepCompleted); err != nil {
			return false, "", err
		}
		job.Steps[i].Status = jobregistry.StepCompleted
	}
	return true, "", nil
}

// waitForStep waits on the step limiter. A stop request ends the wait.
func (r *Runner) waitForStep(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopped := r.coord.Stopped()
	go func() {
		select {
		case <-stopped:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	return r.limiter.Wait(waitCtx)
}

func (r *Runner) processStep(ctx context.Context, job *jobregistry.Job, step jobregistry.Step, proc StepProcessor) bool {
	ctx, span := r.tracer.Start(ctx, "gostep.step.process",
		trace.WithAttributes(append(jobAttrs(job), stepAttrs(step)...)...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	r.logger.Debug("Step started",
		zap.String("job_id", job.ID),
		zap.Int("step_index", step.Index),
		zap.String("output_path", step.OutputPath))

	start := time.Now()
	ok := false
	defer func() {
		r.recordStep(ctx, span, step, ok, time.Since(start))
	}()

	ok = proc(ctx, job, step)
	return ok
}

func (r *Runner) cancelReason(ctx context.Context) string {
	if r.coord.IsStopping() {
		return "stop requested"
	}
	if err := ctx.Err(); err != nil {
		return "cancelled: " + err.Error()
	}
	return ""
}
