package jobrunner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/3leaps/gostep/pkg/jobregistry"
)

func jobAttrs(job *jobregistry.Job) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("gostep.job.id", job.ID),
		attribute.Int("gostep.job.steps", len(job.Steps)),
		attribute.Int("gostep.job.attempt", job.Attempts),
	}
}

func stepAttrs(step jobregistry.Step) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("gostep.step.index", step.Index),
		attribute.String("gostep.step.output_path", step.OutputPath),
	}
}

// finish ends bookkeeping for a job run. An empty status means the run
// aborted on a store error.
func (r *Runner) finish(ctx context.Context, span trace.Span, log *zap.Logger, status jobregistry.Status, reason string) {
	label := string(status)
	if status == "" {
		label = "error"
	}
	r.jobRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", label)))
	span.SetAttributes(attribute.String("gostep.job.status", label))

	switch status {
	case jobregistry.StatusCompleted:
		span.SetStatus(codes.Ok, "")
		log.Info("Job completed")
	case jobregistry.StatusFailed:
		span.SetStatus(codes.Error, reason)
		log.Warn("Job failed", zap.String("reason", reason))
	default:
		span.SetStatus(codes.Error, reason)
		log.Error("Job aborted", zap.String("error", reason))
	}
}

func (r *Runner) recordStep(ctx context.Context, span trace.Span, step jobregistry.Step, ok bool, elapsed time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
		span.SetStatus(codes.Error, "step processor reported failure")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	r.stepRuns.Add(ctx, 1, attrs)
	r.stepSeconds.Record(ctx, elapsed.Seconds(), attrs)

	r.logger.Debug("Step finished",
		zap.Int("step_index", step.Index),
		zap.String("result", result),
		zap.Duration("elapsed", elapsed))
}
