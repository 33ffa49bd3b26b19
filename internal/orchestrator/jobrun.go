package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/avatarcore/internal/jobs"
	"github.com/ent0n29/avatarcore/internal/observability"
)

// startJob registers a job and runs it on the engine lifetime context. A
// returned error fails the job; a nil error completes it with the result.
// onAccepted, when set, runs before the job starts so the caller can
// subscribe to its scope without missing events.
func (e *Engine) startJob(kind jobs.Kind, ownerID, message, estimate string, onAccepted func(JobTicket), run func(ctx context.Context, jobID string) (any, error)) (JobTicket, error) {
	job, err := e.jobs.Create(kind, ownerID)
	if err != nil {
		return JobTicket{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if e.metrics != nil {
		e.metrics.JobEvents.WithLabelValues(string(kind), string(jobs.StatusRunning)).Inc()
		e.metrics.ActiveJobs.Set(float64(e.jobs.ActiveCount()))
	}
	e.logger.Info("job accepted", "job_id", job.ID, "kind", kind, "owner_id", job.OwnerID)
	ticket := JobTicket{Message: message, JobID: job.ID, EstimatedTime: estimate}
	if onAccepted != nil {
		onAccepted(ticket)
	}

	parent := e.lifetime()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, span := e.tracer.Start(parent, observability.SpanJob,
			attribute.String(observability.AttrJobID, job.ID),
			attribute.String("avatarcore.job_kind", string(kind)),
		)
		var runErr error
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("internal error: %v", r)
				e.logger.Error("job panicked", "job_id", job.ID, "panic", r)
				_, _ = e.jobs.Fail(job.ID, runErr)
			}
			observability.End(span, runErr)
		}()

		result, err := run(ctx, job.ID)
		runErr = err
		if err != nil {
			_, _ = e.jobs.Fail(job.ID, err)
			return
		}
		_, _ = e.jobs.Complete(job.ID, result)
	}()

	return ticket, nil
}

// advance moves a job forward. Rejections are logged by the registry and do
// not stop the pipeline.
func (e *Engine) advance(jobID, stage string, progress int, message string) {
	_, _ = e.jobs.Advance(jobID, stage, progress, message)
}
