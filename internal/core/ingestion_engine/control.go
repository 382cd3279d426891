package ingestion_engine

import (
	"context"
	"fmt"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

// Retry resets the earliest failed job and every later stage to pending.
// The caller schedules the stage named by ResumeAt.
func (o *Orchestrator) Retry(ctx context.Context, sourceID, ownerID string) (*RetryResult, error) {
	const op = "retry source"
	if err := o.acquire(op, sourceID); err != nil {
		return nil, err
	}
	defer o.release(sourceID)

	src, err := o.loadSource(ctx, op, sourceID, ownerID)
	if err != nil {
		return nil, err
	}
	jobs, err := o.jobsByType(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	first := -1
	for i, jt := range models.PipelineJobTypes {
		switch jobs[jt].Status {
		case models.JobProcessing:
			return nil, core.Conflict(op, fmt.Errorf("%w: %s is processing", core.ErrConflict, jt))
		case models.JobFailed:
			if first < 0 {
				first = i
			}
		}
	}
	if first < 0 {
		return nil, core.Conflict(op, fmt.Errorf("%w: no failed job to retry", core.ErrConflict))
	}

	res := &RetryResult{SourceID: sourceID, ResumeAt: models.PipelineJobTypes[first]}
	for _, jt := range models.PipelineJobTypes[first:] {
		j := jobs[jt]
		if j.Status == models.JobPending && j.Progress == 0 && j.ErrorMessage == nil {
			continue
		}
		if err := o.reset(ctx, j); err != nil {
			return nil, err
		}
		res.Reset = append(res.Reset, jt)
	}

	if err := o.setSourceStatus(ctx, src, models.SourcePending); err != nil {
		return nil, err
	}
	o.logger.Info("source reset for retry", "source_id", sourceID, "resume_at", res.ResumeAt, "reset", res.Reset)
	return res, nil
}

// Cancel fails every pending or processing job of the source with the
// cancellation marker. A run in flight notices at its next checkpoint.
func (o *Orchestrator) Cancel(ctx context.Context, sourceID, ownerID string) error {
	const op = "cancel source"
	src, err := o.loadSource(ctx, op, sourceID, ownerID)
	if err != nil {
		return err
	}
	jobs, err := o.db.ListJobs(ctx, sourceID)
	if err != nil {
		return err
	}

	msg := models.CancelledMessage
	cancelledJobs := 0
	for i := range jobs {
		j := &jobs[i]
		if j.Status != models.JobPending && j.Status != models.JobProcessing {
			continue
		}
		now := o.now()
		next := models.JobState{
			Status:       models.JobFailed,
			Progress:     j.Progress,
			ErrorMessage: &msg,
			StartedAt:    j.StartedAt,
			CompletedAt:  &now,
		}
		err := o.db.TransitionJob(ctx, j.ID, []models.JobStatus{models.JobPending, models.JobProcessing}, next)
		if core.IsKind(err, core.KindConflict) {
			// finished between the read and the write
			continue
		}
		if err != nil {
			return err
		}
		applyState(j, next)
		o.report(j)
		cancelledJobs++
	}
	if cancelledJobs == 0 {
		return core.Conflict(op, fmt.Errorf("%w: nothing to cancel", core.ErrConflict))
	}

	if err := o.setSourceStatus(ctx, src, models.SourceFailed); err != nil {
		return err
	}
	o.logger.Info("source cancelled", "source_id", sourceID, "jobs", cancelledJobs)
	return nil
}
