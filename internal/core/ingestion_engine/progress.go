package ingestion_engine

import (
	"time"

	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

// ProgressEvent mirrors one persisted change of a job's status or progress.
type ProgressEvent struct {
	SourceID string
	JobID    string
	JobType  models.JobType
	Status   models.JobStatus
	Progress int
	Message  string
	At       time.Time
}

// ProgressObserver is called synchronously from the goroutine running the stage.
// It must be safe for concurrent use when several sources run at once.
type ProgressObserver func(ProgressEvent)

func (o *Orchestrator) report(job *models.ProcessingJob) {
	if o.observer == nil {
		return
	}
	ev := ProgressEvent{
		SourceID: job.SourceID,
		JobID:    job.ID,
		JobType:  job.JobType,
		Status:   job.Status,
		Progress: job.Progress,
		At:       o.now(),
	}
	if job.ErrorMessage != nil {
		ev.Message = *job.ErrorMessage
	}
	o.observer(ev)
}
