package ingestion_engine

import (
	"context"
	"time"

	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

// Status aggregates the jobs of a source into one overall status and progress.
func (o *Orchestrator) Status(ctx context.Context, sourceID, ownerID string) (*SourceStatus, error) {
	src, err := o.loadSource(ctx, "source status", sourceID, ownerID)
	if err != nil {
		return nil, err
	}
	jobs, err := o.db.ListJobs(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	counts, err := o.db.CountChunks(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	st := AggregateStatus(src, jobs, o.now())
	st.ChunkCount = counts.Total
	st.EmbeddedCount = counts.Embedded
	return &st, nil
}

// EmbeddingStatus reports how many chunks of a source still lack a vector.
func (o *Orchestrator) EmbeddingStatus(ctx context.Context, sourceID, ownerID string) (models.ChunkCounts, error) {
	if _, err := o.loadSource(ctx, "embedding status", sourceID, ownerID); err != nil {
		return models.ChunkCounts{}, err
	}
	return o.db.CountChunks(ctx, sourceID)
}

// AggregateStatus is the read-path view of a source:
//
//   - progress is the mean effective progress (completed 100, failed 0, else its own value);
//   - status is completed when every job completed, failed when every unfinished job
//     failed, processing when any job runs, and the stored source status otherwise.
//
// The estimate extrapolates the elapsed time of running jobs linearly over their progress.
func AggregateStatus(src *models.ContentSource, jobs []models.ProcessingJob, now time.Time) SourceStatus {
	st := SourceStatus{SourceID: src.ID, OverallStatus: src.Status, Jobs: jobs}
	if len(jobs) == 0 {
		return st
	}

	var (
		sum                           float64
		completed, unfinished, failed int
		running                       bool
	)
	for i := range jobs {
		j := &jobs[i]
		switch j.Status {
		case models.JobCompleted:
			sum += 100
			completed++
		case models.JobFailed:
			unfinished++
			failed++
		default:
			sum += float64(j.Progress)
			unfinished++
		}
		if j.Status == models.JobProcessing {
			running = true
			if eta := estimate(j, now); eta != nil && (st.EstimatedCompletion == nil || eta.After(*st.EstimatedCompletion)) {
				st.EstimatedCompletion = eta
			}
		}
	}
	st.OverallProgress = sum / float64(len(jobs))

	switch {
	case completed == len(jobs):
		st.OverallStatus = models.SourceCompleted
	case unfinished > 0 && failed == unfinished:
		st.OverallStatus = models.SourceFailed
	case running:
		st.OverallStatus = models.SourceProcessing
	}
	return st
}

func estimate(j *models.ProcessingJob, now time.Time) *time.Time {
	if j.StartedAt == nil || j.Progress <= 0 || j.Progress >= 100 {
		return nil
	}
	elapsed := now.Sub(*j.StartedAt)
	if elapsed <= 0 {
		return nil
	}
	total := time.Duration(float64(elapsed) * 100 / float64(j.Progress))
	eta := j.StartedAt.Add(total)
	return &eta
}
