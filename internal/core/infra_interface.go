package core

import (
	"context"

	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

// DbClient defines all persistence operations the pipeline needs.
// Postgres/pgvector and Badger both implement it.
type DbClient interface {
	CreateSource(ctx context.Context, src *models.ContentSource) error
	GetSource(ctx context.Context, id string) (*models.ContentSource, error)
	ListSourcesByOwner(ctx context.Context, ownerID string) ([]models.ContentSource, error)
	ListSourcesByStatus(ctx context.Context, status models.SourceStatus) ([]models.ContentSource, error)
	UpdateSourceStatus(ctx context.Context, id string, status models.SourceStatus) error
	// MergeSourceMetadata overlays patch onto the stored metadata map.
	MergeSourceMetadata(ctx context.Context, id string, patch map[string]any) error

	CreateJobs(ctx context.Context, jobs []models.ProcessingJob) error
	ListJobs(ctx context.Context, sourceID string) ([]models.ProcessingJob, error)
	GetJob(ctx context.Context, sourceID string, jobType models.JobType) (*models.ProcessingJob, error)
	// TransitionJob writes next only if the job's current status is one of from.
	// It returns a KindConflict error when the guard does not hold.
	TransitionJob(ctx context.Context, jobID string, from []models.JobStatus, next models.JobState) error
	// UpdateJobProgress sets progress on a job that is still processing.
	// A job that left processing (cancelled, failed) yields KindConflict.
	UpdateJobProgress(ctx context.Context, jobID string, progress int) error

	InsertChunks(ctx context.Context, chunks []models.ContentChunk) error
	DeleteChunksBySource(ctx context.Context, sourceID string) (int, error)
	ListChunks(ctx context.Context, sourceID string) ([]models.ContentChunk, error)
	// ListChunksMissingEmbedding returns at most limit chunks without a vector, ordered by chunk_index.
	ListChunksMissingEmbedding(ctx context.Context, sourceID string, limit int) ([]models.ContentChunk, error)
	CountChunks(ctx context.Context, sourceID string) (models.ChunkCounts, error)
	UpdateChunkEmbeddings(ctx context.Context, chunks []models.ContentChunk) error
	ClearEmbeddings(ctx context.Context, sourceID string) error

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	// Upload stores data under key and returns the file reference persisted on the source.
	Upload(ctx context.Context, key string, data []byte, contentType string) (fileRef string, err error)
	Download(ctx context.Context, fileRef string) ([]byte, error)
	Delete(ctx context.Context, fileRef string) error
}
