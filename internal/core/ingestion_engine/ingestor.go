package ingestion_engine

import (
	"context"
	"time"

	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

// Ingestor is the processing surface exposed to the service, HTTP and CLI layers.
// An empty owner id skips the ownership check and is reserved for operator tooling.
type Ingestor interface {
	RegisterSource(ctx context.Context, src *models.ContentSource) error
	ProcessSource(ctx context.Context, sourceID string, opts ProcessOptions) (*ProcessResult, error)
	GenerateEmbeddings(ctx context.Context, sourceID string, opts EmbedOptions) (*EmbedResult, error)
	Status(ctx context.Context, sourceID, ownerID string) (*SourceStatus, error)
	EmbeddingStatus(ctx context.Context, sourceID, ownerID string) (models.ChunkCounts, error)
	Retry(ctx context.Context, sourceID, ownerID string) (*RetryResult, error)
	Cancel(ctx context.Context, sourceID, ownerID string) error
}

var _ Ingestor = (*Orchestrator)(nil)

type ProcessOptions struct {
	ForceReprocess bool
	OwnerID        string
}

type ProcessResult struct {
	SourceID           string `json:"source_id"`
	ChunksCreated      int    `json:"chunks_created"`
	TotalTokens        int    `json:"total_tokens"`
	PagesProcessed     int    `json:"pages_processed"`
	StaleChunksRemoved int    `json:"stale_chunks_removed"`
}

// EmbedOptions controls one embedding run. MaxBatches > 0 pauses the run after
// that many batches so large sources can be embedded incrementally.
type EmbedOptions struct {
	BatchSize      int
	MaxBatches     int
	ForceReprocess bool
	OwnerID        string
}

type EmbedResult struct {
	SourceID            string  `json:"source_id"`
	EmbeddingsGenerated int     `json:"embeddings_generated"`
	Remaining           int     `json:"remaining"`
	AllComplete         bool    `json:"all_complete"`
	Batches             int     `json:"batches"`
	TotalTokens         int     `json:"total_tokens"`
	CostEstimate        float64 `json:"cost_estimate"`
	Model               string  `json:"model"`
}

type SourceStatus struct {
	SourceID            string                 `json:"source_id"`
	OverallStatus       models.SourceStatus    `json:"overall_status"`
	OverallProgress     float64                `json:"overall_progress"`
	Jobs                []models.ProcessingJob `json:"jobs"`
	ChunkCount          int                    `json:"chunk_count"`
	EmbeddedCount       int                    `json:"embedded_count"`
	EstimatedCompletion *time.Time             `json:"estimated_completion,omitempty"`
}

// RetryResult lists the jobs reset to pending. ResumeAt is the first stage to run again.
type RetryResult struct {
	SourceID string           `json:"source_id"`
	Reset    []models.JobType `json:"reset"`
	ResumeAt models.JobType   `json:"resume_at"`
}
