package models

import (
	"time"
)

// SourceStatus is the aggregate processing state of a ContentSource.
type SourceStatus string

const (
	SourcePending    SourceStatus = "pending"
	SourceProcessing SourceStatus = "processing"
	SourceCompleted  SourceStatus = "completed"
	SourceFailed     SourceStatus = "failed"
)

// SourceType is the declared document type of an uploaded source.
type SourceType string

const SourceTypePDF SourceType = "pdf"

// JobType names one pipeline stage.
type JobType string

const (
	JobTextExtraction JobType = "text_extraction"
	JobChunking       JobType = "chunking"
	JobEmbedding      JobType = "embedding"
)

// PipelineJobTypes lists the stages created for every registered source, in execution order.
var PipelineJobTypes = []JobType{JobTextExtraction, JobChunking, JobEmbedding}

// JobStatus is the state of a single ProcessingJob.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// CancelledMessage is the error message written on a job cancelled by its owner.
const CancelledMessage = "cancelled by user"

// ContentSource represents a user-uploaded document and its aggregate status.
type ContentSource struct {
	ID          string         `db:"id" json:"id"`
	OwnerID     string         `db:"owner_id" json:"owner_id"`
	Type        SourceType     `db:"type" json:"type"`
	FileName    string         `db:"file_name" json:"file_name"`
	FileRef     string         `db:"file_ref" json:"file_ref"` // s3://bucket/key or S3 URL
	ContentType string         `db:"content_type" json:"content_type"`
	Status      SourceStatus   `db:"status" json:"status"`
	Metadata    map[string]any `db:"metadata" json:"metadata"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// ProcessingJob is one pipeline stage's execution record for a source.
type ProcessingJob struct {
	ID           string     `db:"id" json:"id"`
	SourceID     string     `db:"source_id" json:"source_id"`
	JobType      JobType    `db:"job_type" json:"job_type"`
	Status       JobStatus  `db:"status" json:"status"`
	Progress     int        `db:"progress" json:"progress"` // 0..100
	ErrorMessage *string    `db:"error_message" json:"error_message"`
	StartedAt    *time.Time `db:"started_at" json:"started_at"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Cancelled reports whether the job was failed by a cancel request.
func (j *ProcessingJob) Cancelled() bool {
	return j.Status == JobFailed && j.ErrorMessage != nil && *j.ErrorMessage == CancelledMessage
}

// JobState is the mutable part of a ProcessingJob written by a status transition.
type JobState struct {
	Status       JobStatus
	Progress     int
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// ChunkMetadata is stored alongside every chunk.
type ChunkMetadata struct {
	TokenCount int `json:"token_count"`
	StartChar  int `json:"start_char"`
	EndChar    int `json:"end_char"`
}

// ContentChunk represents one bounded text span of a source.
type ContentChunk struct {
	ID         string        `db:"id" json:"id"`
	SourceID   string        `db:"source_id" json:"source_id"`
	ChunkText  string        `db:"chunk_text" json:"chunk_text"`
	ChunkIndex int           `db:"chunk_index" json:"chunk_index"` // unique and contiguous per source
	PageNumber *int          `db:"page_number" json:"page_number,omitempty"`
	Metadata   ChunkMetadata `db:"metadata" json:"metadata"`
	Embedding  []float32     `db:"embedding" json:"embedding,omitempty"` // nil until the embedding stage runs
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time     `db:"updated_at" json:"updated_at"`
}

// HasEmbedding reports whether the chunk carries a vector.
func (c *ContentChunk) HasEmbedding() bool {
	return len(c.Embedding) > 0
}

// ChunkCounts summarises embedding coverage for a source.
type ChunkCounts struct {
	Total    int `json:"total"`
	Embedded int `json:"embedded"`
}

// Remaining is the number of chunks still lacking a vector.
func (c ChunkCounts) Remaining() int {
	return c.Total - c.Embedded
}
