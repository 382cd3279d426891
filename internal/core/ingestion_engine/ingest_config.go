package ingestion_engine

import (
	"time"

	"github.com/markdave123-py/contexta-pipeline/internal/core/chunking"
	"github.com/markdave123-py/contexta-pipeline/internal/core/embedding"
)

// IngestConfig tunes the pipeline.
//
// Chunking:     chunk bounds and overlap for the chunking stage.
// BatchSize:    chunks per embedding request; bounds request latency and memory.
// StageTimeout: upper bound on download plus text extraction (0 disables it).
type IngestConfig struct {
	Chunking     chunking.Options
	BatchSize    int
	StageTimeout time.Duration
}

func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		Chunking:     chunking.DefaultOptions(),
		BatchSize:    embedding.DefaultBatchSize,
		StageTimeout: 5 * time.Minute,
	}
}

func (c IngestConfig) normalized() IngestConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = embedding.DefaultBatchSize
	}
	if c.Chunking.MaxTokens <= 0 {
		c.Chunking = chunking.DefaultOptions()
	}
	return c
}
