package ingestion_engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/core/chunking"
	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

// toContentChunks turns chunker output into records without embeddings.
// Chunk indices come from ChunkByPages and are already global per source.
func toContentChunks(sourceID string, res chunking.Result) []models.ContentChunk {
	out := make([]models.ContentChunk, 0, len(res.Chunks))
	for _, ch := range res.Chunks {
		row := models.ContentChunk{
			ID:         uuid.NewString(),
			SourceID:   sourceID,
			ChunkText:  ch.Text,
			ChunkIndex: ch.Index,
			Metadata: models.ChunkMetadata{
				TokenCount: ch.TokenCount,
				StartChar:  ch.StartChar,
				EndChar:    ch.EndChar,
			},
		}
		if ch.PageNumber > 0 {
			page := ch.PageNumber
			row.PageNumber = &page
		}
		out = append(out, row)
	}
	return out
}

// extractionStats is merged into the source metadata after chunking.
func extractionStats(ext *core.Extraction, res chunking.Result, now time.Time) map[string]any {
	stats := map[string]any{
		"pages":                ext.PageCount,
		"chunks":               res.TotalChunks,
		"total_tokens":         res.TotalTokens,
		"average_chunk_tokens": res.AverageChunkSize,
		"processed_at":         now.Format(time.RFC3339),
	}
	if len(ext.Metadata) > 0 {
		stats["document"] = ext.Metadata
	}
	return stats
}
