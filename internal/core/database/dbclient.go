package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

// Chunks

const chunkColumns = `id, source_id, chunk_text, chunk_index, page_number, metadata, embedding, created_at, updated_at`

// InsertChunks inserts chunks in a single transaction.
func (c *DatabaseClient) InsertChunks(ctx context.Context, chunks []models.ContentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO content_chunks (` + chunkColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range chunks {
		ch := &chunks[i]
		if ch.CreatedAt.IsZero() {
			ch.CreatedAt = now
		}
		ch.UpdatedAt = now
		meta, err := json.Marshal(ch.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			ch.ID, ch.SourceID, ch.ChunkText, ch.ChunkIndex, ch.PageNumber, meta, vectorArg(ch.Embedding), ch.CreatedAt, ch.UpdatedAt,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) DeleteChunksBySource(ctx context.Context, sourceID string) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM content_chunks WHERE source_id = $1`, sourceID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (c *DatabaseClient) ListChunks(ctx context.Context, sourceID string) ([]models.ContentChunk, error) {
	q := `SELECT ` + chunkColumns + ` FROM content_chunks WHERE source_id = $1 ORDER BY chunk_index ASC`
	return c.queryChunks(ctx, q, sourceID)
}

func (c *DatabaseClient) ListChunksMissingEmbedding(ctx context.Context, sourceID string, limit int) ([]models.ContentChunk, error) {
	q := `
		SELECT ` + chunkColumns + `
		FROM content_chunks
		WHERE source_id = $1 AND embedding IS NULL
		ORDER BY chunk_index ASC
		LIMIT $2
	`
	return c.queryChunks(ctx, q, sourceID, limit)
}

func (c *DatabaseClient) queryChunks(ctx context.Context, q string, args ...any) ([]models.ContentChunk, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ContentChunk
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) CountChunks(ctx context.Context, sourceID string) (models.ChunkCounts, error) {
	var counts models.ChunkCounts
	err := c.db.QueryRowContext(ctx,
		`SELECT count(*), count(embedding) FROM content_chunks WHERE source_id = $1`, sourceID,
	).Scan(&counts.Total, &counts.Embedded)
	return counts, err
}

// UpdateChunkEmbeddings writes vectors in a single transaction.
func (c *DatabaseClient) UpdateChunkEmbeddings(ctx context.Context, chunks []models.ContentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `UPDATE content_chunks SET embedding = $2, updated_at = now() WHERE id = $1`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, ch := range chunks {
		res, err := stmt.ExecContext(ctx, ch.ID, vectorArg(ch.Embedding))
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := expectRow(res, "update chunk embeddings"); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("chunk %s: %w", ch.ID, err)
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) ClearEmbeddings(ctx context.Context, sourceID string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE content_chunks SET embedding = NULL, updated_at = now() WHERE source_id = $1 AND embedding IS NOT NULL`, sourceID)
	return err
}

// vectorArg maps a missing embedding to NULL; pgvector.Vector serializes as "[v1,...,vn]".
func vectorArg(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

// Row scanning

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (*models.ContentSource, error) {
	var (
		src  models.ContentSource
		meta []byte
	)
	if err := row.Scan(
		&src.ID, &src.OwnerID, &src.Type, &src.FileName, &src.FileRef, &src.ContentType, &src.Status, &meta, &src.CreatedAt, &src.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &src.Metadata); err != nil {
			return nil, fmt.Errorf("decode source metadata: %w", err)
		}
	}
	return &src, nil
}

func scanJob(row scanner) (*models.ProcessingJob, error) {
	var (
		j                      models.ProcessingJob
		errMsg                 sql.NullString
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(
		&j.ID, &j.SourceID, &j.JobType, &j.Status, &j.Progress, &errMsg, &startedAt, &completedAt, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}

func scanChunk(row scanner) (*models.ContentChunk, error) {
	var (
		ch   models.ContentChunk
		page sql.NullInt64
		meta []byte
		emb  sql.NullString
	)
	if err := row.Scan(
		&ch.ID, &ch.SourceID, &ch.ChunkText, &ch.ChunkIndex, &page, &meta, &emb, &ch.CreatedAt, &ch.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if page.Valid {
		p := int(page.Int64)
		ch.PageNumber = &p
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ch.Metadata); err != nil {
			return nil, fmt.Errorf("decode chunk metadata: %w", err)
		}
	}
	if emb.Valid {
		var v pgvector.Vector
		if err := v.Parse(emb.String); err != nil {
			return nil, fmt.Errorf("decode embedding of chunk %s: %w", ch.ID, err)
		}
		ch.Embedding = v.Slice()
	}
	return &ch, nil
}
