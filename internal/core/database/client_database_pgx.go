package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/contexta-pipeline/internal/config"
	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

type DatabaseClient struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ core.DbClient = (*DatabaseClient)(nil)

func NewDatabaseClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	c := NewWithDB(db, logger)
	if err := EnsureBootstrapped(ctx, db, c.logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return c, nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sql.DB, logger *slog.Logger) *DatabaseClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &DatabaseClient{db: db, logger: logger.With("component", "postgres-store")}
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Sources

const sourceColumns = `id, owner_id, type, file_name, file_ref, content_type, status, metadata, created_at, updated_at`

func (c *DatabaseClient) CreateSource(ctx context.Context, src *models.ContentSource) error {
	if src == nil {
		return errors.New("nil source")
	}
	meta, err := marshalMetadata(src.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now

	const q = `
		INSERT INTO content_sources (` + sourceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = c.db.ExecContext(ctx, q,
		src.ID, src.OwnerID, src.Type, src.FileName, src.FileRef, src.ContentType, src.Status, meta, src.CreatedAt, src.UpdatedAt)
	return err
}

func (c *DatabaseClient) GetSource(ctx context.Context, id string) (*models.ContentSource, error) {
	q := `SELECT ` + sourceColumns + ` FROM content_sources WHERE id = $1`
	src, err := scanSource(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound("get source", core.ErrNotFound)
	}
	return src, err
}

func (c *DatabaseClient) ListSourcesByOwner(ctx context.Context, ownerID string) ([]models.ContentSource, error) {
	q := `SELECT ` + sourceColumns + ` FROM content_sources WHERE owner_id = $1 ORDER BY created_at DESC`
	return c.querySources(ctx, q, ownerID)
}

func (c *DatabaseClient) ListSourcesByStatus(ctx context.Context, status models.SourceStatus) ([]models.ContentSource, error) {
	q := `SELECT ` + sourceColumns + ` FROM content_sources WHERE status = $1 ORDER BY created_at ASC`
	return c.querySources(ctx, q, status)
}

func (c *DatabaseClient) querySources(ctx context.Context, q string, arg any) ([]models.ContentSource, error) {
	rows, err := c.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ContentSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *src)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) UpdateSourceStatus(ctx context.Context, id string, status models.SourceStatus) error {
	const q = `UPDATE content_sources SET status = $2, updated_at = now() WHERE id = $1`
	res, err := c.db.ExecContext(ctx, q, id, status)
	if err != nil {
		return err
	}
	return expectRow(res, "update source status")
}

// MergeSourceMetadata relies on jsonb concatenation, so top-level keys in patch win.
func (c *DatabaseClient) MergeSourceMetadata(ctx context.Context, id string, patch map[string]any) error {
	b, err := marshalMetadata(patch)
	if err != nil {
		return err
	}
	const q = `UPDATE content_sources SET metadata = metadata || $2::jsonb, updated_at = now() WHERE id = $1`
	res, err := c.db.ExecContext(ctx, q, id, b)
	if err != nil {
		return err
	}
	return expectRow(res, "merge source metadata")
}

// Jobs

const jobColumns = `id, source_id, job_type, status, progress, error_message, started_at, completed_at, created_at, updated_at`

// CreateJobs inserts jobs in a single transaction.
func (c *DatabaseClient) CreateJobs(ctx context.Context, jobs []models.ProcessingJob) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO processing_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range jobs {
		j := &jobs[i]
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		j.UpdatedAt = now
		if _, err := stmt.ExecContext(ctx,
			j.ID, j.SourceID, j.JobType, j.Status, j.Progress, j.ErrorMessage, j.StartedAt, j.CompletedAt, j.CreatedAt, j.UpdatedAt,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) ListJobs(ctx context.Context, sourceID string) ([]models.ProcessingJob, error) {
	q := `
		SELECT ` + jobColumns + `
		FROM processing_jobs
		WHERE source_id = $1
		ORDER BY CASE job_type WHEN 'text_extraction' THEN 0 WHEN 'chunking' THEN 1 ELSE 2 END
	`
	rows, err := c.db.QueryContext(ctx, q, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) GetJob(ctx context.Context, sourceID string, jobType models.JobType) (*models.ProcessingJob, error) {
	q := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE source_id = $1 AND job_type = $2`
	j, err := scanJob(c.db.QueryRowContext(ctx, q, sourceID, jobType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound("get job", core.ErrNotFound)
	}
	return j, err
}

// TransitionJob is a single conditional UPDATE; zero affected rows means the guard failed.
func (c *DatabaseClient) TransitionJob(ctx context.Context, jobID string, from []models.JobStatus, next models.JobState) error {
	if len(from) == 0 {
		return errors.New("transition job: no source states")
	}
	args := []any{jobID, next.Status, next.Progress, next.ErrorMessage, next.StartedAt, next.CompletedAt}
	for _, s := range from {
		args = append(args, s)
	}
	q := `
		UPDATE processing_jobs
		SET status = $2, progress = $3, error_message = $4, started_at = $5, completed_at = $6, updated_at = now()
		WHERE id = $1 AND status IN (` + placeholders(7, len(from)) + `)
	`
	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	return c.guardResult(ctx, res, jobID, "transition job")
}

func (c *DatabaseClient) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	const q = `
		UPDATE processing_jobs SET progress = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`
	res, err := c.db.ExecContext(ctx, q, jobID, progress)
	if err != nil {
		return err
	}
	return c.guardResult(ctx, res, jobID, "update job progress")
}

// guardResult tells a failed status guard apart from a missing job.
func (c *DatabaseClient) guardResult(ctx context.Context, res sql.Result, jobID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = c.db.QueryRowContext(ctx, `SELECT status FROM processing_jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return core.NotFound(op, core.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return core.Conflict(op, fmt.Errorf("%w: job %s is %s", core.ErrConflict, jobID, status))
}

func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func expectRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.NotFound(op, core.ErrNotFound)
	}
	return nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}
