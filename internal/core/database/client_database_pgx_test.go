package db

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

func newMockClient(t *testing.T) (*DatabaseClient, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = sqlDB.Close()
	})
	return NewWithDB(sqlDB, nil), mock
}

func TestCreateSource(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO content_sources")).
		WithArgs("src-1", "owner-1", models.SourceTypePDF, "a.pdf", "s3://b/k", "application/pdf", models.SourcePending,
			[]byte(`{"origin":"upload"}`), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.CreateSource(context.Background(), &models.ContentSource{
		ID: "src-1", OwnerID: "owner-1", Type: models.SourceTypePDF, FileName: "a.pdf", FileRef: "s3://b/k",
		ContentType: "application/pdf", Status: models.SourcePending, Metadata: map[string]any{"origin": "upload"},
	})
	require.NoError(t, err)
}

func TestGetSourceNotFound(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM content_sources WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := c.GetSource(context.Background(), "missing")
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestGetSourceDecodesMetadata(t *testing.T) {
	c, mock := newMockClient(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "owner_id", "type", "file_name", "file_ref", "content_type", "status", "metadata", "created_at", "updated_at"}).
		AddRow("src-1", "owner-1", "pdf", "a.pdf", "s3://b/k", "application/pdf", "completed", []byte(`{"pages":3}`), now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM content_sources WHERE id = $1")).WithArgs("src-1").WillReturnRows(rows)

	src, err := c.GetSource(context.Background(), "src-1")
	require.NoError(t, err)
	assert.Equal(t, models.SourceCompleted, src.Status)
	assert.EqualValues(t, 3, src.Metadata["pages"])
}

func TestTransitionJob(t *testing.T) {
	ctx := context.Background()
	started := time.Now().UTC()
	next := models.JobState{Status: models.JobProcessing, StartedAt: &started}

	t.Run("applied", func(t *testing.T) {
		c, mock := newMockClient(t)
		mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status IN ($7, $8)")).
			WithArgs("job-1", models.JobProcessing, 0, nil, started, nil, models.JobPending, models.JobFailed).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, c.TransitionJob(ctx, "job-1", []models.JobStatus{models.JobPending, models.JobFailed}, next))
	})

	t.Run("guard failed", func(t *testing.T) {
		c, mock := newMockClient(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE processing_jobs")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM processing_jobs")).
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))

		err := c.TransitionJob(ctx, "job-1", []models.JobStatus{models.JobPending}, next)
		assert.True(t, core.IsKind(err, core.KindConflict))
		assert.ErrorIs(t, err, core.ErrConflict)
	})

	t.Run("missing job", func(t *testing.T) {
		c, mock := newMockClient(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE processing_jobs")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM processing_jobs")).WillReturnError(sql.ErrNoRows)

		err := c.TransitionJob(ctx, "job-1", []models.JobStatus{models.JobPending}, next)
		assert.True(t, core.IsKind(err, core.KindNotFound))
	})
}

func TestUpdateJobProgressAfterCancel(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = 'processing'")).
		WithArgs("job-1", 40).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM processing_jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))

	err := c.UpdateJobProgress(context.Background(), "job-1", 40)
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestInsertChunksSerializesVectors(t *testing.T) {
	c, mock := newMockClient(t)
	page := 2

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO content_chunks"))
	prep.ExpectExec().
		WithArgs("c0", "src-1", "hello", 0, page, []byte(`{"token_count":2,"start_char":0,"end_char":5}`), "[0.5,-1,2]", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("c1", "src-1", "world", 1, nil, sqlmock.AnyArg(), nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := c.InsertChunks(context.Background(), []models.ContentChunk{
		{ID: "c0", SourceID: "src-1", ChunkText: "hello", ChunkIndex: 0, PageNumber: &page,
			Metadata: models.ChunkMetadata{TokenCount: 2, StartChar: 0, EndChar: 5}, Embedding: []float32{0.5, -1, 2}},
		{ID: "c1", SourceID: "src-1", ChunkText: "world", ChunkIndex: 1},
	})
	require.NoError(t, err)
}

func TestListChunksParsesVectors(t *testing.T) {
	c, mock := newMockClient(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "source_id", "chunk_text", "chunk_index", "page_number", "metadata", "embedding", "created_at", "updated_at"}).
		AddRow("c0", "src-1", "hello", 0, 1, []byte(`{"token_count":2}`), "[1,2.5,-3]", now, now).
		AddRow("c1", "src-1", "world", 1, nil, []byte(`{}`), nil, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM content_chunks WHERE source_id = $1 ORDER BY chunk_index")).
		WithArgs("src-1").
		WillReturnRows(rows)

	chunks, err := c.ListChunks(context.Background(), "src-1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []float32{1, 2.5, -3}, chunks[0].Embedding)
	require.NotNil(t, chunks[0].PageNumber)
	assert.Equal(t, 1, *chunks[0].PageNumber)
	assert.Equal(t, 2, chunks[0].Metadata.TokenCount)
	assert.Nil(t, chunks[1].Embedding)
	assert.Nil(t, chunks[1].PageNumber)
}

func TestCountChunks(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*), count(embedding)")).
		WithArgs("src-1").
		WillReturnRows(sqlmock.NewRows([]string{"count", "count"}).AddRow(10, 7))

	counts, err := c.CountChunks(context.Background(), "src-1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Remaining())
}

func TestUpdateChunkEmbeddingsRollsBackOnMissingChunk(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("UPDATE content_chunks SET embedding"))
	prep.ExpectExec().WithArgs("c0", "[1,2]").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("gone", "[3,4]").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := c.UpdateChunkEmbeddings(context.Background(), []models.ContentChunk{
		{ID: "c0", Embedding: []float32{1, 2}},
		{ID: "gone", Embedding: []float32{3, 4}},
	})
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestMergeSourceMetadata(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec(regexp.QuoteMeta("SET metadata = metadata || $2::jsonb")).
		WithArgs("src-1", []byte(`{"chunks":4}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.MergeSourceMetadata(context.Background(), "src-1", map[string]any{"chunks": 4}))
}
