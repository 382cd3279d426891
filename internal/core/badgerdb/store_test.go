package badgerdb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSource(t *testing.T, s *Store, id, owner string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateSource(ctx, &models.ContentSource{
		ID: id, OwnerID: owner, Type: models.SourceTypePDF, Status: models.SourcePending,
	}))
	var jobs []models.ProcessingJob
	for _, jt := range models.PipelineJobTypes {
		jobs = append(jobs, models.ProcessingJob{ID: id + "-" + string(jt), SourceID: id, JobType: jt, Status: models.JobPending})
	}
	require.NoError(t, s.CreateJobs(ctx, jobs))
}

func makeChunks(src string, n int) []models.ContentChunk {
	out := make([]models.ContentChunk, n)
	for i := range out {
		out[i] = models.ContentChunk{ID: fmt.Sprintf("%s-c%d", src, i), SourceID: src, ChunkIndex: i, ChunkText: fmt.Sprintf("chunk %d", i)}
	}
	return out
}

func TestSourceLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedSource(t, s, "s1", "alice")
	seedSource(t, s, "s2", "alice")
	seedSource(t, s, "s3", "bob")

	src, err := s.GetSource(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", src.OwnerID)

	_, err = s.GetSource(ctx, "missing")
	assert.True(t, core.IsKind(err, core.KindNotFound))

	err = s.CreateSource(ctx, &models.ContentSource{ID: "s1", OwnerID: "alice"})
	assert.True(t, core.IsKind(err, core.KindConflict))

	list, err := s.ListSourcesByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.UpdateSourceStatus(ctx, "s3", models.SourceCompleted))
	done, err := s.ListSourcesByStatus(ctx, models.SourceCompleted)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "s3", done[0].ID)

	require.NoError(t, s.MergeSourceMetadata(ctx, "s1", map[string]any{"pages": 3}))
	require.NoError(t, s.MergeSourceMetadata(ctx, "s1", map[string]any{"chunks": 7}))
	src, err = s.GetSource(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, src.Metadata["pages"])
	assert.EqualValues(t, 7, src.Metadata["chunks"])
}

func TestTransitionJobCompareAndSet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedSource(t, s, "s1", "alice")

	now := time.Now().UTC()
	next := models.JobState{Status: models.JobProcessing, StartedAt: &now}
	require.NoError(t, s.TransitionJob(ctx, "s1-chunking", []models.JobStatus{models.JobPending}, next))

	err := s.TransitionJob(ctx, "s1-chunking", []models.JobStatus{models.JobPending}, next)
	assert.True(t, core.IsKind(err, core.KindConflict))
	assert.ErrorIs(t, err, core.ErrConflict)

	require.NoError(t, s.UpdateJobProgress(ctx, "s1-chunking", 50))
	err = s.UpdateJobProgress(ctx, "s1-embedding", 10)
	assert.True(t, core.IsKind(err, core.KindConflict), "pending job must not take progress")

	job, err := s.GetJob(ctx, "s1", models.JobChunking)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, 50, job.Progress)
	require.NotNil(t, job.StartedAt)

	jobs, err := s.ListJobs(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, models.JobTextExtraction, jobs[0].JobType)

	err = s.TransitionJob(ctx, "nope", []models.JobStatus{models.JobPending}, next)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestChunkOperations(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedSource(t, s, "s1", "alice")
	seedSource(t, s, "s10", "alice")

	require.NoError(t, s.InsertChunks(ctx, makeChunks("s1", 12)))
	require.NoError(t, s.InsertChunks(ctx, makeChunks("s10", 2)))

	all, err := s.ListChunks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, all, 12)
	for i, ch := range all {
		assert.Equal(t, i, ch.ChunkIndex)
	}

	batch, err := s.ListChunksMissingEmbedding(ctx, "s1", 5)
	require.NoError(t, err)
	require.Len(t, batch, 5)
	for i := range batch {
		batch[i].Embedding = []float32{1, 2, 3}
	}
	require.NoError(t, s.UpdateChunkEmbeddings(ctx, batch))

	counts, err := s.CountChunks(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.ChunkCounts{Total: 12, Embedded: 5}, counts)
	assert.Equal(t, 7, counts.Remaining())

	next, err := s.ListChunksMissingEmbedding(ctx, "s1", 100)
	require.NoError(t, err)
	require.Len(t, next, 7)
	assert.Equal(t, 5, next[0].ChunkIndex)

	require.NoError(t, s.ClearEmbeddings(ctx, "s1"))
	counts, err = s.CountChunks(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, counts.Embedded)

	n, err := s.DeleteChunksBySource(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	counts, err = s.CountChunks(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, counts.Total)

	other, err := s.CountChunks(ctx, "s10")
	require.NoError(t, err)
	assert.Equal(t, 2, other.Total, "prefix of a sibling source must be untouched")
}

func TestUpdateChunkEmbeddingsUnknownChunk(t *testing.T) {
	s := newStore(t)
	err := s.UpdateChunkEmbeddings(context.Background(), makeChunks("ghost", 1))
	assert.True(t, core.IsKind(err, core.KindNotFound))
}
