package ingestion_engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

// GenerateEmbeddings embeds the chunks of a source that still lack a vector.
// Re-running it on a fully embedded source makes no provider calls and writes nothing.
func (o *Orchestrator) GenerateEmbeddings(ctx context.Context, sourceID string, opts EmbedOptions) (*EmbedResult, error) {
	const op = "generate embeddings"
	if err := o.acquire(op, sourceID); err != nil {
		return nil, err
	}
	defer o.release(sourceID)

	src, err := o.loadSource(ctx, op, sourceID, opts.OwnerID)
	if err != nil {
		return nil, err
	}
	jobs, err := o.jobsByType(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	job := jobs[models.JobEmbedding]
	if st := jobs[models.JobChunking].Status; st != models.JobCompleted {
		return nil, core.Conflict(op, fmt.Errorf("%w: chunking is %s", core.ErrNoChunks, st))
	}

	from := []models.JobStatus{models.JobPending}
	if opts.ForceReprocess {
		from = append(from, models.JobCompleted)
	}
	idle := job.Status == models.JobCompleted && !opts.ForceReprocess
	if !idle && !slices.Contains(from, job.Status) {
		return nil, core.Conflict(op, fmt.Errorf("%w: embedding is %s", core.ErrConflict, job.Status))
	}

	if opts.ForceReprocess {
		if err := o.db.ClearEmbeddings(ctx, sourceID); err != nil {
			return nil, fmt.Errorf("clear embeddings: %w", err)
		}
		o.forget(src)
	}

	counts, err := o.db.CountChunks(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if counts.Total == 0 {
		return nil, core.Validation(op, core.ErrNoChunks)
	}

	res := &EmbedResult{SourceID: sourceID, Model: o.embedder.Model(), Remaining: counts.Remaining()}
	if idle {
		if counts.Remaining() > 0 {
			return nil, core.Conflict(op, fmt.Errorf("%w: embedding completed with %d chunks missing, use force", core.ErrConflict, counts.Remaining()))
		}
		res.AllComplete = true
		return res, nil
	}

	if err := o.start(ctx, job, from, percent(counts.Embedded, counts.Total)); err != nil {
		return nil, err
	}
	held := []*models.ProcessingJob{job}
	if err := o.setSourceStatus(ctx, src, models.SourceProcessing); err != nil {
		o.fail(ctx, src, held, err)
		return nil, err
	}

	err = o.embedBatches(ctx, job, counts, opts, res)
	o.recordUsage(ctx, src, res)
	if err != nil {
		o.fail(ctx, src, held, err)
		return nil, err
	}

	counts, err = o.db.CountChunks(ctx, sourceID)
	if err != nil {
		o.fail(ctx, src, held, err)
		return nil, err
	}
	res.Remaining = counts.Remaining()
	res.AllComplete = res.Remaining == 0

	if !res.AllComplete {
		if err := o.pause(ctx, job); err != nil {
			return nil, err
		}
		o.logger.Info("embedding paused", "source_id", sourceID, "embedded", counts.Embedded, "remaining", res.Remaining)
		return res, nil
	}

	if err := o.complete(ctx, job); err != nil {
		return nil, err
	}
	if err := o.setSourceStatus(ctx, src, models.SourceCompleted); err != nil {
		return nil, err
	}
	o.logger.Info("source completed",
		"source_id", sourceID, "chunks", counts.Total, "tokens", res.TotalTokens, "cost_estimate", res.CostEstimate)

	if o.indexer != nil {
		if err := o.indexer.IndexSource(ctx, src); err != nil {
			o.logger.Warn("indexing failed", "source_id", sourceID, "err", err)
		}
	}
	return res, nil
}

// embedBatches embeds, writes back and reports progress one batch at a time.
// A failing batch fails the run; chunks are never skipped.
func (o *Orchestrator) embedBatches(
	ctx context.Context,
	job *models.ProcessingJob,
	counts models.ChunkCounts,
	opts EmbedOptions,
	res *EmbedResult,
) error {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = o.cfg.BatchSize
	}
	embedded := counts.Embedded

	for opts.MaxBatches <= 0 || res.Batches < opts.MaxBatches {
		// Check the cancel marker before spending provider quota.
		if err := o.checkRunning(ctx, job); err != nil {
			return err
		}

		batch, err := o.db.ListChunksMissingEmbedding(ctx, job.SourceID, batchSize)
		if err != nil {
			return fmt.Errorf("list chunks: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = batch[i].ChunkText
		}

		gen, err := o.embedder.GenerateWithRetry(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch %d: %w", res.Batches+1, err)
		}
		for i := range batch {
			batch[i].Embedding = gen.Embeddings[i]
		}
		if err := o.db.UpdateChunkEmbeddings(ctx, batch); err != nil {
			return fmt.Errorf("store embeddings: %w", err)
		}

		embedded += len(batch)
		res.Batches++
		res.EmbeddingsGenerated += len(batch)
		res.TotalTokens += gen.TotalTokens
		res.CostEstimate += gen.CostEstimate
		res.Model = gen.Model

		if err := o.setProgress(ctx, job, percent(embedded, counts.Total)); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) checkRunning(ctx context.Context, job *models.ProcessingJob) error {
	cur, err := o.db.GetJob(ctx, job.SourceID, job.JobType)
	if err != nil {
		return err
	}
	if cur.Status != models.JobProcessing {
		return cancelled(core.Conflict("check job", core.ErrConflict), job)
	}
	return nil
}

// pause hands a partially embedded job back to pending, keeping its progress.
func (o *Orchestrator) pause(ctx context.Context, job *models.ProcessingJob) error {
	next := models.JobState{Status: models.JobPending, Progress: job.Progress, StartedAt: job.StartedAt}
	if err := o.db.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobProcessing}, next); err != nil {
		return cancelled(err, job)
	}
	applyState(job, next)
	o.report(job)
	return nil
}

// recordUsage accumulates embedding totals on the source metadata.
func (o *Orchestrator) recordUsage(ctx context.Context, src *models.ContentSource, res *EmbedResult) {
	if res.TotalTokens == 0 && res.EmbeddingsGenerated == 0 {
		return
	}
	patch := map[string]any{
		"embedding_model":         res.Model,
		"embedding_tokens":        metaInt(src.Metadata, "embedding_tokens") + res.TotalTokens,
		"embedding_cost_estimate": metaFloat(src.Metadata, "embedding_cost_estimate") + res.CostEstimate,
	}
	if err := o.db.MergeSourceMetadata(context.WithoutCancel(ctx), src.ID, patch); err != nil {
		o.logger.Warn("failed to record embedding usage", "source_id", src.ID, "err", err)
		return
	}
	if src.Metadata == nil {
		src.Metadata = map[string]any{}
	}
	for k, v := range patch {
		src.Metadata[k] = v
	}
}

func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return done * 100 / total
}

// metaFloat reads a number from decoded JSON metadata, where numbers arrive as float64.
func metaFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func metaInt(m map[string]any, key string) int {
	return int(metaFloat(m, key))
}
