package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/core/chunking"
	"github.com/markdave123-py/contexta-pipeline/internal/core/embedding"
	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

// Indexer receives every source whose embeddings are complete, and is told
// when a source's vectors are discarded.
type Indexer interface {
	IndexSource(ctx context.Context, src *models.ContentSource) error
	Forget(ownerID, sourceID string) bool
}

// Orchestrator drives a content source through extraction, chunking and embedding,
// keeping one ProcessingJob per stage.
//
// db:        records for sources, jobs and chunks.
// obj:       object storage holding the uploaded files.
// extractor: document validation and per-page text extraction.
// chunker:   page-aware text chunking.
// embedder:  batched embedding requests with retry.
// running:   sources with a run in flight in this process.
type Orchestrator struct {
	db        core.DbClient
	obj       core.ObjectClient
	extractor core.DocumentExtractor
	chunker   *chunking.Chunker
	embedder  *embedding.Generator
	cfg       IngestConfig
	observer  ProgressObserver
	indexer   Indexer
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithProgressObserver(fn ProgressObserver) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

func WithIndexer(ix Indexer) Option {
	return func(o *Orchestrator) { o.indexer = ix }
}

// WithClock overrides time.Now for timestamps and estimates.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(
	db core.DbClient,
	obj core.ObjectClient,
	extractor core.DocumentExtractor,
	chunker *chunking.Chunker,
	embedder *embedding.Generator,
	cfg IngestConfig,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		db:        db,
		obj:       obj,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		cfg:       cfg.normalized(),
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		running:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// SetIndexer attaches the completion hook after construction, for wiring cycles
// where the indexer itself needs the orchestrator's store.
func (o *Orchestrator) SetIndexer(ix Indexer) { o.indexer = ix }

// RegisterSource persists a new pending source together with its three pending jobs.
func (o *Orchestrator) RegisterSource(ctx context.Context, src *models.ContentSource) error {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.Type == "" {
		src.Type = models.SourceTypePDF
	}
	src.Status = models.SourcePending

	if err := o.db.CreateSource(ctx, src); err != nil {
		return fmt.Errorf("create source: %w", err)
	}

	jobs := make([]models.ProcessingJob, 0, len(models.PipelineJobTypes))
	for _, jt := range models.PipelineJobTypes {
		jobs = append(jobs, models.ProcessingJob{
			ID:       uuid.NewString(),
			SourceID: src.ID,
			JobType:  jt,
			Status:   models.JobPending,
		})
	}
	if err := o.db.CreateJobs(ctx, jobs); err != nil {
		return fmt.Errorf("create jobs: %w", err)
	}

	o.logger.Info("source registered", "source_id", src.ID, "owner_id", src.OwnerID, "file", src.FileName)
	return nil
}

// ProcessSource runs text extraction and chunking for one source. Embedding is a
// separate step, see GenerateEmbeddings.
func (o *Orchestrator) ProcessSource(ctx context.Context, sourceID string, opts ProcessOptions) (*ProcessResult, error) {
	const op = "process source"
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
	extract, chunk, embed := jobs[models.JobTextExtraction], jobs[models.JobChunking], jobs[models.JobEmbedding]

	from := []models.JobStatus{models.JobPending}
	// Extracted text is not stored, so chunking reset by Retry reruns extraction too.
	if opts.ForceReprocess || (extract.Status == models.JobCompleted && chunk.Status == models.JobPending) {
		from = append(from, models.JobCompleted)
	}
	if !slices.Contains(from, extract.Status) {
		return nil, core.Conflict(op, fmt.Errorf("%w: text extraction is %s", core.ErrConflict, extract.Status))
	}

	if opts.ForceReprocess {
		// Downstream stages restart from scratch on the new chunk set.
		for _, j := range []*models.ProcessingJob{chunk, embed} {
			if err := o.reset(ctx, j); err != nil {
				return nil, err
			}
		}
	}
	if chunk.Status != models.JobPending {
		return nil, core.Conflict(op, fmt.Errorf("%w: chunking is %s", core.ErrConflict, chunk.Status))
	}

	if err := o.start(ctx, extract, from, 0); err != nil {
		return nil, err
	}
	if err := o.setSourceStatus(ctx, src, models.SourceProcessing); err != nil {
		o.fail(ctx, src, []*models.ProcessingJob{extract}, err)
		return nil, err
	}

	held := []*models.ProcessingJob{extract}
	res, err := o.extractAndChunk(ctx, src, extract, chunk, &held)
	if err != nil {
		o.fail(ctx, src, held, err)
		return nil, err
	}

	o.logger.Info("source chunked",
		"source_id", src.ID, "pages", res.PagesProcessed, "chunks", res.ChunksCreated, "tokens", res.TotalTokens)
	return res, nil
}

func (o *Orchestrator) extractAndChunk(
	ctx context.Context,
	src *models.ContentSource,
	extract, chunk *models.ProcessingJob,
	held *[]*models.ProcessingJob,
) (*ProcessResult, error) {
	const op = "process source"

	stageCtx := ctx
	if o.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
	}

	data, err := o.obj.Download(stageCtx, src.FileRef)
	if err != nil {
		return nil, fmt.Errorf("download source file: %w", err)
	}
	if v := o.extractor.Validate(data, src.ContentType); !v.Valid {
		return nil, core.Validation(op, fmt.Errorf("%w: %s", core.ErrInvalidDocument, v.Error))
	}
	if err := o.setProgress(ctx, extract, 25); err != nil {
		return nil, err
	}

	ext, err := o.extractor.Extract(stageCtx, data)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}
	if err := o.setProgress(ctx, extract, 50); err != nil {
		return nil, err
	}

	if err := o.start(ctx, chunk, []models.JobStatus{models.JobPending}, 0); err != nil {
		return nil, cancelled(err, chunk)
	}
	*held = append(*held, chunk)

	result := o.chunker.ChunkByPages(ext.Pages, o.cfg.Chunking)
	if result.TotalChunks == 0 {
		return nil, core.Validation(op, fmt.Errorf("%w: document has no extractable text", core.ErrNoChunks))
	}
	if err := o.setProgress(ctx, extract, 75); err != nil {
		return nil, err
	}
	if err := o.setProgress(ctx, chunk, 50); err != nil {
		return nil, err
	}

	// Chunks left by a forced reprocess or an earlier failed run are stale.
	removed, err := o.db.DeleteChunksBySource(ctx, src.ID)
	if err != nil {
		return nil, fmt.Errorf("delete stale chunks: %w", err)
	}
	if removed > 0 {
		o.logger.Info("removed stale chunks", "source_id", src.ID, "count", removed)
		o.forget(src)
	}

	if err := o.db.InsertChunks(ctx, toContentChunks(src.ID, result)); err != nil {
		return nil, fmt.Errorf("insert chunks: %w", err)
	}

	for _, j := range []*models.ProcessingJob{extract, chunk} {
		if err := o.complete(ctx, j); err != nil {
			return nil, err
		}
	}

	if err := o.db.MergeSourceMetadata(ctx, src.ID, extractionStats(ext, result, o.now())); err != nil {
		o.logger.Warn("failed to record extraction stats", "source_id", src.ID, "err", err)
	}

	return &ProcessResult{
		SourceID:           src.ID,
		ChunksCreated:      result.TotalChunks,
		TotalTokens:        result.TotalTokens,
		PagesProcessed:     ext.PageCount,
		StaleChunksRemoved: removed,
	}, nil
}

func (o *Orchestrator) acquire(op, sourceID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[sourceID]; busy {
		return core.Conflict(op, fmt.Errorf("%w: source %s has a run in flight", core.ErrConflict, sourceID))
	}
	o.running[sourceID] = struct{}{}
	return nil
}

func (o *Orchestrator) release(sourceID string) {
	o.mu.Lock()
	delete(o.running, sourceID)
	o.mu.Unlock()
}

// loadSource fetches the source and enforces ownership when ownerID is set.
func (o *Orchestrator) forget(src *models.ContentSource) {
	if o.indexer != nil && o.indexer.Forget(src.OwnerID, src.ID) {
		o.logger.Debug("dropped source from search index", "source_id", src.ID)
	}
}

func (o *Orchestrator) loadSource(ctx context.Context, op, sourceID, ownerID string) (*models.ContentSource, error) {
	src, err := o.db.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && src.OwnerID != ownerID {
		return nil, core.Fatal(op, core.ErrForbidden)
	}
	return src, nil
}

func (o *Orchestrator) jobsByType(ctx context.Context, sourceID string) (map[models.JobType]*models.ProcessingJob, error) {
	list, err := o.db.ListJobs(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	jobs := make(map[models.JobType]*models.ProcessingJob, len(list))
	for i := range list {
		jobs[list[i].JobType] = &list[i]
	}
	for _, jt := range models.PipelineJobTypes {
		if jobs[jt] == nil {
			return nil, core.NotFound("load jobs", fmt.Errorf("%w: %s job of source %s", core.ErrNotFound, jt, sourceID))
		}
	}
	return jobs, nil
}

func (o *Orchestrator) start(ctx context.Context, job *models.ProcessingJob, from []models.JobStatus, progress int) error {
	now := o.now()
	next := models.JobState{Status: models.JobProcessing, Progress: progress, StartedAt: &now}
	if err := o.db.TransitionJob(ctx, job.ID, from, next); err != nil {
		return err
	}
	applyState(job, next)
	o.report(job)
	return nil
}

// setProgress doubles as the cancellation check: a cancelled job is no longer
// processing, so the guarded update fails.
func (o *Orchestrator) setProgress(ctx context.Context, job *models.ProcessingJob, progress int) error {
	if err := o.db.UpdateJobProgress(ctx, job.ID, progress); err != nil {
		return cancelled(err, job)
	}
	job.Progress = progress
	o.report(job)
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, job *models.ProcessingJob) error {
	now := o.now()
	next := models.JobState{Status: models.JobCompleted, Progress: 100, StartedAt: job.StartedAt, CompletedAt: &now}
	if err := o.db.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobProcessing}, next); err != nil {
		return cancelled(err, job)
	}
	applyState(job, next)
	o.report(job)
	return nil
}

// reset returns a job that is not running to a clean pending state.
func (o *Orchestrator) reset(ctx context.Context, job *models.ProcessingJob) error {
	if job.Status == models.JobPending && job.Progress == 0 && job.ErrorMessage == nil {
		return nil
	}
	from := []models.JobStatus{models.JobPending, models.JobCompleted, models.JobFailed}
	next := models.JobState{Status: models.JobPending}
	if err := o.db.TransitionJob(ctx, job.ID, from, next); err != nil {
		return err
	}
	applyState(job, next)
	o.report(job)
	return nil
}

// fail records cause on every job the run still holds and marks the source failed.
// Writes ignore ctx cancellation so a shutdown cannot leave jobs stuck in processing.
// A cancel request already failed the jobs, but the run may have marked the
// source processing after the cancel landed, so the source is still rewritten.
func (o *Orchestrator) fail(ctx context.Context, src *models.ContentSource, held []*models.ProcessingJob, cause error) {
	ctx = context.WithoutCancel(ctx)
	if errors.Is(cause, core.ErrCancelled) {
		o.logger.Info("run stopped by cancel request", "source_id", src.ID)
		if err := o.db.UpdateSourceStatus(ctx, src.ID, models.SourceFailed); err != nil {
			o.logger.Warn("could not mark source failed", "source_id", src.ID, "err", err)
			return
		}
		src.Status = models.SourceFailed
		return
	}
	msg := cause.Error()

	for _, job := range held {
		if job.Status != models.JobProcessing {
			continue
		}
		o.logger.Error("stage failed", "source_id", src.ID, "job_type", job.JobType, "kind", core.KindOf(cause), "err", cause)

		now := o.now()
		next := models.JobState{
			Status:       models.JobFailed,
			Progress:     job.Progress,
			ErrorMessage: &msg,
			StartedAt:    job.StartedAt,
			CompletedAt:  &now,
		}
		if err := o.db.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobProcessing}, next); err != nil {
			o.logger.Warn("could not mark job failed", "source_id", src.ID, "job_type", job.JobType, "err", err)
			continue
		}
		applyState(job, next)
		o.report(job)
	}

	if err := o.setSourceStatus(ctx, src, models.SourceFailed); err != nil {
		o.logger.Warn("could not mark source failed", "source_id", src.ID, "err", err)
	}
}

func (o *Orchestrator) setSourceStatus(ctx context.Context, src *models.ContentSource, status models.SourceStatus) error {
	if src.Status == status {
		return nil
	}
	if err := o.db.UpdateSourceStatus(ctx, src.ID, status); err != nil {
		return fmt.Errorf("update source status: %w", err)
	}
	src.Status = status
	return nil
}

func applyState(job *models.ProcessingJob, s models.JobState) {
	job.Status = s.Status
	job.Progress = s.Progress
	job.ErrorMessage = s.ErrorMessage
	job.StartedAt = s.StartedAt
	job.CompletedAt = s.CompletedAt
}

// cancelled maps a failed status guard inside a run to a cancellation: only a
// cancel request moves a job out of processing behind the run's back.
func cancelled(err error, job *models.ProcessingJob) error {
	if core.IsKind(err, core.KindConflict) {
		return core.Cancelled("run "+string(job.JobType), fmt.Errorf("%w: source %s", core.ErrCancelled, job.SourceID))
	}
	return err
}
