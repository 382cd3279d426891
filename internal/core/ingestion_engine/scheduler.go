package ingestion_engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

type TaskKind string

const (
	TaskProcess TaskKind = "process"
	TaskEmbed   TaskKind = "embed"
)

// Task is one discrete stage run for a source.
type Task struct {
	Kind     TaskKind
	SourceID string
	Force    bool
}

// TaskFor maps the stage a retry resumes at to the task that runs it.
func TaskFor(sourceID string, resumeAt models.JobType) Task {
	if resumeAt == models.JobEmbedding {
		return Task{Kind: TaskEmbed, SourceID: sourceID}
	}
	return Task{Kind: TaskProcess, SourceID: sourceID}
}

// Scheduler runs queued stage tasks on a bounded worker pool.
//
// tasks:     bounded in-memory queue (easy to swap with a broker later).
// pool:      ants pool sized by the worker count.
// autoEmbed: chain an embed task after every successful process task.
type Scheduler struct {
	ing       Ingestor
	pool      *ants.Pool
	tasks     chan Task
	autoEmbed bool
	logger    *slog.Logger
	wg        sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

func WithAutoEmbed(on bool) SchedulerOption {
	return func(s *Scheduler) { s.autoEmbed = on }
}

func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler constructs the scheduler with a bounded task queue (64).
func NewScheduler(ing Ingestor, workers int, opts ...SchedulerOption) (*Scheduler, error) {
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		ing:    ing,
		pool:   pool,
		tasks:  make(chan Task, 64),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s, nil
}

// Enqueue schedules a task.
// If the queue is full, this call blocks until space frees up or ctx ends.
func (s *Scheduler) Enqueue(ctx context.Context, t Task) error {
	select {
	case s.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start dispatches queued tasks until ctx is done, then waits for in-flight
// tasks and releases the pool. Tasks run detached from ctx so a shutdown
// lets them finish instead of failing their jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	defer s.pool.Release()
	runCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down, waiting for running tasks")
			s.wg.Wait()
			return nil
		case t := <-s.tasks:
			s.wg.Add(1)
			if err := s.pool.Submit(func() {
				defer s.wg.Done()
				s.run(runCtx, t)
			}); err != nil {
				s.wg.Done()
				s.logger.Error("could not submit task", "source_id", t.SourceID, "kind", t.Kind, "err", err)
			}
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t Task) {
	log := s.logger.With("source_id", t.SourceID, "kind", t.Kind)

	switch t.Kind {
	case TaskProcess:
		res, err := s.ing.ProcessSource(ctx, t.SourceID, ProcessOptions{ForceReprocess: t.Force})
		if err != nil {
			log.Error("process task failed", "err", err)
			return
		}
		log.Info("process task done", "chunks", res.ChunksCreated, "pages", res.PagesProcessed)
		if s.autoEmbed {
			s.chain(ctx, Task{Kind: TaskEmbed, SourceID: t.SourceID})
		}
	case TaskEmbed:
		res, err := s.ing.GenerateEmbeddings(ctx, t.SourceID, EmbedOptions{ForceReprocess: t.Force})
		if err != nil {
			log.Error("embed task failed", "err", err)
			return
		}
		log.Info("embed task done", "embedded", res.EmbeddingsGenerated, "remaining", res.Remaining)
	default:
		log.Warn("unknown task kind")
	}
}

// chain queues the follow-up task, running it inline when the queue is full so a
// worker never blocks on the queue it drains.
func (s *Scheduler) chain(ctx context.Context, next Task) {
	select {
	case s.tasks <- next:
	default:
		s.run(ctx, next)
	}
}
