package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/contexta-pipeline/internal/api/handlers"
	"github.com/markdave123-py/contexta-pipeline/internal/config"
	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/core/badgerdb"
	"github.com/markdave123-py/contexta-pipeline/internal/core/chunking"
	db "github.com/markdave123-py/contexta-pipeline/internal/core/database"
	"github.com/markdave123-py/contexta-pipeline/internal/core/embedding"
	"github.com/markdave123-py/contexta-pipeline/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta-pipeline/internal/core/llm"
	objectclient "github.com/markdave123-py/contexta-pipeline/internal/core/object-client"
	"github.com/markdave123-py/contexta-pipeline/internal/core/tokens"
	"github.com/markdave123-py/contexta-pipeline/internal/services"
)

type App struct {
	Config    *config.Config
	Store     core.DbClient
	Objects   core.ObjectClient
	Ingestor  *ingestion_engine.Orchestrator
	Scheduler *ingestion_engine.Scheduler
	Sources   *services.SourceService
	Search    *services.SearchService
	Server    *Server

	logger  *slog.Logger
	closers []func() error
}

func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{Config: cfg, logger: logger}

	store, err := openStore(appCtx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	logger.Info("record store ready", "driver", cfg.StoreDriver)

	objects, err := objectclient.NewS3Client(appCtx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Objects = objects
	logger.Info("object client ready", "bucket", cfg.BucketName)

	provider, err := newEmbeddingProvider(appCtx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("couldn't initialize the embedder, %w", err)
	}
	if c, ok := provider.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	genOpts := []embedding.Option{
		embedding.WithMaxAttempts(cfg.EmbedMaxAttempts),
		embedding.WithLogger(logger),
	}
	if cfg.EmbedPricePerMT > 0 {
		genOpts = append(genOpts, embedding.WithPricePerMTok(cfg.EmbedPricePerMT))
	}
	if cfg.EmbedDim > 0 {
		genOpts = append(genOpts, embedding.WithDimensions(cfg.EmbedDim))
	}
	generator := embedding.NewGenerator(provider, genOpts...)

	ingCfg := ingestion_engine.DefaultIngestConfig()
	ingCfg.Chunking = chunking.Options{
		MaxTokens:         cfg.ChunkMaxTokens,
		Overlap:           cfg.ChunkOverlap,
		PreserveSentences: true,
		Model:             cfg.EmbedModel,
	}
	ingCfg.BatchSize = cfg.EmbedBatchSize

	a.Search = services.NewSearchService(store, generator, logger)
	a.Ingestor = ingestion_engine.NewOrchestrator(
		store, objects, ingestion_engine.NewPDFExtractor(),
		chunking.New(tokens.NewCounter(tokens.WithLogger(logger))),
		generator, ingCfg,
		ingestion_engine.WithLogger(logger),
		ingestion_engine.WithIndexer(a.Search),
		ingestion_engine.WithProgressObserver(func(ev ingestion_engine.ProgressEvent) {
			logger.Debug("job progress",
				"source_id", ev.SourceID, "job_type", ev.JobType, "status", ev.Status, "progress", ev.Progress)
		}),
	)

	a.Scheduler, err = ingestion_engine.NewScheduler(a.Ingestor, cfg.Workers,
		ingestion_engine.WithAutoEmbed(cfg.AutoEmbed),
		ingestion_engine.WithSchedulerLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Sources = services.NewSourceService(store, objects, a.Ingestor, a.Scheduler, logger)

	router := NewRouter(Routes{
		Sources:     handlers.NewSourceHandler(a.Sources, a.Ingestor, logger),
		Search:      handlers.NewSearchHandler(a.Search, logger),
		JWTSecret:   []byte(cfg.JWTSecret),
		CORSOrigins: cfg.CORSOrigins,
	})
	a.Server = NewServer(cfg.Port, router, logger)
	return a, nil
}

// Run serves HTTP and drains the task queue until ctx is done, then shuts both down.
func (a *App) Run(ctx context.Context) error {
	if n, err := a.Search.Rebuild(ctx); err != nil {
		a.logger.Warn("search index rebuild failed", "err", err)
	} else {
		a.logger.Info("search index rebuilt", "sources", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Scheduler.Start(gctx) })
	g.Go(a.Server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (core.DbClient, error) {
	switch cfg.StoreDriver {
	case config.StoreBadger:
		if cfg.BadgerPath == "" {
			return badgerdb.OpenInMemory(logger)
		}
		return badgerdb.Open(cfg.BadgerPath, logger)
	case config.StorePostgres:
		return db.NewDatabaseClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newEmbeddingProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (core.EmbeddingProvider, error) {
	switch cfg.EmbedProvider {
	case config.ProviderGemini:
		return llm.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbedModel)
	case config.ProviderOpenAI:
		return llm.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbedModel, cfg.EmbedDim), nil
	case config.ProviderLocal:
		return llm.NewLocalEmbedder(cfg.LocalEmbedHost, cfg.EmbedModel, logger)
	default:
		return nil, errors.New("unknown embedding provider " + cfg.EmbedProvider)
	}
}
