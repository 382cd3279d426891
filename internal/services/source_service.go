package services

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

// Enqueuer schedules stage tasks; *ingestion_engine.Scheduler satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, t ingestion_engine.Task) error
}

// SourceService handles uploads and the owner-facing source listing.
type SourceService struct {
	db      core.DbClient
	storage core.ObjectClient
	ing     ingestion_engine.Ingestor
	queue   Enqueuer
	logger  *slog.Logger
}

func NewSourceService(db core.DbClient, storage core.ObjectClient, ing ingestion_engine.Ingestor, queue Enqueuer, logger *slog.Logger) *SourceService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceService{db: db, storage: storage, ing: ing, queue: queue, logger: logger.With("component", "sources")}
}

// Upload stores the file, registers the source with its pending jobs and
// schedules processing. Only PDFs are accepted.
func (s *SourceService) Upload(ctx context.Context, ownerID, filename, contentType string, data []byte) (*models.ContentSource, error) {
	const op = "upload source"
	if ownerID == "" {
		return nil, core.Fatal(op, core.ErrForbidden)
	}
	if len(data) == 0 {
		return nil, core.Fatal(op, fmt.Errorf("%w: empty file", core.ErrInvalidDocument))
	}
	contentType, err := pdfContentType(filename, contentType)
	if err != nil {
		return nil, core.Fatal(op, err)
	}

	id := uuid.NewString()
	ref, err := s.storage.Upload(ctx, objectKey(ownerID, id, filename), data, contentType)
	if err != nil {
		return nil, fmt.Errorf("store file: %w", err)
	}

	src := &models.ContentSource{
		ID:          id,
		OwnerID:     ownerID,
		Type:        models.SourceTypePDF,
		FileName:    filepath.Base(filename),
		FileRef:     ref,
		ContentType: contentType,
		Metadata:    map[string]any{"size_bytes": len(data)},
	}
	if err := s.ing.RegisterSource(ctx, src); err != nil {
		if derr := s.storage.Delete(context.WithoutCancel(ctx), ref); derr != nil {
			s.logger.Warn("could not delete orphaned upload", "file_ref", ref, "err", derr)
		}
		return nil, err
	}

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, ingestion_engine.Task{Kind: ingestion_engine.TaskProcess, SourceID: src.ID}); err != nil {
			// The source stays pending; process can be triggered explicitly.
			s.logger.Warn("could not schedule processing", "source_id", src.ID, "err", err)
		}
	}
	return src, nil
}

func (s *SourceService) List(ctx context.Context, ownerID string) ([]models.ContentSource, error) {
	return s.db.ListSourcesByOwner(ctx, ownerID)
}

// Retry resets the failed stages of a source and schedules the first of them.
func (s *SourceService) Retry(ctx context.Context, sourceID, ownerID string) (*ingestion_engine.RetryResult, error) {
	res, err := s.ing.Retry(ctx, sourceID, ownerID)
	if err != nil {
		return nil, err
	}
	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, ingestion_engine.TaskFor(sourceID, res.ResumeAt)); err != nil {
			return res, fmt.Errorf("schedule retry: %w", err)
		}
	}
	return res, nil
}

func pdfContentType(filename, contentType string) (string, error) {
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err == nil && mt == "application/pdf" {
			return mt, nil
		}
		if err == nil && mt != "application/octet-stream" {
			return "", fmt.Errorf("%w: unsupported content type %q", core.ErrInvalidDocument, contentType)
		}
	}
	if strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return "application/pdf", nil
	}
	return "", fmt.Errorf("%w: only PDF files are supported", core.ErrInvalidDocument)
}

// objectKey creates a consistent S3 key layout.
func objectKey(ownerID, sourceID, filename string) string {
	filename = strings.TrimSpace(filepath.Base(filename))
	filename = strings.ReplaceAll(filename, " ", "_")
	return path.Join("users", ownerID, "sources", sourceID, filename)
}
