package services

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/core/embedding"
	"github.com/markdave123-py/contexta-pipeline/internal/core/vectorstore"
	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

// SearchService keeps one in-memory vector store per owner, filled from
// completed sources.
type SearchService struct {
	db       core.DbClient
	embedder *embedding.Generator
	logger   *slog.Logger

	mu     sync.Mutex
	stores map[string]*vectorstore.Store
}

func NewSearchService(db core.DbClient, embedder *embedding.Generator, logger *slog.Logger) *SearchService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchService{
		db:       db,
		embedder: embedder,
		logger:   logger.With("component", "search"),
		stores:   make(map[string]*vectorstore.Store),
	}
}

// SearchRequest carries either a query embedding or query text.
// Nil Threshold and IncludeChunks take the store defaults.
type SearchRequest struct {
	Query         string    `json:"query,omitempty"`
	Embedding     []float32 `json:"embedding,omitempty"`
	Limit         int       `json:"limit,omitempty"`
	Threshold     *float64  `json:"threshold,omitempty"`
	IncludeChunks *bool     `json:"include_chunks,omitempty"`
}

func (s *SearchService) store(ownerID string) *vectorstore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[ownerID]
	if !ok {
		st = vectorstore.New()
		s.stores[ownerID] = st
	}
	return st
}

// IndexSource loads the embedded chunks of src into its owner's store, replacing
// an earlier entry for the same source.
func (s *SearchService) IndexSource(ctx context.Context, src *models.ContentSource) error {
	chunks, err := s.db.ListChunks(ctx, src.ID)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}

	doc := vectorstore.Document{ID: src.ID, Title: src.FileName, Slug: Slugify(src.FileName)}
	vecs := make([][]float32, 0, len(chunks))
	for _, c := range chunks {
		if !c.HasEmbedding() {
			continue
		}
		page := 0
		if c.PageNumber != nil {
			page = *c.PageNumber
		}
		doc.Chunks = append(doc.Chunks, vectorstore.Chunk{
			ID:         c.ID,
			ChunkIndex: c.ChunkIndex,
			PageNumber: page,
			Text:       c.ChunkText,
			Embedding:  c.Embedding,
		})
		vecs = append(vecs, c.Embedding)
	}
	if len(doc.Chunks) == 0 {
		return core.Validation("index source", fmt.Errorf("%w: source %s has no embedded chunks", core.ErrNoChunks, src.ID))
	}
	doc.Embedding = vectorstore.Centroid(vecs)

	if err := s.store(src.OwnerID).Add(doc); err != nil {
		return err
	}
	s.logger.Info("source indexed", "source_id", src.ID, "owner_id", src.OwnerID, "chunks", len(doc.Chunks))
	return nil
}

// Rebuild indexes every completed source. Sources that fail to index are skipped.
func (s *SearchService) Rebuild(ctx context.Context) (int, error) {
	srcs, err := s.db.ListSourcesByStatus(ctx, models.SourceCompleted)
	if err != nil {
		return 0, err
	}
	indexed := 0
	for i := range srcs {
		if err := s.IndexSource(ctx, &srcs[i]); err != nil {
			s.logger.Warn("skipping source during rebuild", "source_id", srcs[i].ID, "err", err)
			continue
		}
		indexed++
	}
	return indexed, nil
}

// Forget removes a source from its owner's store.
func (s *SearchService) Forget(ownerID, sourceID string) bool {
	return s.store(ownerID).Remove(sourceID)
}

// Search ranks the owner's documents and chunks against the query.
func (s *SearchService) Search(ctx context.Context, ownerID string, req SearchRequest) ([]vectorstore.SearchResult, error) {
	const op = "search"
	query := req.Embedding
	if len(query) == 0 {
		text := strings.TrimSpace(req.Query)
		if text == "" {
			return nil, core.Validation(op, fmt.Errorf("query text or embedding is required"))
		}
		if s.embedder == nil {
			return nil, core.Fatal(op, fmt.Errorf("text queries need an embedding provider"))
		}
		res, err := s.embedder.GenerateWithRetry(ctx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		query = res.Embeddings[0]
	}

	var opts []vectorstore.SearchOption
	if req.Limit > 0 {
		opts = append(opts, vectorstore.WithLimit(req.Limit))
	}
	if req.Threshold != nil {
		opts = append(opts, vectorstore.WithThreshold(*req.Threshold))
	}
	if req.IncludeChunks != nil {
		opts = append(opts, vectorstore.WithChunks(*req.IncludeChunks))
	}
	return s.store(ownerID).Search(query, opts...), nil
}

// Slugify derives a URL-safe slug from a file name without its extension.
func Slugify(name string) string {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
