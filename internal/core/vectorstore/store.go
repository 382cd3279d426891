// Package vectorstore holds embedded documents and chunks in memory and answers
// similarity queries by linear scan.
package vectorstore

import (
	"errors"
	"math"
	"sort"
	"sync"
)

const (
	DefaultLimit     = 5
	DefaultThreshold = 0.7
)

var ErrMissingID = errors.New("document id is required")

// ResultKind tells whether a hit came from a whole document or one of its chunks.
type ResultKind string

const (
	KindDocument ResultKind = "document"
	KindChunk    ResultKind = "chunk"
)

// Document is a source-level entry. Embedding may be nil when only chunks are searchable.
type Document struct {
	ID        string
	Title     string
	Slug      string
	Embedding []float32
	Chunks    []Chunk
}

type Chunk struct {
	ID         string
	ChunkIndex int
	PageNumber int
	Text       string
	Embedding  []float32
}

// SearchResult carries a back-reference to the parent document for chunk hits.
type SearchResult struct {
	Kind          ResultKind `json:"kind"`
	DocumentID    string     `json:"document_id"`
	DocumentTitle string     `json:"document_title"`
	DocumentSlug  string     `json:"document_slug"`
	ChunkID       string     `json:"chunk_id,omitempty"`
	ChunkIndex    int        `json:"chunk_index,omitempty"`
	PageNumber    int        `json:"page_number,omitempty"`
	Text          string     `json:"text,omitempty"`
	Similarity    float64    `json:"similarity"`
}

type SearchOptions struct {
	Limit         int
	Threshold     float64
	IncludeChunks bool
}

type SearchOption func(*SearchOptions)

func WithLimit(n int) SearchOption {
	return func(o *SearchOptions) { o.Limit = n }
}

// WithThreshold sets the minimum cosine similarity a result must reach.
func WithThreshold(t float64) SearchOption {
	return func(o *SearchOptions) { o.Threshold = t }
}

func WithChunks(include bool) SearchOption {
	return func(o *SearchOptions) { o.IncludeChunks = include }
}

// chunkEntry is a stored chunk with its parent document.
type chunkEntry struct {
	doc   *Document
	chunk Chunk
}

// Store is safe for concurrent use. Construct one per tenant.
type Store struct {
	mu     sync.RWMutex
	docs   []*Document
	byID   map[string]int
	chunks []chunkEntry
}

func New() *Store {
	return &Store{byID: make(map[string]int)}
}

// Add stores doc, replacing any previous document with the same ID.
func (s *Store) Add(doc Document) error {
	if doc.ID == "" {
		return ErrMissingID
	}
	doc.Chunks = append([]Chunk(nil), doc.Chunks...)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(doc.ID)
	d := &doc
	s.byID[d.ID] = len(s.docs)
	s.docs = append(s.docs, d)
	for _, ch := range d.Chunks {
		s.chunks = append(s.chunks, chunkEntry{doc: d, chunk: ch})
	}
	return nil
}

// Remove drops a document and its chunks. It reports whether the document existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *Store) removeLocked(id string) bool {
	idx, ok := s.byID[id]
	if !ok {
		return false
	}
	s.docs = append(s.docs[:idx], s.docs[idx+1:]...)
	delete(s.byID, id)
	for i := idx; i < len(s.docs); i++ {
		s.byID[s.docs[i].ID] = i
	}

	kept := s.chunks[:0]
	for _, e := range s.chunks {
		if e.doc.ID != id {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(s.chunks); i++ {
		s.chunks[i] = chunkEntry{}
	}
	s.chunks = kept
	return true
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = nil
	s.chunks = nil
	s.byID = make(map[string]int)
}

// Len returns the number of stored documents and chunks.
func (s *Store) Len() (docs, chunks int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), len(s.chunks)
}

// Search ranks documents and, unless disabled, chunks by cosine similarity to query.
// Results below the threshold are dropped; at most Limit results are returned.
func (s *Store) Search(query []float32, opts ...SearchOption) []SearchResult {
	o := SearchOptions{Limit: DefaultLimit, Threshold: DefaultThreshold, IncludeChunks: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}

	s.mu.RLock()
	var results []SearchResult
	for _, d := range s.docs {
		if len(d.Embedding) == 0 {
			continue
		}
		if sim, ok := cosine(query, d.Embedding); ok && sim >= o.Threshold {
			results = append(results, SearchResult{
				Kind:          KindDocument,
				DocumentID:    d.ID,
				DocumentTitle: d.Title,
				DocumentSlug:  d.Slug,
				Similarity:    sim,
			})
		}
	}
	if o.IncludeChunks {
		for _, e := range s.chunks {
			if sim, ok := cosine(query, e.chunk.Embedding); ok && sim >= o.Threshold {
				results = append(results, SearchResult{
					Kind:          KindChunk,
					DocumentID:    e.doc.ID,
					DocumentTitle: e.doc.Title,
					DocumentSlug:  e.doc.Slug,
					ChunkID:       e.chunk.ID,
					ChunkIndex:    e.chunk.ChunkIndex,
					PageNumber:    e.chunk.PageNumber,
					Text:          e.chunk.Text,
					Similarity:    sim,
				})
			}
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > o.Limit {
		results = results[:o.Limit]
	}
	return results
}

// CosineSimilarity returns 0 for vectors of different length or zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	sim, _ := cosine(a, b)
	return sim
}

func cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

// Centroid returns the normalized mean of vecs, or nil when vecs is empty or ragged.
func Centroid(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	sum := make([]float64, dim)
	for _, v := range vecs {
		if len(v) != dim {
			return nil
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	var norm float64
	for _, x := range sum {
		norm += x * x
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	out := make([]float32, dim)
	for i, x := range sum {
		out[i] = float32(x / norm)
	}
	return out
}
