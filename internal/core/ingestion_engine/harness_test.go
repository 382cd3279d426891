package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/core/badgerdb"
	"github.com/markdave123-py/contexta-pipeline/internal/core/chunking"
	"github.com/markdave123-py/contexta-pipeline/internal/core/embedding"
	"github.com/markdave123-py/contexta-pipeline/internal/core/llm/mock"
	"github.com/markdave123-py/contexta-pipeline/internal/core/tokens"
	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

var samplePDF = []byte("%PDF-1.7\n1 0 obj <<>> endobj\ntrailer <<>>\n%%EOF\n")

type memObjects struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemObjects() *memObjects { return &memObjects{files: map[string][]byte{}} }

func (m *memObjects) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := "s3://test-bucket/" + key
	m.files[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (m *memObjects) Download(_ context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[ref]
	if !ok {
		return nil, core.NotFound("download", core.ErrNotFound)
	}
	return data, nil
}

func (m *memObjects) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, ref)
	return nil
}

// sentences builds n short sentences of roughly seven estimated tokens each.
func sentences(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("Sentence number %d is here.", i)
	}
	return strings.Join(parts, " ")
}

type harness struct {
	t        *testing.T
	store    *badgerdb.Store
	objects  *memObjects
	provider *mock.Provider
	orch     *Orchestrator
	logs     *bytes.Buffer

	mu     sync.Mutex
	events []ProgressEvent
	// body is returned by the PDF converter; pages are separated by form feeds.
	body string
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	ingest  IngestConfig
	convert ConvertFunc
	indexer Indexer
	wrapDB  func(core.DbClient) core.DbClient
}

func withConvert(fn ConvertFunc) harnessOption {
	return func(c *harnessConfig) { c.convert = fn }
}

func withIndexer(ix Indexer) harnessOption {
	return func(c *harnessConfig) { c.indexer = ix }
}

// withDB lets a test intercept store calls made by the orchestrator.
func withDB(wrap func(core.DbClient) core.DbClient) harnessOption {
	return func(c *harnessConfig) { c.wrapDB = wrap }
}

func withBatchSize(n int) harnessOption {
	return func(c *harnessConfig) { c.ingest.BatchSize = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	store, err := badgerdb.OpenInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		t:        t,
		store:    store,
		objects:  newMemObjects(),
		provider: mock.NewProvider(8),
		logs:     &bytes.Buffer{},
		body:     sentences(12) + "\f" + sentences(12),
	}

	cfg := harnessConfig{
		ingest: IngestConfig{
			Chunking:  chunking.Options{MaxTokens: 30, Overlap: 8, PreserveSentences: true},
			BatchSize: 20,
		},
	}
	cfg.convert = func(io.Reader) (string, map[string]string, error) {
		return h.body, map[string]string{"Pages": "2", "Title": "Sample"}, nil
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	gen := embedding.NewGenerator(h.provider,
		embedding.WithMaxAttempts(3),
		embedding.WithBackoff(time.Millisecond, 2*time.Millisecond),
		embedding.WithLogger(logger),
	)

	orchOpts := []Option{
		WithLogger(logger),
		WithProgressObserver(func(ev ProgressEvent) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		}),
	}
	if cfg.indexer != nil {
		orchOpts = append(orchOpts, WithIndexer(cfg.indexer))
	}

	var db core.DbClient = store
	if cfg.wrapDB != nil {
		db = cfg.wrapDB(store)
	}
	h.orch = NewOrchestrator(
		db, h.objects, NewPDFExtractorWith(cfg.convert),
		chunking.New(tokens.NewCounter()), gen, cfg.ingest, orchOpts...,
	)
	return h
}

// register uploads samplePDF for owner and registers the source.
func (h *harness) register(owner string) *models.ContentSource {
	h.t.Helper()
	ref, err := h.objects.Upload(context.Background(), owner+"/doc.pdf", samplePDF, "application/pdf")
	require.NoError(h.t, err)
	src := &models.ContentSource{OwnerID: owner, FileName: "doc.pdf", FileRef: ref, ContentType: "application/pdf"}
	require.NoError(h.t, h.orch.RegisterSource(context.Background(), src))
	return src
}

func (h *harness) job(sourceID string, jt models.JobType) *models.ProcessingJob {
	h.t.Helper()
	j, err := h.store.GetJob(context.Background(), sourceID, jt)
	require.NoError(h.t, err)
	return j
}

func (h *harness) source(id string) *models.ContentSource {
	h.t.Helper()
	src, err := h.store.GetSource(context.Background(), id)
	require.NoError(h.t, err)
	return src
}

// progressOf lists the progress values reported for one job type, in order.
func (h *harness) progressOf(jt models.JobType) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []int
	for _, ev := range h.events {
		if ev.JobType == jt {
			out = append(out, ev.Progress)
		}
	}
	return out
}

func (h *harness) retryLines() int {
	return strings.Count(h.logs.String(), "embedding request failed, retrying")
}

type recordingIndexer struct {
	mu        sync.Mutex
	indexed   []string
	forgotten []string
}

func (r *recordingIndexer) IndexSource(_ context.Context, src *models.ContentSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, src.ID)
	return nil
}

func (r *recordingIndexer) Forget(_, sourceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgotten = append(r.forgotten, sourceID)
	return true
}

// cancelOnProcessing runs cancel right before the orchestrator marks a source
// processing, landing a cancel between the job and source writes of a run.
type cancelOnProcessing struct {
	core.DbClient
	armed  bool
	cancel func(sourceID string)
}

func (c *cancelOnProcessing) UpdateSourceStatus(ctx context.Context, id string, status models.SourceStatus) error {
	if c.armed && status == models.SourceProcessing {
		c.armed = false
		c.cancel(id)
	}
	return c.DbClient.UpdateSourceStatus(ctx, id, status)
}
