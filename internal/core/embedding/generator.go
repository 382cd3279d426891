// Package embedding turns chunk texts into vectors through a core.EmbeddingProvider,
// with bounded retries on transient provider failures.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/core/tokens"
)

const (
	// DefaultBatchSize bounds per-request latency and memory.
	DefaultBatchSize   = 20
	DefaultMaxAttempts = 4

	// DefaultPricePerMTok applies to models missing from pricePerMTok.
	DefaultPricePerMTok = 0.02
)

// USD per million input tokens. Informational only.
var pricePerMTok = map[string]float64{
	"text-embedding-3-small": 0.02,
	"text-embedding-3-large": 0.13,
	"text-embedding-ada-002": 0.10,
	"gemini-embedding-001":   0.15,
	"text-embedding-004":     0.0,
	"embedding-001":          0.0,
	"nomic-embed-text":       0.0,
}

// PricePerMTok returns the known rate for model.
func PricePerMTok(model string) float64 {
	if p, ok := pricePerMTok[model]; ok {
		return p
	}
	return DefaultPricePerMTok
}

// Result carries vectors aligned with the input texts plus usage metadata.
type Result struct {
	Embeddings   [][]float32 `json:"-"`
	Model        string      `json:"model"`
	TotalTokens  int         `json:"total_tokens"`
	CostEstimate float64     `json:"cost_estimate"`
	Attempts     int         `json:"attempts"`
}

// Dimensions returns the vector length, 0 when empty.
func (r *Result) Dimensions() int {
	if r == nil || len(r.Embeddings) == 0 {
		return 0
	}
	return len(r.Embeddings[0])
}

type Generator struct {
	provider        core.EmbeddingProvider
	price           float64 // USD per million tokens; <= 0 uses the model table
	dimensions      int     // 0 accepts whatever the provider returns
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          *slog.Logger
}

type Option func(*Generator)

func WithPricePerMTok(price float64) Option {
	return func(g *Generator) { g.price = price }
}

// WithDimensions rejects responses whose vectors differ from n components.
func WithDimensions(n int) Option {
	return func(g *Generator) { g.dimensions = n }
}

func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(g *Generator) {
		g.initialInterval = initial
		g.maxInterval = maxInterval
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewGenerator(provider core.EmbeddingProvider, opts ...Option) *Generator {
	g := &Generator{
		provider:        provider,
		maxAttempts:     DefaultMaxAttempts,
		initialInterval: 500 * time.Millisecond,
		maxInterval:     10 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "embedding-generator")
	return g
}

func (g *Generator) Model() string { return g.provider.Model() }

// Generate issues a single provider request for texts.
func (g *Generator) Generate(ctx context.Context, texts []string) (*Result, error) {
	if len(texts) == 0 {
		return &Result{Model: g.provider.Model()}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := g.provider.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding size mismatch: provider returned %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}

	dims := g.dimensions
	for i, vec := range resp.Embeddings {
		if len(vec) == 0 {
			return nil, fmt.Errorf("empty embedding for text %d", i)
		}
		if dims == 0 {
			dims = len(vec)
		}
		if len(vec) != dims {
			return nil, fmt.Errorf("embedding %d has %d dimensions, want %d", i, len(vec), dims)
		}
	}

	model := resp.Model
	if model == "" {
		model = g.provider.Model()
	}
	used := resp.TotalTokens
	if used <= 0 {
		for _, t := range texts {
			used += tokens.Estimate(t)
		}
	}

	price := g.price
	if price <= 0 {
		price = PricePerMTok(model)
	}

	return &Result{
		Embeddings:   resp.Embeddings,
		Model:        model,
		TotalTokens:  used,
		CostEstimate: float64(used) * price / 1_000_000,
		Attempts:     1,
	}, nil
}

// GenerateWithRetry re-issues Generate on KindTransient errors with exponential
// backoff, up to the configured attempts. Any other error, including a missing
// credential, returns after the first attempt.
func (g *Generator) GenerateWithRetry(ctx context.Context, texts []string) (*Result, error) {
	var (
		res      *Result
		attempts int
	)

	op := func() error {
		attempts++
		r, err := g.Generate(ctx, texts)
		if err == nil {
			res = r
			return nil
		}
		if core.IsKind(err, core.KindTransient) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.initialInterval
	b.MaxInterval = g.maxInterval
	b.MaxElapsedTime = 0 // bounded by attempts

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.maxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		g.logger.Warn("embedding request failed, retrying",
			"attempt", attempts, "max_attempts", g.maxAttempts, "backoff", wait, "texts", len(texts), "err", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, fmt.Errorf("embedding failed after %d attempt(s): %w", attempts, err)
	}
	res.Attempts = attempts
	return res, nil
}
