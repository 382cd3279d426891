// Package mock provides a test double for core.EmbeddingProvider.
//
// The default behaviour returns deterministic unit vectors derived from an FNV
// hash of each text, so the same text always embeds to the same vector.
//
//	p := mock.NewProvider(8)
//	p.EmbedFunc = func(ctx context.Context, texts []string) (*core.EmbedResponse, error) {
//	    return nil, core.Transient("embed", errors.New("429"))
//	}
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/core/tokens"
)

const ModelName = "mock-embedding"

type Provider struct {
	// EmbedFunc replaces the default behaviour when set.
	EmbedFunc func(ctx context.Context, texts []string) (*core.EmbedResponse, error)

	dim int

	mu     sync.Mutex
	calls  int
	inputs [][]string
}

var _ core.EmbeddingProvider = (*Provider)(nil)

func NewProvider(dim int) *Provider {
	if dim <= 0 {
		dim = 8
	}
	return &Provider{dim: dim}
}

func (p *Provider) Model() string { return ModelName }

func (p *Provider) Embed(ctx context.Context, texts []string) (*core.EmbedResponse, error) {
	p.mu.Lock()
	p.calls++
	p.inputs = append(p.inputs, append([]string(nil), texts...))
	fn := p.EmbedFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, texts)
	}

	resp := &core.EmbedResponse{Model: ModelName, Embeddings: make([][]float32, len(texts))}
	for i, t := range texts {
		resp.Embeddings[i] = Vector(t, p.dim)
		resp.TotalTokens += tokens.Estimate(t)
	}
	return resp, nil
}

// CallCount returns the number of Embed calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Inputs returns the texts of every Embed call in order.
func (p *Provider) Inputs() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]string(nil), p.inputs...)
}

// Vector is the deterministic unit vector the default behaviour returns for text.
func Vector(text string, dim int) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()

	v := make([]float32, dim)
	var sum float64
	for i := range v {
		seed = seed*1664525 + 1013904223 // LCG
		v[i] = float32(seed%1000)/1000.0 + 0.001
		sum += float64(v[i]) * float64(v[i])
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
