package embedding

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/core/llm/mock"
)

func newTestGenerator(p core.EmbeddingProvider, logs *bytes.Buffer, opts ...Option) *Generator {
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	base := []Option{WithLogger(logger), WithBackoff(time.Millisecond, 5*time.Millisecond), WithMaxAttempts(3)}
	return NewGenerator(p, append(base, opts...)...)
}

func retryLines(logs *bytes.Buffer) int {
	return strings.Count(logs.String(), "embedding request failed, retrying")
}

func TestGenerateAlignsAndPrices(t *testing.T) {
	p := mock.NewProvider(4)
	p.EmbedFunc = func(ctx context.Context, texts []string) (*core.EmbedResponse, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{float32(i), 1, 0, 0}
		}
		return &core.EmbedResponse{Embeddings: out, Model: "text-embedding-3-small", TotalTokens: 500_000}, nil
	}
	g := newTestGenerator(p, &bytes.Buffer{})

	res, err := g.Generate(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	require.Len(t, res.Embeddings, 3)
	for i, v := range res.Embeddings {
		assert.Equal(t, float32(i), v[0], "output %d out of order", i)
	}
	assert.Equal(t, "text-embedding-3-small", res.Model)
	assert.Equal(t, 500_000, res.TotalTokens)
	assert.InDelta(t, 0.01, res.CostEstimate, 1e-12)
	assert.Equal(t, 4, res.Dimensions())
}

func TestGenerateConfiguredPriceAndEstimatedTokens(t *testing.T) {
	p := mock.NewProvider(4)
	p.EmbedFunc = func(ctx context.Context, texts []string) (*core.EmbedResponse, error) {
		return &core.EmbedResponse{Embeddings: [][]float32{{1, 0}}}, nil
	}
	g := newTestGenerator(p, &bytes.Buffer{}, WithPricePerMTok(1_000_000))

	res, err := g.Generate(context.Background(), []string{"abcdefgh"})
	require.NoError(t, err)
	assert.Equal(t, mock.ModelName, res.Model)
	assert.Equal(t, 2, res.TotalTokens)
	assert.InDelta(t, 2.0, res.CostEstimate, 1e-9)
}

func TestGenerateEmptyInputSkipsProvider(t *testing.T) {
	p := mock.NewProvider(4)
	g := newTestGenerator(p, &bytes.Buffer{})

	res, err := g.Generate(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Embeddings)
	assert.Zero(t, p.CallCount())
}

func TestGenerateRejectsMisalignedResponses(t *testing.T) {
	cases := map[string][][]float32{
		"count":      {{1, 2}},
		"dimensions": {{1, 2}, {1, 2, 3}},
		"empty":      {{1, 2}, {}},
	}
	for name, vecs := range cases {
		t.Run(name, func(t *testing.T) {
			p := mock.NewProvider(2)
			p.EmbedFunc = func(ctx context.Context, texts []string) (*core.EmbedResponse, error) {
				return &core.EmbedResponse{Embeddings: vecs}, nil
			}
			_, err := newTestGenerator(p, &bytes.Buffer{}).Generate(context.Background(), []string{"a", "b"})
			assert.Error(t, err)
		})
	}

	p := mock.NewProvider(3)
	_, err := newTestGenerator(p, &bytes.Buffer{}, WithDimensions(5)).Generate(context.Background(), []string{"a"})
	assert.Error(t, err)
}

func TestGenerateWithRetryCredentialErrorIsNotRetried(t *testing.T) {
	p := mock.NewProvider(4)
	p.EmbedFunc = func(ctx context.Context, texts []string) (*core.EmbedResponse, error) {
		return nil, core.Fatal("embed", core.ErrMissingCredential)
	}
	logs := &bytes.Buffer{}
	g := newTestGenerator(p, logs)

	_, err := g.GenerateWithRetry(context.Background(), []string{"a"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrMissingCredential))
	assert.True(t, core.IsKind(err, core.KindFatal))
	assert.Equal(t, 1, p.CallCount())
	assert.Zero(t, retryLines(logs))
}

func TestGenerateWithRetryRateLimitExhausts(t *testing.T) {
	p := mock.NewProvider(4)
	p.EmbedFunc = func(ctx context.Context, texts []string) (*core.EmbedResponse, error) {
		return nil, core.Transient("embed", errors.New("429 too many requests"))
	}
	logs := &bytes.Buffer{}
	g := newTestGenerator(p, logs)

	_, err := g.GenerateWithRetry(context.Background(), []string{"a"})

	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTransient))
	assert.Contains(t, err.Error(), "after 3 attempt(s)")
	assert.Equal(t, 3, p.CallCount())
	assert.Equal(t, 2, retryLines(logs))
}

func TestGenerateWithRetryRecovers(t *testing.T) {
	p := mock.NewProvider(4)
	calls := 0
	p.EmbedFunc = func(ctx context.Context, texts []string) (*core.EmbedResponse, error) {
		calls++
		if calls == 1 {
			return nil, core.Transient("embed", errors.New("connection reset"))
		}
		return &core.EmbedResponse{Embeddings: [][]float32{{1, 0}}, TotalTokens: 3}, nil
	}
	logs := &bytes.Buffer{}
	g := newTestGenerator(p, logs)

	res, err := g.GenerateWithRetry(context.Background(), []string{"a"})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, retryLines(logs))
}

func TestGenerateWithRetryHonoursCancellation(t *testing.T) {
	p := mock.NewProvider(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestGenerator(p, &bytes.Buffer{}).GenerateWithRetry(ctx, []string{"a"})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.CallCount())
}
