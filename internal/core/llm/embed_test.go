package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
)

const embeddingBody = `{
  "object": "list",
  "data": [
    {"object": "embedding", "index": 1, "embedding": [0.0, 1.0]},
    {"object": "embedding", "index": 0, "embedding": [1.0, 0.0]}
  ],
  "model": "text-embedding-3-small",
  "usage": {"prompt_tokens": 7, "total_tokens": 7}
}`

func embeddingServer(t *testing.T, code int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMissingCredentialIsFatal(t *testing.T) {
	ctx := context.Background()

	gem, err := NewGeminiEmbedder(ctx, "", "")
	require.NoError(t, err)
	_, err = gem.Embed(ctx, []string{"x"})
	assert.True(t, core.IsKind(err, core.KindFatal))
	assert.ErrorIs(t, err, core.ErrMissingCredential)

	oa := NewOpenAIEmbedder("", "", 0)
	_, err = oa.Embed(ctx, []string{"x"})
	assert.True(t, core.IsKind(err, core.KindFatal))
	assert.ErrorIs(t, err, core.ErrMissingCredential)
}

func TestOpenAIEmbedderOrdersByIndex(t *testing.T) {
	srv := embeddingServer(t, http.StatusOK, embeddingBody)
	e := NewOpenAIEmbedder("sk-test", "", 0, option.WithBaseURL(srv.URL+"/"))

	resp, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, resp.Embeddings)
	assert.Equal(t, 7, resp.TotalTokens)
	assert.Equal(t, "text-embedding-3-small", resp.Model)
}

func TestOpenAIEmbedderClassifiesStatus(t *testing.T) {
	cases := []struct {
		code int
		kind core.Kind
	}{
		{http.StatusTooManyRequests, core.KindTransient},
		{http.StatusBadGateway, core.KindTransient},
		{http.StatusUnauthorized, core.KindFatal},
		{http.StatusBadRequest, core.KindFatal},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.code), func(t *testing.T) {
			srv := embeddingServer(t, tc.code, `{"error":{"message":"nope","type":"x"}}`)
			e := NewOpenAIEmbedder("sk-test", "", 0, option.WithBaseURL(srv.URL+"/"))
			_, err := e.Embed(context.Background(), []string{"a"})
			require.Error(t, err)
			assert.Equal(t, tc.kind, core.KindOf(err))
		})
	}
}

func TestLocalEmbedder(t *testing.T) {
	srv := embeddingServer(t, http.StatusOK, embeddingBody)
	e, err := NewLocalEmbedder(srv.URL, "nomic-embed-text", nil)
	require.NoError(t, err)

	resp, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Len(t, resp.Embeddings, 2)
	assert.Equal(t, "nomic-embed-text", resp.Model)

	down := embeddingServer(t, http.StatusServiceUnavailable, `{"error":{"message":"loading model"}}`)
	e, err = NewLocalEmbedder(down.URL, "nomic-embed-text", nil)
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), []string{"a"})
	assert.True(t, core.IsKind(err, core.KindTransient))
}

func TestClassifyGRPC(t *testing.T) {
	assert.True(t, core.IsKind(classifyGRPC("op", status.Error(codes.ResourceExhausted, "quota")), core.KindTransient))
	assert.True(t, core.IsKind(classifyGRPC("op", status.Error(codes.Unavailable, "down")), core.KindTransient))

	err := classifyGRPC("op", fmt.Errorf("wrapped: %w", status.Error(codes.PermissionDenied, "bad key")))
	assert.True(t, core.IsKind(err, core.KindFatal))
	assert.ErrorIs(t, err, core.ErrMissingCredential)

	assert.True(t, core.IsKind(classifyGRPC("op", context.Canceled), core.KindCancelled))
	assert.True(t, core.IsKind(classifyGRPC("op", errors.New("boom")), core.KindFatal))
}

func TestClassifyMessage(t *testing.T) {
	err := classifyMessage("op", errors.New("API returned unexpected status code: 401: bad token"))
	assert.True(t, core.IsKind(err, core.KindFatal))
	err = classifyMessage("op", errors.New("network error: failed to reach API server"))
	assert.True(t, core.IsKind(err, core.KindTransient))
}
