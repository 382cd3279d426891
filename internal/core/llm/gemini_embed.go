package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
)

const DefaultGeminiModel = "text-embedding-004"

type GeminiEmbedder struct {
	client    *genai.Client
	modelName string
}

var _ core.EmbeddingProvider = (*GeminiEmbedder)(nil)

// NewGeminiEmbedder builds the client only when a key is present; without one
// every Embed call fails with a fatal credential error.
func NewGeminiEmbedder(ctx context.Context, apiKey, modelName string) (*GeminiEmbedder, error) {
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	g := &GeminiEmbedder{modelName: modelName}
	if apiKey == "" {
		return g, nil
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	g.client = cl
	return g, nil
}

func (g *GeminiEmbedder) Model() string { return g.modelName }

func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Embed batches all texts in one request via BatchEmbedContents.
// The API reports no token usage, so TotalTokens stays 0.
func (g *GeminiEmbedder) Embed(ctx context.Context, texts []string) (*core.EmbedResponse, error) {
	const op = "gemini embed"
	if g.client == nil {
		return nil, core.Fatal(op, fmt.Errorf("%w: GEMINI_API_KEY not set", core.ErrMissingCredential))
	}
	if len(texts) == 0 {
		return &core.EmbedResponse{Model: g.modelName}, nil
	}

	em := g.client.EmbeddingModel(g.modelName)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, classifyGRPC(op, fmt.Errorf("gemini batch embed: %w", err))
	}

	out := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		out = append(out, e.Values)
	}
	return &core.EmbedResponse{Embeddings: out, Model: g.modelName}, nil
}
