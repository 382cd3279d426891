package llm

import (
	"context"
	"log/slog"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
)

// LocalEmbedder talks to an OpenAI-compatible host such as Ollama or LM Studio.
type LocalEmbedder struct {
	embedder  embeddings.Embedder
	modelName string
	logger    *slog.Logger
}

var _ core.EmbeddingProvider = (*LocalEmbedder)(nil)

func NewLocalEmbedder(host, modelName string, logger *slog.Logger) (*LocalEmbedder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// Local services ignore the token but the client requires one.
	client, err := openai.New(
		openai.WithBaseURL(host),
		openai.WithToken("none"),
		openai.WithEmbeddingModel(modelName),
	)
	if err != nil {
		return nil, err
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, err
	}
	return &LocalEmbedder{
		embedder:  embedder,
		modelName: modelName,
		logger:    logger.With("component", "local-embedder"),
	}, nil
}

func (e *LocalEmbedder) Model() string { return e.modelName }

func (e *LocalEmbedder) Embed(ctx context.Context, texts []string) (*core.EmbedResponse, error) {
	e.logger.Debug("generating embeddings for texts", "count", len(texts))
	if len(texts) == 0 {
		return &core.EmbedResponse{Model: e.modelName}, nil
	}

	vecs, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		e.logger.Error("failed to generate embeddings", "count", len(texts), "err", err)
		if ctx.Err() != nil {
			return nil, core.Cancelled("local embed", ctx.Err())
		}
		return nil, classifyMessage("local embed", err)
	}
	return &core.EmbedResponse{Embeddings: vecs, Model: e.modelName}, nil
}
