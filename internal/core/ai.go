package core

import "context"

// EmbedResponse is what a provider returns for one batch request.
// Embeddings[i] belongs to texts[i].
type EmbedResponse struct {
	Embeddings  [][]float32
	Model       string
	TotalTokens int
}

// EmbeddingProvider is the external embedding API.
// Implementations return a KindFatal error wrapping ErrMissingCredential when no
// key is configured and a KindTransient error for network or rate-limit failures.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) (*EmbedResponse, error)
	Model() string
}
