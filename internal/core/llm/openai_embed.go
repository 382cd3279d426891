package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
)

const DefaultOpenAIModel = "text-embedding-3-small"

// OpenAIEmbedder reports real token usage, so cost estimates are exact.
type OpenAIEmbedder struct {
	client     *openai.Client
	modelName  string
	dimensions int
}

var _ core.EmbeddingProvider = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder disables the SDK's own retries; the generator owns retry policy.
func NewOpenAIEmbedder(apiKey, modelName string, dimensions int, opts ...option.RequestOption) *OpenAIEmbedder {
	if modelName == "" {
		modelName = DefaultOpenAIModel
	}
	e := &OpenAIEmbedder{modelName: modelName, dimensions: dimensions}
	if apiKey == "" {
		return e
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	client := openai.NewClient(opts...)
	e.client = &client
	return e
}

func (e *OpenAIEmbedder) Model() string { return e.modelName }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) (*core.EmbedResponse, error) {
	const op = "openai embed"
	if e.client == nil {
		return nil, core.Fatal(op, fmt.Errorf("%w: OPENAI_API_KEY not set", core.ErrMissingCredential))
	}
	if len(texts) == 0 {
		return &core.EmbedResponse{Model: e.modelName}, nil
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.modelName),
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, classifyHTTP(op, apiErr.StatusCode, err)
		}
		return nil, classifyNetwork(op, err)
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, core.Fatal(op, fmt.Errorf("embedding index %d out of range", d.Index))
		}
		out[d.Index] = toFloat32(d.Embedding)
	}
	model := resp.Model
	if model == "" {
		model = e.modelName
	}
	return &core.EmbedResponse{Embeddings: out, Model: model, TotalTokens: int(resp.Usage.TotalTokens)}, nil
}

// toFloat32 converts []float64 to []float32.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
