package gemini

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"shopsift/apps/ingest/internal/ingest"
)

// Embedder batches chunk texts through the Gemini embedding API. It
// implements ingest.Embedder; retry and batch sizing live in the batcher.
type Embedder struct {
	client *genai.Client
}

func NewEmbedder(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Embedder, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &Embedder{client: client}, nil
}

func (e *Embedder) EmbedBatch(ctx context.Context, model string, inputs []string) (*ingest.EmbedResult, error) {
	slog.DebugContext(ctx, "embedding batch", "model", model, "size", len(inputs))

	em := e.client.EmbeddingModel(model)
	batch := em.NewBatch()
	for _, input := range inputs {
		batch.AddContent(genai.Text(input))
	}

	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		slog.ErrorContext(ctx, "batch embedding failed", "model", model, "error", err)
		return nil, err
	}
	if len(res.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d, got %d", len(inputs), len(res.Embeddings))
	}

	vectors := make([][]float32, len(res.Embeddings))
	tokens := 0
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", i)
		}
		vectors[i] = emb.Values
		tokens += estimateTokens(inputs[i])
	}

	return &ingest.EmbedResult{Vectors: vectors, TotalTokens: tokens}, nil
}

func (e *Embedder) Close() error {
	return e.client.Close()
}

// estimateTokens approximates usage at ~4 characters per token; the batch
// embedding response does not report token counts.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		return 1
	}
	return n
}
