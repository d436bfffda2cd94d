package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"shopsift/apps/ingest/internal/resilience"
)

// PendingChunk is a chunk awaiting embedding. Index is its position in the
// chunked document and survives batching and retries.
type PendingChunk struct {
	Index int
	Text  string
}

// EmbeddedChunk pairs a pending chunk with its vector. Tokens is this chunk's
// share of the batch's aggregate token count, an even ceiling split — the
// provider reports usage per call, not per input, so this is an approximation
// for cost attribution, not exact accounting.
type EmbeddedChunk struct {
	Index  int
	Vector []float32
	Tokens int
}

// Batcher groups pending chunks into bounded batches and submits them
// sequentially to the embedding provider, each call wrapped by the retry
// policy.
type Batcher struct {
	embedder Embedder
	model    string
	maxBatch int
	retry    resilience.RetryConfig
}

func NewBatcher(embedder Embedder, model string, maxBatch int, retry resilience.RetryConfig) *Batcher {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	return &Batcher{embedder: embedder, model: model, maxBatch: maxBatch, retry: retry}
}

// EmbedAll embeds every pending chunk and returns the results ordered by
// original chunk index, plus the summed provider token count. A failed batch
// aborts the remaining batches; the caller commits nothing to the vector
// store unless the whole step succeeds.
func (b *Batcher) EmbedAll(ctx context.Context, chunks []PendingChunk) ([]EmbeddedChunk, int, error) {
	if len(chunks) == 0 {
		return nil, 0, nil
	}

	var (
		embedded    []EmbeddedChunk
		totalTokens int
	)

	for start := 0; start < len(chunks); start += b.maxBatch {
		end := start + b.maxBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		inputs := make([]string, len(batch))
		for i, c := range batch {
			inputs[i] = c.Text
		}

		var res *EmbedResult
		err := resilience.Do(ctx, "embed batch", b.retry, func(ctx context.Context) error {
			var callErr error
			res, callErr = b.embedder.EmbedBatch(ctx, b.model, inputs)
			return callErr
		})
		if err != nil {
			return nil, 0, fmt.Errorf("embedding batch starting at chunk %d: %w", batch[0].Index, err)
		}
		if len(res.Vectors) != len(batch) {
			return nil, 0, fmt.Errorf("embedding batch returned %d vectors for %d inputs", len(res.Vectors), len(batch))
		}

		perChunk := ceilDiv(res.TotalTokens, len(batch))
		for i, c := range batch {
			embedded = append(embedded, EmbeddedChunk{
				Index:  c.Index,
				Vector: res.Vectors[i],
				Tokens: perChunk,
			})
		}
		totalTokens += res.TotalTokens

		slog.DebugContext(ctx, "embedded batch", "size", len(batch), "tokens", res.TotalTokens)
	}

	// Batching and retries may return results out of submission order;
	// stored chunk indexes must stay contiguous and monotonic.
	sort.Slice(embedded, func(i, j int) bool { return embedded[i].Index < embedded[j].Index })

	return embedded, totalTokens, nil
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
