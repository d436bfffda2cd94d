package ingest

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopsift/apps/ingest/features/event"
	"shopsift/apps/ingest/internal/config"
	"shopsift/apps/ingest/internal/resilience"
	"shopsift/apps/ingest/internal/text"
)

// fakeLedger reproduces the ledger's uniqueness semantics in memory so the
// insert race can be exercised without a database.
type fakeLedger struct {
	mu   sync.Mutex
	rows map[string]*event.Event
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[string]*event.Event)}
}

func key(siteID, eventID string) string { return siteID + "/" + eventID }

func (l *fakeLedger) TryBeginProcessing(_ context.Context, ev *event.Event) (*event.BeginResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prior, ok := l.rows[key(ev.SiteID, ev.EventID)]; ok {
		return &event.BeginResult{Inserted: false, PriorStatus: prior.Status}, nil
	}
	clone := *ev
	clone.Status = event.StatusProcessing
	clone.CreatedAt = time.Now()
	l.rows[key(ev.SiteID, ev.EventID)] = &clone
	return &event.BeginResult{Inserted: true}, nil
}

func (l *fakeLedger) Finish(_ context.Context, siteID, eventID, status, errMsg string, metadata map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[key(siteID, eventID)]
	if !ok || row.Status != event.StatusProcessing {
		return nil
	}
	row.Status = status
	row.ErrorMessage = errMsg
	row.Metadata = metadata
	now := time.Now()
	row.ProcessedAt = &now
	return nil
}

func (l *fakeLedger) Reopen(_ context.Context, siteID, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[key(siteID, eventID)]
	if !ok || row.Status != event.StatusRetryable {
		return false, nil
	}
	row.Status = event.StatusProcessing
	return true, nil
}

func (l *fakeLedger) Get(_ context.Context, siteID, eventID string) (*event.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row := *l.rows[key(siteID, eventID)]
	return &row, nil
}

func (l *fakeLedger) List(_ context.Context, siteID string, limit int) ([]event.Event, error) {
	return nil, nil
}

func (l *fakeLedger) ListStaleProcessing(_ context.Context, olderThan time.Duration) ([]event.Event, error) {
	return nil, nil
}

func (l *fakeLedger) status(siteID, eventID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows[key(siteID, eventID)].Status
}

type fakeStore struct {
	mu        sync.Mutex
	chunks    []StoredChunk
	hashes    map[string]bool
	fullHash  string
	version   int
	deleted   []string
	storeErr  error
	writeCall int
}

func (s *fakeStore) StoreChunks(_ context.Context, chunks []StoredChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	s.writeCall++
	s.chunks = append(s.chunks, chunks...)
	return nil
}

func (s *fakeStore) DeleteByEntity(_ context.Context, siteID, entityType, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, siteID+"/"+entityType+"/"+entityID)
	s.chunks = nil
	return nil
}

func (s *fakeStore) ChunkHashes(_ context.Context, siteID, entityType, entityID string) (map[string]bool, error) {
	if s.hashes == nil {
		return map[string]bool{}, nil
	}
	return s.hashes, nil
}

func (s *fakeStore) HasFullContentHash(_ context.Context, siteID, entityType, entityID, hash string) (bool, error) {
	return hash == s.fullHash, nil
}

func (s *fakeStore) LatestVersion(_ context.Context, siteID, entityType, entityID string) (int, error) {
	return s.version, nil
}

type fakeFetcher struct {
	text string
	err  error
	mu   sync.Mutex
	hits int
}

func (f *fakeFetcher) FetchDocument(_ context.Context, siteID, entityType, entityID string) (*Document, error) {
	f.mu.Lock()
	f.hits++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &Document{EntityType: entityType, EntityID: entityID, Text: f.text}, nil
}

// cancelingFetcher fails the way an outbound call does when the webhook
// caller drops the connection mid-request.
type cancelingFetcher struct {
	cancel context.CancelFunc
}

func (f *cancelingFetcher) FetchDocument(_ context.Context, _, _, _ string) (*Document, error) {
	f.cancel()
	return nil, &url.Error{Op: "Get", URL: "https://store.example/products/42", Err: context.Canceled}
}

type countingEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *countingEmbedder) EmbedBatch(_ context.Context, model string, inputs []string) (*EmbedResult, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	vectors := make([][]float32, len(inputs))
	for i := range vectors {
		vectors[i] = []float32{0.1, 0.2, 0.3}
	}
	return &EmbedResult{Vectors: vectors, TotalTokens: 7 * len(inputs)}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakePublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

func newTestPipeline(ledger event.Repository, fetcher Fetcher, store VectorStore, embedder Embedder) *Pipeline {
	return newTestPipelineWithPub(ledger, fetcher, store, embedder, &fakePublisher{})
}

func newTestPipelineWithPub(ledger event.Repository, fetcher Fetcher, store VectorStore, embedder Embedder, pub event.EventPublisher) *Pipeline {
	batcher := NewBatcher(embedder, "test-model", 2, fastRetry)
	return NewPipeline(ledger, fetcher, store, batcher, pub, "test-model",
		config.ChunkingConfig{ChunkSize: 1000, Overlap: 200}, fastRetry)
}

func updateEvent() *event.Event {
	return &event.Event{
		SiteID:     "site-1",
		EventID:    "e1",
		EventType:  event.TypeProductUpdated,
		EntityType: event.EntityProduct,
		EntityID:   "42",
		OccurredAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPipeline_Ingest(t *testing.T) {
	t.Run("Product Update End To End", func(t *testing.T) {
		// 2,500 chars at size 1000 / overlap 200 -> chunks 0-1000, 800-1800, 1600-2500.
		ledger := newFakeLedger()
		store := &fakeStore{}
		embedder := &countingEmbedder{}
		p := newTestPipeline(ledger, &fakeFetcher{text: strings.Repeat("p", 2500)}, store, embedder)

		res, err := p.Ingest(context.Background(), updateEvent())
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, res.Status)
		assert.Equal(t, "e1", res.EventID)

		require.Len(t, store.chunks, 3)
		assert.Equal(t, 0, store.chunks[0].StartChar)
		assert.Equal(t, 1000, store.chunks[0].EndChar)
		assert.Equal(t, 800, store.chunks[1].StartChar)
		assert.Equal(t, 1800, store.chunks[1].EndChar)
		assert.Equal(t, 1600, store.chunks[2].StartChar)
		assert.Equal(t, 2500, store.chunks[2].EndChar)
		for i, c := range store.chunks {
			assert.Equal(t, i, c.ChunkIndex)
			assert.Equal(t, 1, c.Version)
			assert.Equal(t, "test-model", c.Model)
			assert.NotEmpty(t, c.ChunkHash)
		}
		assert.Equal(t, event.StatusCompleted, ledger.status("site-1", "e1"))
	})

	t.Run("Concurrent Duplicate Deliveries", func(t *testing.T) {
		ledger := newFakeLedger()
		store := &fakeStore{}
		p := newTestPipeline(ledger, &fakeFetcher{text: strings.Repeat("x", 1500)}, store, &countingEmbedder{})

		const n = 10
		results := make(chan string, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := p.Ingest(context.Background(), updateEvent())
				if err != nil {
					results <- "error"
					return
				}
				results <- res.Status
			}()
		}
		wg.Wait()
		close(results)

		processed, duplicates := 0, 0
		for status := range results {
			switch status {
			case StatusProcessed:
				processed++
			case StatusDuplicate:
				duplicates++
			}
		}
		assert.Equal(t, 1, processed)
		assert.Equal(t, n-1, duplicates)
		assert.Equal(t, 1, store.writeCall, "exactly one delivery may write embeddings")
	})

	t.Run("Unchanged Content Skips Everything", func(t *testing.T) {
		docText := strings.Repeat("same", 300)
		ledger := newFakeLedger()
		embedder := &countingEmbedder{}
		store := &fakeStore{fullHash: contentHashForTest(docText)}
		p := newTestPipeline(ledger, &fakeFetcher{text: docText}, store, embedder)

		res, err := p.Ingest(context.Background(), updateEvent())
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, res.Status)
		assert.Zero(t, embedder.calls)
		assert.Empty(t, store.chunks)

		ev, _ := ledger.Get(context.Background(), "site-1", "e1")
		assert.Equal(t, "unchanged", ev.Metadata["skipped"])
		assert.Equal(t, 0, ev.Metadata["tokens_used"])
	})

	t.Run("Chunk Level Skip Embeds Only The Delta", func(t *testing.T) {
		docText := strings.Repeat("y", 2500)
		ledger := newFakeLedger()
		embedder := &countingEmbedder{}

		// Prefix chunks already stored: only the final chunk is new.
		seen := map[string]bool{
			contentHashForTest(docText[0:1000]):   true,
			contentHashForTest(docText[800:1800]): true,
		}
		store := &fakeStore{hashes: seen}
		p := newTestPipeline(ledger, &fakeFetcher{text: docText}, store, embedder)

		_, err := p.Ingest(context.Background(), updateEvent())
		require.NoError(t, err)
		require.Len(t, store.chunks, 1)
		assert.Equal(t, 2, store.chunks[0].ChunkIndex)
		assert.Equal(t, 1600, store.chunks[0].StartChar)
	})

	t.Run("Deletion Skips Fetch And Embed", func(t *testing.T) {
		ledger := newFakeLedger()
		fetcher := &fakeFetcher{text: "should not be fetched"}
		store := &fakeStore{}
		embedder := &countingEmbedder{}
		p := newTestPipeline(ledger, fetcher, store, embedder)

		ev := updateEvent()
		ev.EventType = event.TypeProductDeleted
		res, err := p.Ingest(context.Background(), ev)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, res.Status)
		assert.Zero(t, fetcher.hits)
		assert.Zero(t, embedder.calls)
		assert.Equal(t, []string{"site-1/product/42"}, store.deleted)
		assert.Empty(t, store.chunks)
	})

	t.Run("Persistent Rate Limit Marks Retryable", func(t *testing.T) {
		ledger := newFakeLedger()
		embedder := &countingEmbedder{err: &resilience.StatusError{Code: 429, Message: "rate limited"}}
		p := newTestPipeline(ledger, &fakeFetcher{text: strings.Repeat("z", 1200)}, &fakeStore{}, embedder)

		_, err := p.Ingest(context.Background(), updateEvent())
		require.Error(t, err)
		assert.Greater(t, embedder.calls, 1, "429 must trigger at least one retry")
		assert.Equal(t, event.StatusRetryable, ledger.status("site-1", "e1"))
	})

	t.Run("Terminal Provider Error Marks Failed", func(t *testing.T) {
		ledger := newFakeLedger()
		embedder := &countingEmbedder{err: &resilience.StatusError{Code: 400, Message: "bad input"}}
		pub := &fakePublisher{}
		p := newTestPipelineWithPub(ledger, &fakeFetcher{text: strings.Repeat("z", 1200)}, &fakeStore{}, embedder, pub)

		_, err := p.Ingest(context.Background(), updateEvent())
		require.Error(t, err)
		assert.Equal(t, 1, embedder.calls, "400 must never retry")
		assert.Equal(t, event.StatusFailed, ledger.status("site-1", "e1"))
		assert.Zero(t, pub.published(), "terminal failures must not be queued for retry")
	})

	t.Run("Retryable Failure Queues A Retry", func(t *testing.T) {
		ledger := newFakeLedger()
		embedder := &countingEmbedder{err: &resilience.StatusError{Code: 429, Message: "rate limited"}}
		pub := &fakePublisher{}
		p := newTestPipelineWithPub(ledger, &fakeFetcher{text: strings.Repeat("q", 1200)}, &fakeStore{}, embedder, pub)

		_, err := p.Ingest(context.Background(), updateEvent())
		require.Error(t, err)
		require.Equal(t, event.StatusRetryable, ledger.status("site-1", "e1"))

		require.Equal(t, 1, pub.published())
		assert.Equal(t, config.TopicIngestRetry, pub.topics[0])
		var payload event.RetryPayload
		require.NoError(t, json.Unmarshal(pub.bodies[0], &payload))
		assert.Equal(t, "site-1", payload.SiteID)
		assert.Equal(t, "e1", payload.EventID)
	})

	t.Run("Caller Cancellation Leaves Event In Processing", func(t *testing.T) {
		ledger := newFakeLedger()
		pub := &fakePublisher{}
		ctx, cancel := context.WithCancel(context.Background())
		fetcher := &cancelingFetcher{cancel: cancel}
		p := newTestPipelineWithPub(ledger, fetcher, &fakeStore{}, &countingEmbedder{}, pub)

		_, err := p.Ingest(ctx, updateEvent())
		require.Error(t, err)

		// No terminal status was written: the stale-processing sweep owns the
		// abandoned row, and nothing was queued for retry here.
		assert.Equal(t, event.StatusProcessing, ledger.status("site-1", "e1"))
		assert.Zero(t, pub.published())
	})

	t.Run("Fetch Timeout Marks Retryable", func(t *testing.T) {
		ledger := newFakeLedger()
		p := newTestPipeline(ledger, &fakeFetcher{err: context.DeadlineExceeded}, &fakeStore{}, &countingEmbedder{})

		_, err := p.Ingest(context.Background(), updateEvent())
		require.Error(t, err)
		assert.Equal(t, event.StatusRetryable, ledger.status("site-1", "e1"))
	})

	t.Run("Version Increments Per Reingestion", func(t *testing.T) {
		ledger := newFakeLedger()
		store := &fakeStore{version: 3}
		p := newTestPipeline(ledger, &fakeFetcher{text: strings.Repeat("v", 500)}, store, &countingEmbedder{})

		_, err := p.Ingest(context.Background(), updateEvent())
		require.NoError(t, err)
		require.NotEmpty(t, store.chunks)
		assert.Equal(t, 4, store.chunks[0].Version)
	})
}

func TestPipeline_Redrive(t *testing.T) {
	t.Run("Retryable Event Completes On Redrive", func(t *testing.T) {
		ledger := newFakeLedger()
		embedder := &countingEmbedder{err: &resilience.StatusError{Code: 503}}
		store := &fakeStore{}
		p := newTestPipeline(ledger, &fakeFetcher{text: strings.Repeat("r", 1200)}, store, embedder)

		_, err := p.Ingest(context.Background(), updateEvent())
		require.Error(t, err)
		require.Equal(t, event.StatusRetryable, ledger.status("site-1", "e1"))

		// Provider recovers.
		embedder.mu.Lock()
		embedder.err = nil
		embedder.mu.Unlock()

		require.NoError(t, p.Redrive(context.Background(), "site-1", "e1"))
		assert.Equal(t, event.StatusCompleted, ledger.status("site-1", "e1"))
		assert.NotEmpty(t, store.chunks)
	})

	t.Run("Completed Event Is Not Redriven", func(t *testing.T) {
		ledger := newFakeLedger()
		store := &fakeStore{}
		p := newTestPipeline(ledger, &fakeFetcher{text: "short doc"}, store, &countingEmbedder{})

		_, err := p.Ingest(context.Background(), updateEvent())
		require.NoError(t, err)
		firstWrites := store.writeCall

		require.NoError(t, p.Redrive(context.Background(), "site-1", "e1"))
		assert.Equal(t, firstWrites, store.writeCall, "redrive of a completed event must be a no-op")
	})
}

func contentHashForTest(s string) string {
	return text.ContentHash(s)
}
