package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"shopsift/apps/ingest/features/event"
	"shopsift/apps/ingest/internal/config"
	"shopsift/apps/ingest/internal/middleware"
	"shopsift/apps/ingest/internal/resilience"
	"shopsift/apps/ingest/internal/text"
)

// Result is the outcome of one delivery attempt reported back to the webhook
// caller.
type Result struct {
	Status  string `json:"status"` // processed | duplicate
	EventID string `json:"event_id"`
}

const (
	StatusProcessed = "processed"
	StatusDuplicate = "duplicate"
)

// Pipeline runs the ingest-one-event flow: ledger claim, fetch, dedup, chunk,
// embed, store, terminal status. It is stateless; concurrent deliveries of
// the same event are serialized by the ledger's uniqueness constraint alone.
type Pipeline struct {
	ledger     event.Repository
	fetcher    Fetcher
	store      VectorStore
	batcher    *Batcher
	pub        event.EventPublisher
	model      string
	chunking   config.ChunkingConfig
	fetchRetry resilience.RetryConfig
}

func NewPipeline(
	ledger event.Repository,
	fetcher Fetcher,
	store VectorStore,
	batcher *Batcher,
	pub event.EventPublisher,
	model string,
	chunking config.ChunkingConfig,
	fetchRetry resilience.RetryConfig,
) *Pipeline {
	return &Pipeline{
		ledger:     ledger,
		fetcher:    fetcher,
		store:      store,
		batcher:    batcher,
		pub:        pub,
		model:      model,
		chunking:   chunking,
		fetchRetry: fetchRetry,
	}
}

// publishRetry queues a retryable event for the retry worker so webhook-path
// failures do not wait for an operator or the next sweep. Redrive failures
// are not republished here; the consumer's own requeue covers those.
func (p *Pipeline) publishRetry(ctx context.Context, ev *event.Event) {
	payload, err := json.Marshal(event.RetryPayload{
		SiteID:        ev.SiteID,
		EventID:       ev.EventID,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal retry payload", "event_id", ev.EventID, "error", err)
		return
	}
	if err := p.pub.Publish(config.TopicIngestRetry, payload); err != nil {
		slog.ErrorContext(ctx, "failed to queue event for retry", "site_id", ev.SiteID, "event_id", ev.EventID, "error", err)
	}
}

// Ingest processes one authenticated event end to end. A duplicate delivery
// short-circuits before any side effects. Any error after the ledger claim is
// classified, recorded on the ledger as failed or retryable, and returned to
// the caller.
func (p *Pipeline) Ingest(ctx context.Context, ev *event.Event) (*Result, error) {
	begin, err := p.ledger.TryBeginProcessing(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("ledger insert: %w", err)
	}
	if !begin.Inserted {
		slog.InfoContext(ctx, "duplicate event delivery", "site_id", ev.SiteID, "event_id", ev.EventID, "prior_status", begin.PriorStatus)
		return &Result{Status: StatusDuplicate, EventID: ev.EventID}, nil
	}

	meta, procErr := p.process(ctx, ev)
	if procErr != nil {
		// Caller disconnected mid-flight. Leave the row in processing: a
		// terminal write here would record a dead end (redelivery resolves to
		// duplicate), while the stale-processing sweep can still requeue it.
		if ctx.Err() != nil {
			slog.WarnContext(ctx, "ingestion abandoned by caller", "site_id", ev.SiteID, "event_id", ev.EventID, "error", procErr)
			return nil, procErr
		}
		status := event.StatusFailed
		if resilience.Retryable(procErr) {
			status = event.StatusRetryable
		}
		if finErr := p.ledger.Finish(ctx, ev.SiteID, ev.EventID, status, procErr.Error(), meta); finErr != nil {
			slog.ErrorContext(ctx, "failed to record event failure", "site_id", ev.SiteID, "event_id", ev.EventID, "error", finErr)
		}
		if status == event.StatusRetryable {
			p.publishRetry(ctx, ev)
		}
		return nil, procErr
	}

	if err := p.ledger.Finish(ctx, ev.SiteID, ev.EventID, event.StatusCompleted, "", meta); err != nil {
		return nil, fmt.Errorf("ledger finish: %w", err)
	}
	return &Result{Status: StatusProcessed, EventID: ev.EventID}, nil
}

// Redrive re-runs a reopened event. Used by the retry worker; the ledger row
// must already exist.
func (p *Pipeline) Redrive(ctx context.Context, siteID, eventID string) error {
	reopened, err := p.ledger.Reopen(ctx, siteID, eventID)
	if err != nil {
		return fmt.Errorf("reopen event: %w", err)
	}
	if !reopened {
		slog.InfoContext(ctx, "event not in a reopenable state, skipping", "site_id", siteID, "event_id", eventID)
		return nil
	}

	ev, err := p.ledger.Get(ctx, siteID, eventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}

	meta, procErr := p.process(ctx, ev)
	if procErr != nil && ctx.Err() != nil {
		// Consumer timeout or shutdown; the reconciler resolves the
		// still-processing row later.
		slog.WarnContext(ctx, "redrive abandoned", "site_id", siteID, "event_id", eventID, "error", procErr)
		return procErr
	}
	status := event.StatusCompleted
	errMsg := ""
	if procErr != nil {
		errMsg = procErr.Error()
		status = event.StatusFailed
		if resilience.Retryable(procErr) {
			status = event.StatusRetryable
		}
	}
	if err := p.ledger.Finish(ctx, siteID, eventID, status, errMsg, meta); err != nil {
		return fmt.Errorf("ledger finish: %w", err)
	}
	return procErr
}

func (p *Pipeline) process(ctx context.Context, ev *event.Event) (map[string]any, error) {
	if event.IsDeletion(ev.EventType) {
		if err := p.store.DeleteByEntity(ctx, ev.SiteID, ev.EntityType, ev.EntityID); err != nil {
			return nil, fmt.Errorf("delete entity vectors: %w", err)
		}
		slog.InfoContext(ctx, "entity vectors deleted", "site_id", ev.SiteID, "entity_type", ev.EntityType, "entity_id", ev.EntityID)
		return map[string]any{"deleted": true}, nil
	}

	var doc *Document
	err := resilience.Do(ctx, "fetch content", p.fetchRetry, func(ctx context.Context) error {
		var fetchErr error
		doc, fetchErr = p.fetcher.FetchDocument(ctx, ev.SiteID, ev.EntityType, ev.EntityID)
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", ev.EntityType, ev.EntityID, err)
	}

	fullHash := text.ContentHash(doc.Text)
	unchanged, err := p.store.HasFullContentHash(ctx, ev.SiteID, ev.EntityType, ev.EntityID, fullHash)
	if err != nil {
		return nil, fmt.Errorf("full hash lookup: %w", err)
	}
	if unchanged {
		// Unchanged redelivery: success with zero embeddings and zero tokens.
		slog.InfoContext(ctx, "content unchanged, skipping", "site_id", ev.SiteID, "entity_id", ev.EntityID)
		return map[string]any{"skipped": "unchanged", "chunks_stored": 0, "tokens_used": 0}, nil
	}

	chunks := text.Split(doc.Text, p.chunking.ChunkSize, p.chunking.Overlap)

	seen, err := p.store.ChunkHashes(ctx, ev.SiteID, ev.EntityType, ev.EntityID)
	if err != nil {
		return nil, fmt.Errorf("chunk hash lookup: %w", err)
	}

	hashes := make([]string, len(chunks))
	var pending []PendingChunk
	for i, c := range chunks {
		hashes[i] = text.ContentHash(c.Text)
		if !seen[hashes[i]] {
			pending = append(pending, PendingChunk{Index: i, Text: c.Text})
		}
	}

	meta := map[string]any{
		"chunks_total":   len(chunks),
		"chunks_skipped": len(chunks) - len(pending),
	}

	if len(pending) == 0 {
		// Every chunk already stored under this entity; nothing to embed.
		meta["chunks_stored"] = 0
		meta["tokens_used"] = 0
		return meta, nil
	}

	embedded, totalTokens, err := p.batcher.EmbedAll(ctx, pending)
	if err != nil {
		return meta, err
	}

	version, err := p.store.LatestVersion(ctx, ev.SiteID, ev.EntityType, ev.EntityID)
	if err != nil {
		return meta, fmt.Errorf("version lookup: %w", err)
	}
	version++

	rows := make([]StoredChunk, len(embedded))
	for i, e := range embedded {
		c := chunks[e.Index]
		rows[i] = StoredChunk{
			SiteID:          ev.SiteID,
			EntityType:      ev.EntityType,
			EntityID:        ev.EntityID,
			ChunkIndex:      e.Index,
			Text:            c.Text,
			Vector:          e.Vector,
			Model:           p.model,
			Version:         version,
			ChunkHash:       hashes[e.Index],
			FullContentHash: fullHash,
			StartChar:       c.Start,
			EndChar:         c.End,
		}
	}
	if err := p.store.StoreChunks(ctx, rows); err != nil {
		return meta, fmt.Errorf("store chunks: %w", err)
	}

	meta["chunks_stored"] = len(rows)
	meta["tokens_used"] = totalTokens
	meta["version"] = version
	slog.InfoContext(ctx, "event ingested", "site_id", ev.SiteID, "entity_id", ev.EntityID, "chunks", len(rows), "tokens", totalTokens, "version", version)
	return meta, nil
}
