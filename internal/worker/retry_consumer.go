package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"

	"shopsift/apps/ingest/features/event"
	"shopsift/apps/ingest/internal/middleware"
	"shopsift/apps/ingest/internal/resilience"
)

// Redriver re-runs one ledger event through the ingestion pipeline.
type Redriver interface {
	Redrive(ctx context.Context, siteID, eventID string) error
}

// RetryConsumer drains the retry topic. Each message names one retryable
// event; the consumer reopens it and runs the pipeline again.
type RetryConsumer struct {
	pipeline Redriver
	timeout  time.Duration
}

func NewRetryConsumer(pipeline Redriver, timeout time.Duration) *RetryConsumer {
	return &RetryConsumer{pipeline: pipeline, timeout: timeout}
}

func (h *RetryConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload event.RetryPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}
	if payload.SiteID == "" || payload.EventID == "" {
		slog.Error("poison pill: incomplete retry payload", "site_id", payload.SiteID, "event_id", payload.EventID)
		return nil
	}

	ctx := context.Background()
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := h.pipeline.Redrive(ctx, payload.SiteID, payload.EventID); err != nil {
		if resilience.Retryable(err) {
			slog.ErrorContext(ctx, "redrive failed, requeueing", "error", err, "site_id", payload.SiteID, "event_id", payload.EventID)
			return err // Retry via NSQ
		}
		// Terminal failures are recorded in the ledger; requeueing the
		// message would just repeat them.
		slog.ErrorContext(ctx, "redrive failed terminally", "error", err, "site_id", payload.SiteID, "event_id", payload.EventID)
		return nil
	}

	slog.InfoContext(ctx, "event redriven", "site_id", payload.SiteID, "event_id", payload.EventID)
	return nil
}
