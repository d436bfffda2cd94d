package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"shopsift/apps/ingest/features/event"
	"shopsift/apps/ingest/internal/config"
)

type Publisher interface {
	Publish(topic string, body []byte) error
}

// Reconciler sweeps the ledger for events stuck in processing, usually left
// behind by a crash mid-pipeline. Each stale event is demoted to retryable
// and queued for redelivery.
type Reconciler struct {
	repo          event.Repository
	pub           Publisher
	interval      time.Duration
	processingAge time.Duration
}

func NewReconciler(repo event.Repository, pub Publisher, interval, processingAge time.Duration) *Reconciler {
	return &Reconciler{
		repo:          repo,
		pub:           pub,
		interval:      interval,
		processingAge: processingAge,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "reconciler sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass. Errors on individual events are logged and skipped so
// one bad row cannot stall the rest of the sweep.
func (r *Reconciler) Sweep(ctx context.Context) error {
	stale, err := r.repo.ListStaleProcessing(ctx, r.processingAge)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "requeueing stale events", "count", len(stale))
	for _, ev := range stale {
		if err := r.requeue(ctx, ev); err != nil {
			slog.ErrorContext(ctx, "requeue failed", "error", err, "site_id", ev.SiteID, "event_id", ev.EventID)
		}
	}
	return nil
}

func (r *Reconciler) requeue(ctx context.Context, ev event.Event) error {
	// Demote first so the retry consumer finds a reopenable row. Finish only
	// touches rows still in processing, so a concurrent completion wins.
	if err := r.repo.Finish(ctx, ev.SiteID, ev.EventID, event.StatusRetryable, "processing timed out", nil); err != nil {
		return err
	}

	payload, err := json.Marshal(event.RetryPayload{SiteID: ev.SiteID, EventID: ev.EventID})
	if err != nil {
		return err
	}
	return r.pub.Publish(config.TopicIngestRetry, payload)
}
