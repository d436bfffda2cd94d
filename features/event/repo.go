package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// BeginResult is the outcome of claiming an event for processing. When
// Inserted is false the event is a duplicate and PriorStatus holds the status
// of the earlier delivery.
type BeginResult struct {
	Inserted    bool
	PriorStatus string
}

type Repository interface {
	TryBeginProcessing(ctx context.Context, ev *Event) (*BeginResult, error)
	Finish(ctx context.Context, siteID, eventID, status, errMsg string, metadata map[string]any) error
	Reopen(ctx context.Context, siteID, eventID string) (bool, error)
	Get(ctx context.Context, siteID, eventID string) (*Event, error)
	List(ctx context.Context, siteID string, limit int) ([]Event, error)
	ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]Event, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// TryBeginProcessing inserts the ledger row in processing state. The unique
// constraint on (site_id, event_id) is the idempotency guard: a constraint
// violation means another delivery already claimed this event, and is
// resolved to a duplicate exactly like a pre-existing row would be.
func (r *PostgresRepo) TryBeginProcessing(ctx context.Context, ev *Event) (*BeginResult, error) {
	query := `INSERT INTO ingestion_events (site_id, event_id, event_type, entity_type, entity_id, occurred_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, query,
		ev.SiteID, ev.EventID, ev.EventType, ev.EntityType, ev.EntityID, ev.OccurredAt, StatusProcessing).
		Scan(&ev.ID, &ev.CreatedAt)
	if err == nil {
		ev.Status = StatusProcessing
		return &BeginResult{Inserted: true}, nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		prior, getErr := r.Get(ctx, ev.SiteID, ev.EventID)
		if getErr != nil {
			return nil, getErr
		}
		return &BeginResult{Inserted: false, PriorStatus: prior.Status}, nil
	}
	return nil, err
}

// Finish records the single terminal transition. Only rows still in
// processing are updated, so a retried finish call after a crash is a no-op
// rather than a second transition.
func (r *PostgresRepo) Finish(ctx context.Context, siteID, eventID, status, errMsg string, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	query := `UPDATE ingestion_events
		SET status = $3, error_message = $4, metadata = $5, processed_at = NOW()
		WHERE site_id = $1 AND event_id = $2 AND status = $6`
	_, err = r.db.ExecContext(ctx, query, siteID, eventID, status, errMsg, meta, StatusProcessing)
	return err
}

// Reopen moves a retryable event back to processing so the orchestrator can
// re-drive it. Returns false when the event is not in a reopenable state.
func (r *PostgresRepo) Reopen(ctx context.Context, siteID, eventID string) (bool, error) {
	query := `UPDATE ingestion_events SET status = $3, error_message = '', processed_at = NULL
		WHERE site_id = $1 AND event_id = $2 AND status = $4`
	res, err := r.db.ExecContext(ctx, query, siteID, eventID, StatusProcessing, StatusRetryable)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepo) Get(ctx context.Context, siteID, eventID string) (*Event, error) {
	ev := &Event{}
	var meta []byte
	query := `SELECT id, site_id, event_id, event_type, entity_type, entity_id, occurred_at, status, error_message, metadata, created_at, processed_at
		FROM ingestion_events WHERE site_id = $1 AND event_id = $2`
	err := r.db.QueryRowContext(ctx, query, siteID, eventID).
		Scan(&ev.ID, &ev.SiteID, &ev.EventID, &ev.EventType, &ev.EntityType, &ev.EntityID,
			&ev.OccurredAt, &ev.Status, &ev.ErrorMessage, &meta, &ev.CreatedAt, &ev.ProcessedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func (r *PostgresRepo) List(ctx context.Context, siteID string, limit int) ([]Event, error) {
	query := `SELECT id, site_id, event_id, event_type, entity_type, entity_id, occurred_at, status, error_message, metadata, created_at, processed_at
		FROM ingestion_events WHERE site_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListStaleProcessing returns events stuck in processing past olderThan,
// typically after a crash mid-pipeline. The reconciler re-queues them.
func (r *PostgresRepo) ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]Event, error) {
	query := `SELECT id, site_id, event_id, event_type, entity_type, entity_id, occurred_at, status, error_message, metadata, created_at, processed_at
		FROM ingestion_events WHERE status = $1 AND created_at < NOW() - make_interval(secs => $2) ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, StatusProcessing, olderThan.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.SiteID, &ev.EventID, &ev.EventType, &ev.EntityType, &ev.EntityID,
			&ev.OccurredAt, &ev.Status, &ev.ErrorMessage, &meta, &ev.CreatedAt, &ev.ProcessedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
