package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"shopsift/apps/ingest/features/event"
	"shopsift/apps/ingest/internal/auth"
	"shopsift/apps/ingest/internal/ingest"
	"shopsift/apps/ingest/internal/middleware"
)

// maxBodySize caps webhook bodies; storefront notifications are small and
// anything bigger is abuse.
const maxBodySize = 1 << 20

// Payload is the webhook body contract with storefront platforms.
type Payload struct {
	EventID    string `json:"event_id"`
	Event      string `json:"event"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	OccurredAt string `json:"occurred_at"`
}

// Ingester runs one authenticated event through the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, ev *event.Event) (*ingest.Result, error)
}

type Handler struct {
	validator *auth.Validator
	pipeline  Ingester
}

func NewHandler(validator *auth.Validator, pipeline Ingester) *Handler {
	return &Handler{validator: validator, pipeline: pipeline}
}

// Receive serves POST /webhooks/storefront. Authentication runs over the raw
// body before any parsing, so unauthenticated callers learn nothing about the
// payload contract.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodySize {
		h.writeError(ctx, w, "VALIDATION_ERROR", "request body too large", http.StatusBadRequest)
		return
	}

	creds, authErr := h.validator.Validate(ctx, r.Method, r.URL.RequestURI(), r.Header, body)
	if authErr != nil {
		slog.WarnContext(ctx, "webhook rejected", "code", authErr.Code, "site_id", r.Header.Get(auth.HeaderSite))
		h.writeError(ctx, w, authErr.Code, authErr.Message, authErr.Status)
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "body is not valid JSON", http.StatusBadRequest)
		return
	}
	ev, verr := h.buildEvent(creds.SiteID, payload)
	if verr != "" {
		h.writeError(ctx, w, "MISSING_REQUIRED_FIELD", verr, http.StatusBadRequest)
		return
	}

	result, err := h.pipeline.Ingest(ctx, ev)
	if err != nil {
		slog.ErrorContext(ctx, "ingestion failed", "site_id", ev.SiteID, "event_id", ev.EventID, "error", err)
		h.writeError(ctx, w, "INGESTION_FAILED", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]string{
		"status":   result.Status,
		"event_id": result.EventID,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) buildEvent(siteID string, p Payload) (*event.Event, string) {
	switch {
	case p.EventID == "":
		return nil, "event_id is required"
	case p.Event == "":
		return nil, "event is required"
	case p.EntityType == "":
		return nil, "entity_type is required"
	case p.EntityID == "":
		return nil, "entity_id is required"
	case p.OccurredAt == "":
		return nil, "occurred_at is required"
	}
	if !event.ValidType(p.Event) {
		return nil, "unknown event type"
	}
	if !event.ValidEntityType(p.EntityType) {
		return nil, "unknown entity type"
	}
	occurredAt, err := time.Parse(time.RFC3339, p.OccurredAt)
	if err != nil {
		return nil, "occurred_at must be RFC 3339"
	}

	return &event.Event{
		SiteID:     siteID,
		EventID:    p.EventID,
		EventType:  p.Event,
		EntityType: p.EntityType,
		EntityID:   p.EntityID,
		OccurredAt: occurredAt,
	}, ""
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
