package logger

import (
	"context"
	"log/slog"
	"shopsift/apps/ingest/internal/middleware"
)

// ContextHandler stamps every record with the request's correlation ID so a
// single webhook delivery can be traced from the HTTP handler through the
// pipeline, the retry consumer, and the reconciler sweep.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(middleware.CorrelationKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	return h.Handler.Handle(ctx, r)
}
