package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"shopsift/apps/ingest/features/event"
	"shopsift/apps/ingest/features/site"
	"shopsift/apps/ingest/features/webhook"
	"shopsift/apps/ingest/internal/adapter/storefront"
	"shopsift/apps/ingest/internal/auth"
	"shopsift/apps/ingest/internal/config"
	"shopsift/apps/ingest/internal/ingest"
	"shopsift/apps/ingest/internal/middleware"
	"shopsift/apps/ingest/internal/resilience"
	"shopsift/apps/ingest/internal/worker"
)

// Publisher is the outbound queue surface App needs; *nsq.Producer satisfies
// it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

type App struct {
	Handler       http.Handler
	Pipeline      *ingest.Pipeline
	RetryConsumer *worker.RetryConsumer
	Reconciler    *worker.Reconciler

	port int
}

func New(
	cfg *config.Config,
	db *sql.DB,
	embedder ingest.Embedder,
	store ingest.VectorStore,
	nonces auth.NonceStore,
	pub Publisher,
) (*App, error) {
	// Feature: Site
	siteRepo := site.NewPostgresRepo(db)
	siteService := site.NewService(siteRepo)

	// Feature: Event ledger
	eventRepo := event.NewPostgresRepo(db)
	eventService := event.NewService(eventRepo, pub)
	eventHandler := event.NewHandler(eventService)

	// Ingestion pipeline
	fetcher := storefront.NewClient(siteService, cfg.Fetch.RequestTimeout)
	batcher := ingest.NewBatcher(embedder, cfg.EmbeddingModel, cfg.Embed.MaxBatchSize, embedRetry(cfg))
	pipeline := ingest.NewPipeline(eventRepo, fetcher, store, batcher, pub, cfg.EmbeddingModel, cfg.Chunking, fetchRetry(cfg))

	// Webhook surface
	validator := auth.NewValidator(siteService, nonces, cfg.Auth.TimestampSkew)
	webhookHandler := webhook.NewHandler(validator, pipeline)

	// Routes
	mux := http.NewServeMux()
	mux.Handle("POST /webhooks/storefront", middleware.CorrelationID(http.HandlerFunc(webhookHandler.Receive)))
	mux.Handle("GET /events", middleware.CorrelationID(http.HandlerFunc(eventHandler.List)))
	mux.Handle("GET /events/{id}", middleware.CorrelationID(http.HandlerFunc(eventHandler.Get)))
	mux.Handle("POST /events/{id}/retry", middleware.CorrelationID(http.HandlerFunc(eventHandler.Retry)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	retryConsumer := worker.NewRetryConsumer(pipeline, cfg.Embed.RetryMaxTotal+cfg.Fetch.RetryMaxTotal)
	reconciler := worker.NewReconciler(eventRepo, pub, cfg.Sweep.Interval, cfg.Sweep.ProcessingAge)

	return &App{
		Handler:       mux,
		Pipeline:      pipeline,
		RetryConsumer: retryConsumer,
		Reconciler:    reconciler,
		port:          cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func embedRetry(cfg *config.Config) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    cfg.Embed.RetryAttempts,
		BaseDelay:      cfg.Embed.RetryBaseDelay,
		MaxDelay:       cfg.Embed.RetryMaxDelay,
		MaxElapsed:     cfg.Embed.RetryMaxTotal,
		JitterFraction: 0.2,
	}
}

func fetchRetry(cfg *config.Config) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    cfg.Fetch.RetryAttempts,
		BaseDelay:      cfg.Fetch.RetryBaseDelay,
		MaxDelay:       cfg.Fetch.RetryMaxDelay,
		MaxElapsed:     cfg.Fetch.RetryMaxTotal,
		JitterFraction: 0.2,
	}
}
