package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"

	"shopsift/apps/ingest/internal/adapter/gemini"
	wstore "shopsift/apps/ingest/internal/adapter/weaviate"
	"shopsift/apps/ingest/internal/app"
	"shopsift/apps/ingest/internal/config"
	"shopsift/apps/ingest/internal/logger"
)

func main() {
	// Initialize structured logger
	handler := logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	embedder, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey)
	if err != nil {
		slog.Error("failed to create gemini client", "error", err)
		os.Exit(1)
	}
	defer embedder.Close()

	vecStore := wstore.NewStore(deps.WeaviateClient)

	application, err := app.New(cfg, deps.DB, embedder, vecStore, deps.NonceStore, deps.NSQProducer)
	if err != nil {
		slog.Error("failed to build app", "error", err)
		os.Exit(1)
	}

	// Retry worker: drains the requeue topic and re-drives ledger events.
	if cfg.EnableRetryWorker {
		nsqCfg := nsq.NewConfig()
		consumer, err := nsq.NewConsumer(config.TopicIngestRetry, "ingest", nsqCfg)
		if err != nil {
			slog.Error("failed to create NSQ retry consumer", "error", err)
		} else {
			consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
				return application.RetryConsumer.HandleMessage(m)
			}))
			if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
				slog.Error("failed to connect to NSQLookupd", "error", err)
			} else {
				slog.Info("NSQ retry consumer connected", "topic", config.TopicIngestRetry)
			}
			defer consumer.Stop()
		}
	}

	// Reconciler: requeues events stuck in processing after a crash.
	go application.Reconciler.Run(ctx)

	if err := application.Run(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
