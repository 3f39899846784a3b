package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/urbanatlas/fotopipe/internal/config"
	"github.com/urbanatlas/fotopipe/internal/logging"
	"github.com/urbanatlas/fotopipe/internal/pipeline"
	"github.com/urbanatlas/fotopipe/internal/storage"
	"github.com/urbanatlas/fotopipe/internal/store"
	"github.com/urbanatlas/fotopipe/internal/telemetry"
	"github.com/urbanatlas/fotopipe/internal/webhook"
	"github.com/urbanatlas/fotopipe/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fotopipe-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "fotopipe-worker",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logging.Component(logger, "telemetry"))
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	artifacts, err := storage.New(cfg.Storage.UploadDir)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	pipe := pipeline.New(artifacts, logging.Component(logger, "pipeline"))

	var ingests store.IngestStore
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresIngestStore(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("connect ingest store: %w", err)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				logger.Warn().Err(err).Msg("ingest store close failed")
			}
		}()
		ingests = pg
		logger.Info().Msg("using postgres ingest store")
	} else {
		ingests = store.NewMemoryIngestStore()
		logger.Info().Msg("using in-memory ingest store")
	}

	webhooks := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Webhook.Secret,
		Timeout:       cfg.Webhook.Timeout,
		MaxAttempts:   cfg.Webhook.MaxAttempts,
	})

	srv, err := worker.NewServer(
		logging.Component(logger, "worker"),
		cfg.Queue,
		cfg.Worker,
		pipe,
		cfg.ThumbnailSpec(),
		ingests,
		webhooks,
	)
	if err != nil {
		return fmt.Errorf("build worker: %w", err)
	}

	if cfg.Worker.MetricsAddr != "" {
		go serveMetrics(cfg.Worker.MetricsAddr, srv, logger)
	}

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Msg("worker starting")

	if err := srv.Run(); err != nil {
		return fmt.Errorf("worker run: %w", err)
	}
	return nil
}

func serveMetrics(addr string, srv *worker.Server, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	logger.Info().Str("addr", addr).Msg("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server failed")
	}
}
