package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/urbanatlas/fotopipe/internal/api"
	"github.com/urbanatlas/fotopipe/internal/config"
	"github.com/urbanatlas/fotopipe/internal/geo"
	"github.com/urbanatlas/fotopipe/internal/logging"
	"github.com/urbanatlas/fotopipe/internal/pipeline"
	"github.com/urbanatlas/fotopipe/internal/queue"
	"github.com/urbanatlas/fotopipe/internal/ratelimit"
	"github.com/urbanatlas/fotopipe/internal/storage"
	"github.com/urbanatlas/fotopipe/internal/store"
	"github.com/urbanatlas/fotopipe/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fotopipe-api: %v\n", err)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "fotopipe-api",
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

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("queue client close failed")
		}
	}()

	geocoder := geo.NewClient(geo.Config{
		BaseURL:   cfg.Geo.BaseURL,
		UserAgent: cfg.Geo.UserAgent,
		Timeout:   cfg.Geo.Timeout,
		CacheSize: cfg.Geo.CacheSize,
		CacheTTL:  cfg.Geo.CacheTTL,
		Bounds:    cfg.Geo.Bounds(),
		City:      cfg.Geo.City,
	}, logging.Component(logger, "geo"))

	limiter, closeLimiter := buildRateLimiter(ctx, cfg, logger)
	defer closeLimiter()

	app := api.NewServer(
		logging.Component(logger, "api"),
		pipe,
		ingests,
		cfg.Pipeline.EncodeSpec(),
		api.Options{
			Queue:    queueClient,
			Geocoder: geocoder,
			Limiter:  limiter,
			Bounds:   cfg.Geo.Bounds(),
		},
	)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// buildRateLimiter prefers the shared Redis bucket so limits hold across
// replicas, falling back to a per-process bucket when Redis is not
// reachable at startup.
func buildRateLimiter(ctx context.Context, cfg config.Config, logger zerolog.Logger) (api.RateLimiter, func()) {
	if !cfg.RateLimit.Enabled {
		return nil, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		logger.Warn().Err(err).Msg("redis unavailable, using in-process rate limiter")
		return ratelimit.NewLocalTokenBucket(cfg.RateLimit.PerHour, time.Hour, cfg.RateLimit.Burst), func() {}
	}

	bucket, err := ratelimit.NewRedisTokenBucket(rdb, cfg.RateLimit.PerHour, time.Hour, "fotopipe:ratelimit")
	if err != nil {
		_ = rdb.Close()
		logger.Warn().Err(err).Msg("redis rate limiter rejected configuration, using in-process limiter")
		return ratelimit.NewLocalTokenBucket(cfg.RateLimit.PerHour, time.Hour, cfg.RateLimit.Burst), func() {}
	}

	return bucket, func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("redis client close failed")
		}
	}
}
