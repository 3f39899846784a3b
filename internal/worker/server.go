// Package worker consumes thumbnail derivation tasks. Each task re-reads a
// stored main artifact, derives its 200x200 bounded thumbnail, updates the
// ingest record, and notifies the uploader's webhook when one is set.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/urbanatlas/fotopipe/internal/config"
	"github.com/urbanatlas/fotopipe/internal/domain"
	"github.com/urbanatlas/fotopipe/internal/pipeline"
	"github.com/urbanatlas/fotopipe/internal/queue"
	"github.com/urbanatlas/fotopipe/internal/store"
	"github.com/urbanatlas/fotopipe/internal/webhook"
)

type Server struct {
	logger   zerolog.Logger
	server   *asynq.Server
	sem      chan struct{}
	deriver  thumbnailDeriver
	spec     pipeline.ThumbnailSpec
	webhooks webhookSender
	ingests  store.IngestStore
	metrics  *metrics
	tracer   trace.Tracer
}

type thumbnailDeriver interface {
	DeriveThumbnail(ctx context.Context, mainName string, spec pipeline.ThumbnailSpec) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	deriver thumbnailDeriver,
	spec pipeline.ThumbnailSpec,
	ingests store.IngestStore,
	webhooks webhookSender,
) (*Server, error) {
	if deriver == nil {
		return nil, fmt.Errorf("thumbnail deriver is required")
	}
	if ingests == nil {
		ingests = store.NewMemoryIngestStore()
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Error().
						Err(err).
						Str("task_type", task.Type()).
						Int("retried", retried).
						Int("max_retry", maxRetry).
						Msg("task failed")
				}),
			},
		),
		sem:      make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		deriver:  deriver,
		spec:     spec,
		webhooks: webhooks,
		ingests:  ingests,
		metrics:  newMetrics(),
		tracer:   otel.Tracer("fotopipe/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeDeriveThumbnail, s.handleDeriveThumbnail)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleDeriveThumbnail(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := "failed"

	payload, err := queue.ParseDeriveThumbnailPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.derive_thumbnail", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("ingest.id", payload.IngestID),
		attribute.String("ingest.artifact", payload.ArtifactName),
	)
	defer span.End()
	defer func() {
		s.metrics.taskDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.tasksTotal.WithLabelValues(outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeTasks.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeTasks.Dec()
	}()

	s.logger.Info().
		Str("ingest_id", payload.IngestID).
		Str("artifact", payload.ArtifactName).
		Msg("deriving thumbnail")

	s.updateIngestStatus(ctx, payload.IngestID, domain.IngestStatusThumbnailing)

	res, err := s.deriver.DeriveThumbnail(ctx, payload.ArtifactName, s.spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "thumbnail derivation failed")

		// A missing or invalid main artifact will not heal on retry.
		if errors.Is(err, pipeline.ErrNotFound) || errors.Is(err, pipeline.ErrUnsupportedFormat) {
			s.finalizeFailure(ctx, payload, err)
			return fmt.Errorf("derive thumbnail: %v: %w", err, asynq.SkipRetry)
		}

		if lastAttempt(ctx) {
			s.finalizeFailure(ctx, payload, err)
		}
		return fmt.Errorf("derive thumbnail: %w", err)
	}

	if _, err := s.ingests.SetThumbnail(ctx, payload.IngestID, res.Name, domain.IngestStatusComplete); err != nil {
		s.logger.Warn().
			Err(err).
			Str("ingest_id", payload.IngestID).
			Str("thumbnail", res.Name).
			Msg("ingest thumbnail update failed")
	}
	s.recordStats(ctx, payload.IngestID, res, time.Since(startedAt))

	s.logger.Info().
		Str("ingest_id", payload.IngestID).
		Str("thumbnail", res.Name).
		Int("width", res.Width).
		Int("height", res.Height).
		Msg("thumbnail derived")

	if err := s.dispatchWebhook(ctx, payload, webhook.EventThumbnailCompleted, webhook.ThumbnailEvent{
		IngestID:      payload.IngestID,
		ArtifactName:  payload.ArtifactName,
		ThumbnailName: res.Name,
		Status:        domain.IngestStatusComplete,
		OccurredAt:    time.Now().UTC(),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = "completed"
	span.SetStatus(codes.Ok, "derived")
	return nil
}

// lastAttempt reports whether asynq will not retry the task again, so
// terminal bookkeeping has to happen now.
func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

// finalizeFailure marks the ingest and notifies the webhook once derivation
// is out of attempts. The main artifact stays stored and servable.
func (s *Server) finalizeFailure(ctx context.Context, payload queue.DeriveThumbnailPayload, cause error) {
	s.updateIngestStatus(ctx, payload.IngestID, domain.IngestStatusThumbnailFailed)
	if err := s.dispatchWebhook(ctx, payload, webhook.EventThumbnailFailed, webhook.ThumbnailEvent{
		IngestID:     payload.IngestID,
		ArtifactName: payload.ArtifactName,
		Status:       domain.IngestStatusThumbnailFailed,
		Error:        cause.Error(),
		OccurredAt:   time.Now().UTC(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("ingest_id", payload.IngestID).Msg("failure webhook not delivered")
	}
}

func (s *Server) updateIngestStatus(ctx context.Context, id, status string) {
	if _, err := s.ingests.UpdateStatus(ctx, id, status); err != nil {
		s.logger.Warn().
			Err(err).
			Str("ingest_id", id).
			Str("status", status).
			Msg("ingest status update failed")
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.DeriveThumbnailPayload, event string, body webhook.ThumbnailEvent) error {
	if payload.WebhookURL == "" || s.webhooks == nil {
		return nil
	}

	if err := s.webhooks.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Error().
			Err(err).
			Str("ingest_id", payload.IngestID).
			Str("event", event).
			Msg("webhook delivery failed")
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}

func (s *Server) recordStats(ctx context.Context, ingestID string, res pipeline.Result, computeDuration time.Duration) {
	pixels := int64(res.SourceWidth) * int64(res.SourceHeight)
	stats := domain.ProcessingStats{
		IngestID:        ingestID,
		PixelsProcessed: pixels,
		BytesOut:        int64(res.Bytes),
		ComputeTimeMS:   max(1, computeDuration.Milliseconds()),
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.ingests.RecordStats(ctx, stats); err != nil {
		s.logger.Warn().Err(err).Str("ingest_id", ingestID).Msg("thumbnail stats write failed")
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(pixels))
	s.metrics.thumbnailBytesTotal.Add(float64(res.Bytes))
}
