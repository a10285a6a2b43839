package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/thumbforge/internal/config"
	"github.com/dunamismax/thumbforge/internal/domain"
	"github.com/dunamismax/thumbforge/internal/imageio"
	"github.com/dunamismax/thumbforge/internal/pipeline"
	"github.com/dunamismax/thumbforge/internal/queue"
	"github.com/dunamismax/thumbforge/internal/store"
	"github.com/dunamismax/thumbforge/internal/webhook"
)

type Server struct {
	logger          *zap.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  jobProcessor
	objectProcessor jobProcessor
	webhookClient   webhookSender
	jobStore        store.JobStore
	metrics         *metrics
	tracer          trace.Tracer
}

type jobProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	Deliver(ctx context.Context, endpoint string, ev webhook.Event) error
}

// Processors routes jobs by source type. Object may be nil when object
// storage is disabled.
type Processors struct {
	Local  *pipeline.Processor
	Object *pipeline.Processor
}

func NewServer(
	logger *zap.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	processors Processors,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
) (*Server, error) {
	if processors.Local == nil {
		return nil, fmt.Errorf("local processor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
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
				Logger:   logger.Sugar(),
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Error("task failed",
						zap.String("type", task.Type()),
						zap.Int("retry", retried),
						zap.Int("max_retry", maxRetry),
						zap.Error(err),
					)
				}),
			},
		),
		sem:            make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor: processors.Local,
		jobStore:       jobStore,
		metrics:        newMetrics(),
		tracer:         otel.Tracer("thumbforge/worker"),
	}
	if processors.Object != nil {
		s.objectProcessor = processors.Object
	}
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeComposeThumbnail, s.handleComposeThumbnail)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleComposeThumbnail(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseComposeThumbnailPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.compose_thumbnail", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.Bool("job.remove_background", payload.RemoveBackground),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	logger := s.logger.With(zap.String("job_id", payload.JobID), zap.String("source_type", payload.SourceType))
	logger.Info("composing thumbnail",
		zap.String("product_key", payload.ProductKey),
		zap.String("background_key", payload.BackgroundKey),
	)

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	transform := payload.Transform
	if transform.IsZero() {
		transform = domain.IdentityTransform()
	}
	request := pipeline.Request{
		JobID:            payload.JobID,
		SourceType:       payload.SourceType,
		ProductKey:       payload.ProductKey,
		BackgroundKey:    payload.BackgroundKey,
		Transform:        transform,
		Filename:         payload.Filename,
		OriginalName:     payload.OriginalName,
		RemoveBackground: payload.RemoveBackground,
	}

	result, err := s.process(ctx, request)
	if err != nil {
		s.completeJob(ctx, payload.JobID, domain.JobStatusFailed, result)
		span.RecordError(err)
		span.SetStatus(codes.Error, "composition failed")
		_ = s.dispatchWebhook(ctx, payload, webhook.Failed(webhookSubject(payload, transform), result.Export, err))
		if permanent(err) {
			return fmt.Errorf("compose thumbnail: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("compose thumbnail: %w", err)
	}

	logger.Info("thumbnail composed",
		zap.String("filename", result.Export.Filename),
		zap.Float64("size_mb", result.Export.SizeMB),
		zap.String("output_key", result.OutputKey),
	)
	s.completeJob(ctx, payload.JobID, domain.JobStatusSucceeded, result)
	s.recordResult(result)

	if err := s.dispatchWebhook(ctx, payload, webhook.Completed(webhookSubject(payload, transform), result.Export, result.OutputKey)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		if errors.Is(err, webhook.ErrRejected) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "composed")
	return nil
}

func (s *Server) process(ctx context.Context, req pipeline.Request) (pipeline.Result, error) {
	switch req.SourceType {
	case domain.SourceTypeLocalFile:
		return s.localProcessor.Process(ctx, req)
	case domain.SourceTypeS3Presigned:
		if s.objectProcessor == nil {
			return pipeline.Result{}, fmt.Errorf("%w: object storage is disabled", pipeline.ErrUnsupportedSourceType)
		}
		return s.objectProcessor.Process(ctx, req)
	default:
		return pipeline.Result{}, fmt.Errorf("%w: %s", pipeline.ErrUnsupportedSourceType, req.SourceType)
	}
}

// permanent reports failures that another attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, pipeline.ErrUnsupportedSourceType) ||
		errors.Is(err, imageio.ErrNotFound) ||
		errors.Is(err, imageio.ErrUnsupportedFormat) ||
		errors.Is(err, imageio.ErrTooManyPixels)
}

func (s *Server) recordResult(result pipeline.Result) {
	s.metrics.pixelsComposedTotal.Add(float64(result.Pixels))
	s.metrics.exportedBytesTotal.Add(result.Export.SizeMB * 1024 * 1024)
	if result.RemovalStrategy != "" {
		s.metrics.backgroundRemovals.WithLabelValues(result.RemovalStrategy).Inc()
	}
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Warn("job status update failed", zap.String("job_id", jobID), zap.String("status", status), zap.Error(err))
	}
}

func (s *Server) completeJob(ctx context.Context, jobID, status string, result pipeline.Result) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.Complete(ctx, jobID, status, result.Export, result.OutputKey); err != nil {
		s.logger.Warn("job completion update failed", zap.String("job_id", jobID), zap.String("status", status), zap.Error(err))
	}
}

func webhookSubject(payload queue.ComposeThumbnailPayload, transform domain.Transform) webhook.Subject {
	return webhook.Subject{
		JobID:       payload.JobID,
		SourceType:  payload.SourceType,
		Transform:   transform,
		RequestedAt: payload.RequestedAt,
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ComposeThumbnailPayload, ev webhook.Event) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Deliver(ctx, payload.WebhookURL, ev); err != nil {
		s.logger.Warn("webhook delivery failed", zap.String("job_id", payload.JobID), zap.String("event", ev.Type), zap.Error(err))
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}
