package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/thumbforge/internal/catalog"
	"github.com/dunamismax/thumbforge/internal/compose"
	"github.com/dunamismax/thumbforge/internal/domain"
	"github.com/dunamismax/thumbforge/internal/id"
	"github.com/dunamismax/thumbforge/internal/pipeline"
	"github.com/dunamismax/thumbforge/internal/queue"
	"github.com/dunamismax/thumbforge/internal/ratelimit"
	"github.com/dunamismax/thumbforge/internal/store"
)

type Server struct {
	logger                *zap.Logger
	queueClient           queueEnqueuer
	queueName             string
	jobStore              store.JobStore
	storage               objectStorage
	composer              composer
	localFiles            pipeline.LocalFileFetcher
	maxUploadBytes        int64
	maxUploadPixels       int64
	presignTTL            time.Duration
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	rateLimitCosts        ratelimit.Costs
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueComposeThumbnail(ctx context.Context, payload queue.ComposeThumbnailPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type composer interface {
	ComposeImages(ctx context.Context, product, background image.Image, req pipeline.Request) (pipeline.Result, error)
}

// Options wires the collaborators of the API. Storage, RateLimiter and
// Tracer are optional.
type Options struct {
	QueueClient           queueEnqueuer
	QueueName             string
	JobStore              store.JobStore
	Storage               objectStorage
	Composer              composer
	LocalFiles            pipeline.LocalFileFetcher
	MaxUploadBytes        int64
	MaxUploadPixels       int64
	PresignTTL            time.Duration
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	// RateLimitCosts overrides the token cost per operation.
	RateLimitCosts        ratelimit.Costs
	Tracer                trace.Tracer
}

func NewServer(logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if strings.TrimSpace(opts.RateLimitUserIDHeader) == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                logger,
		queueClient:           opts.QueueClient,
		queueName:             opts.QueueName,
		jobStore:              opts.JobStore,
		storage:               opts.Storage,
		composer:              opts.Composer,
		localFiles:            opts.LocalFiles,
		maxUploadBytes:        opts.MaxUploadBytes,
		maxUploadPixels:       opts.MaxUploadPixels,
		presignTTL:            opts.PresignTTL,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		rateLimitCosts:        mergeCosts(opts.RateLimitCosts),
		metrics:               newMetrics(),
		tracer:                opts.Tracer,
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

func mergeCosts(overrides ratelimit.Costs) ratelimit.Costs {
	costs := ratelimit.DefaultCosts()
	for op, cost := range overrides {
		if cost > 0 {
			costs[op] = cost
		}
	}
	return costs
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) PresignedGetURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("GET /v1/backgrounds", s.handleListBackgrounds)
	s.mux.HandleFunc("POST /v1/compositions", s.handleCompose)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "backend": compose.Backend()})
}

func (s *Server) handleListBackgrounds(w http.ResponseWriter, _ *http.Request) {
	assets, err := catalog.List(s.localFiles.BackgroundsDir, s.logger)
	if err != nil {
		s.logger.Error("list backgrounds failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list backgrounds"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backgrounds": assets})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	productKey := strings.TrimSpace(req.ProductKey)
	backgroundKey := strings.TrimSpace(req.BackgroundKey)
	uploadState := "not_required"
	uploads := map[string]string{}

	if sourceType == domain.SourceTypeS3Presigned {
		productKey, backgroundKey = pipeline.UploadKeys(jobID)
		for role, key := range map[string]string{"product": productKey, "background": backgroundKey} {
			url, err := s.storage.PresignedPutURL(r.Context(), key, s.presignTTL)
			if err != nil {
				s.logger.Error("generate presigned url failed", zap.String("job_id", jobID), zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate upload URL"})
				return
			}
			uploads[role+"_put_url"] = url
		}
		uploadState = "ready"
	}
	uploads["product_key"] = productKey
	uploads["background_key"] = backgroundKey
	uploads["presigned_url_state"] = uploadState

	job := domain.Job{
		ID:               jobID,
		Status:           domain.JobStatusCreated,
		SourceType:       sourceType,
		WebhookURL:       req.WebhookURL,
		ProductKey:       productKey,
		BackgroundKey:    backgroundKey,
		Transform:        req.TransformOrIdentity(),
		Filename:         req.Filename,
		OriginalName:     req.OriginalName,
		RemoveBackground: req.RemoveBackground,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Error("create job failed", zap.String("job_id", job.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}
	annotateJob(r.Context(), job)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":    job.ID,
		"status":    job.Status,
		"transform": job.Transform,
		"upload":    uploads,
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job id is required"})
		return
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("fetch job failed", zap.String("job_id", jobID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	annotateJob(r.Context(), job)
	if err := s.verifySourcesExist(r.Context(), job); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	taskInfo, err := s.queueClient.EnqueueComposeThumbnail(r.Context(), queue.PayloadForJob(job, time.Now().UTC()))
	if err != nil {
		s.logger.Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Warn("update status failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("fetch job failed", zap.String("job_id", jobID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	body := map[string]any{
		"job_id":            job.ID,
		"status":            job.Status,
		"source_type":       job.SourceType,
		"transform":         job.Transform,
		"remove_background": job.RemoveBackground,
		"created_at":        job.CreatedAt,
		"updated_at":        job.UpdatedAt,
	}
	if job.Status == domain.JobStatusSucceeded || job.Status == domain.JobStatusFailed {
		body["result"] = job.Result
	}
	if job.OutputKey != "" {
		body["output_key"] = job.OutputKey
		if url, err := s.storage.PresignedGetURL(r.Context(), job.OutputKey, s.presignTTL); err == nil {
			body["download_url"] = url
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) verifySourcesExist(ctx context.Context, job domain.Job) error {
	sources := []struct {
		role pipeline.Role
		key  string
	}{
		{pipeline.RoleProduct, job.ProductKey},
		{pipeline.RoleBackground, job.BackgroundKey},
	}

	for _, src := range sources {
		switch job.SourceType {
		case domain.SourceTypeLocalFile:
			path := s.localFiles.Resolve(src.role, src.key)
			if _, err := os.Stat(path); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("%s source is missing: %s", src.role, src.key)
				}
				return fmt.Errorf("%s source check failed: %w", src.role, err)
			}
		default:
			exists, err := s.storage.ObjectExists(ctx, src.key)
			if err != nil {
				return fmt.Errorf("%s source check failed: %w", src.role, err)
			}
			if !exists {
				return fmt.Errorf("%s source is missing: %s", src.role, src.key)
			}
		}
	}
	return nil
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
