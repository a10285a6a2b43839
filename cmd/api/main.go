package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/dunamismax/thumbforge/internal/api"
	"github.com/dunamismax/thumbforge/internal/bgremoval"
	"github.com/dunamismax/thumbforge/internal/compose"
	"github.com/dunamismax/thumbforge/internal/config"
	"github.com/dunamismax/thumbforge/internal/export"
	"github.com/dunamismax/thumbforge/internal/logging"
	"github.com/dunamismax/thumbforge/internal/pipeline"
	"github.com/dunamismax/thumbforge/internal/queue"
	"github.com/dunamismax/thumbforge/internal/ratelimit"
	"github.com/dunamismax/thumbforge/internal/storage"
	"github.com/dunamismax/thumbforge/internal/store"
	"github.com/dunamismax/thumbforge/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("api")
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	if err := compose.Startup(); err != nil {
		logger.Fatal("raster backend startup failed", zap.Error(err))
	}
	defer compose.Shutdown()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "thumbforge-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close error", zap.Error(err))
		}
	}()

	var jobStore store.JobStore = store.NewMemoryJobStore()
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatal("postgres job store failed", zap.Error(err))
		}
		defer pg.Close()
		jobStore = pg
	}

	processor := pipeline.NewProcessor(export.NewExporter(cfg.Paths.OutputDir, logger), pipeline.Options{
		Remover: bgremoval.NewChainFromConfig(cfg.RemoveBG, logger),
		Logger:  logger,
	})

	opts := api.Options{
		QueueClient: queueClient,
		QueueName:   cfg.Queue.Name,
		JobStore:    jobStore,
		Composer:    processor,
		LocalFiles: pipeline.LocalFileFetcher{
			ProductsDir:    cfg.Paths.ProductsDir,
			BackgroundsDir: cfg.Paths.BackgroundsDir,
		},
		MaxUploadBytes:        cfg.Upload.MaxBytes(),
		MaxUploadPixels:       cfg.Upload.MaxPixels,
		PresignTTL:            cfg.API.PresignTTL,
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
		Tracer:                otel.Tracer("thumbforge/api"),
	}

	if cfg.Storage.Enabled {
		storageClient, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Fatal("storage client failed", zap.Error(err))
		}
		if err := storageClient.EnsureBucket(ctx); err != nil {
			logger.Fatal("ensure bucket failed", zap.Error(err))
		}
		opts.Storage = storageClient
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, ratelimit.Config{
			Capacity: cfg.RateLimit.Capacity,
			Window:   cfg.RateLimit.Window,
		})
		if err != nil {
			logger.Fatal("rate limiter setup failed", zap.Error(err))
		}
		opts.RateLimiter = limiter
		opts.RateLimitCosts = ratelimit.Costs{ratelimit.OperationCompose: int64(cfg.RateLimit.ComposeCost)}
	}

	app := api.NewServer(logger, opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.API.Addr), zap.String("backend", compose.Backend()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}
