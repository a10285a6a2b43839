package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dunamismax/thumbforge/internal/bgremoval"
	"github.com/dunamismax/thumbforge/internal/compose"
	"github.com/dunamismax/thumbforge/internal/config"
	"github.com/dunamismax/thumbforge/internal/export"
	"github.com/dunamismax/thumbforge/internal/logging"
	"github.com/dunamismax/thumbforge/internal/pipeline"
	"github.com/dunamismax/thumbforge/internal/storage"
	"github.com/dunamismax/thumbforge/internal/store"
	"github.com/dunamismax/thumbforge/internal/telemetry"
	"github.com/dunamismax/thumbforge/internal/webhook"
	"github.com/dunamismax/thumbforge/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("worker")
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	if err := compose.Startup(); err != nil {
		logger.Fatal("raster backend startup failed", zap.Error(err))
	}
	defer compose.Shutdown()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "thumbforge-worker",
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

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_jobs", cfg.Worker.MaxActiveJobs),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
		zap.String("backend", compose.Backend()),
	)

	var jobStore store.JobStore = store.NewMemoryJobStore()
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatal("postgres job store failed", zap.Error(err))
		}
		defer pg.Close()
		jobStore = pg
	}

	remover := bgremoval.NewChainFromConfig(cfg.RemoveBG, logger)
	exporter := export.NewExporter(cfg.Paths.OutputDir, logger)

	processors := worker.Processors{
		Local: pipeline.NewProcessor(exporter, pipeline.Options{
			Fetcher: pipeline.LocalFileFetcher{
				ProductsDir:    cfg.Paths.ProductsDir,
				BackgroundsDir: cfg.Paths.BackgroundsDir,
			},
			Remover: remover,
			Logger:  logger,
		}),
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
		processors.Object = pipeline.NewProcessor(exporter, pipeline.Options{
			Fetcher: pipeline.ObjectStoreFetcher{Storage: storageClient},
			Emitter: pipeline.ObjectStoreEmitter{Storage: storageClient},
			Remover: remover,
			Logger:  logger,
		})
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, processors, webhookClient, jobStore)
	if err != nil {
		logger.Fatal("worker setup failed", zap.Error(err))
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	// Run blocks until SIGTERM or SIGINT.
	if err := srv.Run(); err != nil {
		logger.Error("worker failed", zap.Error(err))
	}
}
