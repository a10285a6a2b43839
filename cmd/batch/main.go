package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dunamismax/thumbforge/internal/batch"
	"github.com/dunamismax/thumbforge/internal/bgremoval"
	"github.com/dunamismax/thumbforge/internal/compose"
	"github.com/dunamismax/thumbforge/internal/config"
	"github.com/dunamismax/thumbforge/internal/export"
	"github.com/dunamismax/thumbforge/internal/logging"
	"github.com/dunamismax/thumbforge/internal/pipeline"
)

func main() {
	cfg := config.Load()

	productsDir := flag.String("products", cfg.Paths.ProductsDir, "directory of product images")
	backgroundsDir := flag.String("backgrounds", cfg.Paths.BackgroundsDir, "directory of background images")
	outputDir := flag.String("out", cfg.Paths.OutputDir, "directory thumbnails are written to")
	concurrency := flag.Int("concurrency", cfg.Worker.Concurrency, "compositions run in parallel")
	removeBackground := flag.Bool("remove-bg", false, "strip product backgrounds before composing")
	flag.Parse()

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("batch")
	defer func() { _ = logger.Sync() }()

	if err := compose.Startup(); err != nil {
		logger.Fatal("raster backend startup failed", zap.Error(err))
	}
	defer compose.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processor := pipeline.NewProcessor(export.NewExporter(*outputDir, logger), pipeline.Options{
		Fetcher: pipeline.LocalFileFetcher{ProductsDir: *productsDir, BackgroundsDir: *backgroundsDir},
		Remover: bgremoval.NewChainFromConfig(cfg.RemoveBG, logger),
		Logger:  logger,
	})

	runner := batch.NewRunner(batch.Config{
		ProductsDir:      *productsDir,
		BackgroundsDir:   *backgroundsDir,
		Concurrency:      *concurrency,
		RemoveBackground: *removeBackground,
	}, processor, logger)

	report, err := runner.Run(ctx)
	if err != nil {
		logger.Error("batch aborted", zap.Error(err))
		os.Exit(1)
	}

	var totalMB float64
	for _, item := range report.Items {
		if item.Result.Success {
			totalMB += item.Result.SizeMB
		}
	}
	logger.Info("batch report",
		zap.Int("generated", report.Generated),
		zap.Int("failed", report.Failed),
		zap.Float64("total_mb", totalMB),
		zap.String("output_dir", *outputDir),
	)
	if report.Failed > 0 {
		os.Exit(2)
	}
}
