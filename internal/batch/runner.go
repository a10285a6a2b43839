// Package batch composes every product against every background in two
// catalog directories.
package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dunamismax/thumbforge/internal/catalog"
	"github.com/dunamismax/thumbforge/internal/domain"
	"github.com/dunamismax/thumbforge/internal/export"
	"github.com/dunamismax/thumbforge/internal/pipeline"
)

// Presets rotate across pairs so a batch shows some variety.
var Presets = []domain.Transform{
	domain.NewTransform(0, 0, 0.8, 0),
	domain.NewTransform(0, -50, 0.9, 0),
	domain.NewTransform(0, 0, 1.0, 0),
	domain.NewTransform(0, 30, 0.85, 0),
}

// PresetFor picks the transform for product i and background j.
func PresetFor(i, j int) domain.Transform {
	return Presets[(i+j)%len(Presets)]
}

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type Config struct {
	ProductsDir      string
	BackgroundsDir   string
	Concurrency      int
	RemoveBackground bool
}

type Item struct {
	Product    string
	Background string
	Transform  domain.Transform
	Result     domain.ExportResult
	Err        error
}

type Report struct {
	Generated int
	Failed    int
	Items     []Item
}

type Runner struct {
	cfg       Config
	processor processor
	logger    *zap.Logger
	now       func() time.Time
}

func NewRunner(cfg Config, proc processor, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Runner{cfg: cfg, processor: proc, logger: logger, now: time.Now}
}

// Run composes all pairs. Individual failures are counted in the report;
// only an unreadable catalog directory or cancellation fails the run.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	products, err := catalog.List(r.cfg.ProductsDir, r.logger)
	if err != nil {
		return Report{}, fmt.Errorf("list products: %w", err)
	}
	backgrounds, err := catalog.List(r.cfg.BackgroundsDir, r.logger)
	if err != nil {
		return Report{}, fmt.Errorf("list backgrounds: %w", err)
	}

	r.logger.Info("batch starting",
		zap.Int("products", len(products)),
		zap.Int("backgrounds", len(backgrounds)),
		zap.Int("pairs", len(products)*len(backgrounds)),
	)

	items := make([]Item, len(products)*len(backgrounds))
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)

	for i, product := range products {
		for j, background := range backgrounds {
			slot := i*len(backgrounds) + j
			item := Item{
				Product:    product.Filename,
				Background: background.Filename,
				Transform:  PresetFor(i, j),
			}

			g.Go(func() error {
				items[slot] = r.compose(ctx, slot, item)
				return nil
			})
		}
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	report := Report{Items: items}
	for _, item := range items {
		if item.Err == nil && item.Result.Success {
			report.Generated++
		} else {
			report.Failed++
		}
	}

	r.logger.Info("batch finished", zap.Int("generated", report.Generated), zap.Int("failed", report.Failed))
	return report, nil
}

func (r *Runner) compose(ctx context.Context, slot int, item Item) Item {
	if err := ctx.Err(); err != nil {
		item.Err = err
		return item
	}

	result, err := r.processor.Process(ctx, pipeline.Request{
		JobID:            fmt.Sprintf("batch-%d", slot),
		SourceType:       pipeline.SourceTypeLocalFile,
		ProductKey:       item.Product,
		BackgroundKey:    item.Background,
		Transform:        item.Transform,
		Filename:         export.UniqueName(PairName(item.Product, item.Background), r.now()),
		RemoveBackground: r.cfg.RemoveBackground,
	})
	item.Result = result.Export
	item.Err = err
	if err != nil {
		r.logger.Warn("pair failed",
			zap.String("product", item.Product),
			zap.String("background", item.Background),
			zap.Error(err),
		)
	}
	return item
}

// PairName is <product>_with_<background> with spaces turned into
// underscores.
func PairName(product, background string) string {
	return stem(product) + "_with_" + stem(background)
}

func stem(name string) string {
	name = filepath.Base(name)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return strings.ReplaceAll(name, " ", "_")
}
