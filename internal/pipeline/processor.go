package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dunamismax/thumbforge/internal/bgremoval"
	"github.com/dunamismax/thumbforge/internal/compose"
	"github.com/dunamismax/thumbforge/internal/domain"
	"github.com/dunamismax/thumbforge/internal/export"
	"github.com/dunamismax/thumbforge/internal/imageio"
)

const (
	SourceTypeLocalFile   = domain.SourceTypeLocalFile
	SourceTypeS3Presigned = domain.SourceTypeS3Presigned
)

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrExportFailed          = errors.New("export failed")
)

// Role tells a fetcher which of the two inputs it is loading.
type Role string

const (
	RoleProduct    Role = "product"
	RoleBackground Role = "background"
)

type Request struct {
	JobID            string
	SourceType       string
	ProductKey       string
	BackgroundKey    string
	Transform        domain.Transform
	Filename         string
	OriginalName     string
	RemoveBackground bool
}

func (r Request) key(role Role) string {
	if role == RoleBackground {
		return r.BackgroundKey
	}
	return r.ProductKey
}

type Result struct {
	Export domain.ExportResult
	// OutputKey is set when an emitter mirrored the file to object storage.
	OutputKey       string
	SourceBytes     int64
	Pixels          int
	RemovalStrategy string
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request, role Role) ([]byte, error)
}

// Emitter publishes an exported thumbnail somewhere beyond the output
// directory and returns the location it wrote to.
type Emitter interface {
	Emit(ctx context.Context, req Request, export domain.ExportResult) (string, error)
}

type Options struct {
	Fetcher Fetcher
	Remover bgremoval.Remover
	Emitter Emitter
	Logger  *zap.Logger
}

type Processor struct {
	fetcher    Fetcher
	remover    bgremoval.Remover
	compositor *compose.Compositor
	exporter   *export.Exporter
	emitter    Emitter
	logger     *zap.Logger
}

func NewProcessor(exporter *export.Exporter, opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		fetcher:    opts.Fetcher,
		remover:    opts.Remover,
		compositor: compose.New(logger),
		exporter:   exporter,
		emitter:    opts.Emitter,
		logger:     logger,
	}
}

// NewLocalProcessor reads inputs from the given directories and writes
// thumbnails to outputDir with no removal or mirroring.
func NewLocalProcessor(productsDir, backgroundsDir, outputDir string, logger *zap.Logger) *Processor {
	return NewProcessor(export.NewExporter(outputDir, logger), Options{
		Fetcher: LocalFileFetcher{ProductsDir: productsDir, BackgroundsDir: backgroundsDir},
		Logger:  logger,
	})
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if p.fetcher == nil {
		return Result{}, errors.New("fetcher is required")
	}

	productBytes, err := p.fetcher.Fetch(ctx, req, RoleProduct)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage role=product: %w", err)
	}
	backgroundBytes, err := p.fetcher.Fetch(ctx, req, RoleBackground)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage role=background: %w", err)
	}

	product, err := imageio.Decode(productBytes)
	if err != nil {
		return Result{}, fmt.Errorf("decode stage role=product: %w", err)
	}
	background, err := imageio.Decode(backgroundBytes)
	if err != nil {
		return Result{}, fmt.Errorf("decode stage role=background: %w", err)
	}

	if strings.TrimSpace(req.OriginalName) == "" {
		req.OriginalName = filepath.Base(req.ProductKey)
	}

	out, err := p.ComposeImages(ctx, product, background, req)
	out.SourceBytes = int64(len(productBytes) + len(backgroundBytes))
	return out, err
}

// ComposeImages runs removal, composition, export and emission on already
// decoded inputs.
func (p *Processor) ComposeImages(ctx context.Context, product, background image.Image, req Request) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	var out Result
	if req.RemoveBackground && p.remover != nil {
		product, out.RemovalStrategy = p.removeBackground(ctx, product)
	}

	composition, err := p.compositor.Compose(product, background, req.Transform)
	if err != nil {
		return Result{}, fmt.Errorf("compose stage: %w", err)
	}
	out.Pixels = composition.Bounds().Dx() * composition.Bounds().Dy()

	out.Export = p.exporter.Export(composition, export.Options{
		Filename:     req.Filename,
		OriginalName: req.OriginalName,
	})
	if !out.Export.Success {
		return out, fmt.Errorf("%w: %s", ErrExportFailed, out.Export.Error)
	}

	if p.emitter != nil {
		key, err := p.emitter.Emit(ctx, req, out.Export)
		if err != nil {
			return out, fmt.Errorf("emit stage: %w", err)
		}
		out.OutputKey = key
	}

	return out, nil
}

// removeBackground applies the remover and keeps the original product when
// it yields nothing.
func (p *Processor) removeBackground(ctx context.Context, product image.Image) (image.Image, string) {
	if chain, ok := p.remover.(*bgremoval.Chain); ok {
		out, strategy, err := chain.Remove(ctx, product)
		if err != nil {
			p.logger.Warn("background removal unavailable, using original product", zap.Error(err))
			return product, ""
		}
		return out, strategy
	}

	out, err := p.remover.RemoveBackground(ctx, product)
	if err != nil || out == nil {
		p.logger.Warn("background removal unavailable, using original product", zap.Error(err))
		return product, ""
	}
	return out, "custom"
}

// LocalFileFetcher reads inputs from disk. When a directory is configured
// for a role, only the base name of the key is looked up inside it.
type LocalFileFetcher struct {
	ProductsDir    string
	BackgroundsDir string
}

func (f LocalFileFetcher) Fetch(ctx context.Context, req Request, role Role) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	path := f.Resolve(role, req.key(role))
	if !imageio.Supported(path) {
		return nil, fmt.Errorf("%w: %s", imageio.ErrUnsupportedFormat, filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", imageio.ErrNotFound, path)
		}
		return nil, fmt.Errorf("read input file %s: %w", path, err)
	}
	return data, nil
}

// Resolve maps a job key to the file it is read from.
func (f LocalFileFetcher) Resolve(role Role, key string) string {
	dir := f.ProductsDir
	if role == RoleBackground {
		dir = f.BackgroundsDir
	}
	if strings.TrimSpace(dir) == "" {
		return key
	}
	return filepath.Join(dir, filepath.Base(key))
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
