package export

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/thumbforge/internal/compose"
	"github.com/dunamismax/thumbforge/internal/domain"
	"go.uber.org/zap"
)

var errNilComposition = errors.New("composition is nil")

// Options carries the optional naming inputs of an export.
type Options struct {
	Filename     string
	OriginalName string
}

// Exporter writes canvas-sized PNG thumbnails into a single directory.
type Exporter struct {
	outputDir string
	logger    *zap.Logger
	now       func() time.Time
}

func NewExporter(outputDir string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		outputDir: outputDir,
		logger:    logger,
		now:       time.Now,
	}
}

func (e *Exporter) OutputDir() string {
	return e.outputDir
}

// Export letterboxes composition onto the canvas and saves it as PNG.
// It never returns an error: failures are reported in the result.
func (e *Exporter) Export(composition image.Image, opts Options) (result domain.ExportResult) {
	filename := DeriveFilename(opts.Filename, opts.OriginalName, e.now())

	defer func() {
		if r := recover(); r != nil {
			result = e.failure(filename, fmt.Errorf("export panicked: %v", r))
		}
	}()

	if composition == nil {
		return e.failure(filename, errNilComposition)
	}

	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return e.failure(filename, fmt.Errorf("create output dir: %w", err))
	}

	fullPath := filepath.Join(e.outputDir, filename)
	if err := writePNG(fullPath, Letterbox(composition)); err != nil {
		return e.failure(filename, err)
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return e.failure(filename, fmt.Errorf("stat output file: %w", err))
	}

	sizeMB := float64(info.Size()) / (1024 * 1024)
	e.logger.Info("thumbnail exported",
		zap.String("path", fullPath),
		zap.Float64("size_mb", sizeMB),
	)
	return domain.ExportResult{
		Success:  true,
		FilePath: fullPath,
		Filename: filename,
		SizeMB:   sizeMB,
	}
}

func (e *Exporter) failure(filename string, err error) domain.ExportResult {
	e.logger.Error("thumbnail export failed", zap.String("filename", filename), zap.Error(err))
	return domain.ExportResult{
		Success:  false,
		Filename: filename,
		Error:    "save thumbnail: " + err.Error(),
	}
}

// Letterbox returns img unchanged when it already matches the canvas.
// Otherwise it is scaled to fit inside the canvas and centered on a
// transparent background, so no content is cropped.
func Letterbox(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() == compose.CanvasSize && b.Dy() == compose.CanvasSize {
		return img
	}

	scale := math.Min(
		float64(compose.CanvasSize)/float64(b.Dx()),
		float64(compose.CanvasSize)/float64(b.Dy()),
	)
	w, h := compose.ScaledSize(b.Dx(), b.Dy(), scale)
	w = min(w, compose.CanvasSize)
	h = min(h, compose.CanvasSize)

	resized := compose.Resize(img, w, h)
	canvas := imaging.New(compose.CanvasSize, compose.CanvasSize, color.NRGBA{})
	return imaging.Paste(canvas, resized, image.Pt((compose.CanvasSize-w)/2, (compose.CanvasSize-h)/2))
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}

	if err := imaging.Encode(f, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("encode png: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close output file: %w", err)
	}
	return nil
}
