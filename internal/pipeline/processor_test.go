package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dunamismax/thumbforge/internal/bgremoval"
	"github.com/dunamismax/thumbforge/internal/compose"
	"github.com/dunamismax/thumbforge/internal/domain"
	"github.com/dunamismax/thumbforge/internal/export"
	"github.com/dunamismax/thumbforge/internal/imageio"
)

func TestLocalProcessor_ComposesFromDirectories(t *testing.T) {
	tmp := t.TempDir()
	productsDir := filepath.Join(tmp, "products")
	backgroundsDir := filepath.Join(tmp, "backgrounds")
	outputDir := filepath.Join(tmp, "out")
	require.NoError(t, os.MkdirAll(productsDir, 0o755))
	require.NoError(t, os.MkdirAll(backgroundsDir, 0o755))

	writeFile(t, filepath.Join(productsDir, "mug.png"), solidPNG(t, 200, 100, color.NRGBA{R: 0xff, A: 0xff}))
	writeFile(t, filepath.Join(backgroundsDir, "desk.png"), solidPNG(t, 400, 300, color.NRGBA{B: 0xff, A: 0xff}))

	processor := NewLocalProcessor(productsDir, backgroundsDir, outputDir, zaptest.NewLogger(t))
	result, err := processor.Process(context.Background(), Request{
		JobID:         "job-local-1",
		SourceType:    SourceTypeLocalFile,
		ProductKey:    "../../etc/mug.png",
		BackgroundKey: "desk.png",
		Transform:     domain.IdentityTransform(),
	})
	require.NoError(t, err)

	assert.True(t, result.Export.Success)
	assert.Equal(t, "mug_thumb.png", result.Export.Filename)
	assert.Equal(t, filepath.Join(outputDir, "mug_thumb.png"), result.Export.FilePath)
	assert.Equal(t, compose.CanvasSize*compose.CanvasSize, result.Pixels)
	assert.Positive(t, result.SourceBytes)
	assert.Empty(t, result.OutputKey)

	img, err := imageio.Load(result.Export.FilePath)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, compose.CanvasSize, compose.CanvasSize), img.Bounds())

	r, g, b, a := img.At(compose.CanvasSize/2, compose.CanvasSize/2).RGBA()
	assert.Equal(t, [4]uint32{0xffff, 0, 0, 0xffff}, [4]uint32{r, g, b, a}, "product centred")
	r, g, b, a = img.At(5, 5).RGBA()
	assert.Equal(t, [4]uint32{0, 0, 0xffff, 0xffff}, [4]uint32{r, g, b, a}, "background in the corner")
}

func TestLocalProcessor_Errors(t *testing.T) {
	tmp := t.TempDir()
	processor := NewLocalProcessor(tmp, tmp, filepath.Join(tmp, "out"), nil)

	_, err := processor.Process(context.Background(), Request{SourceType: SourceTypeLocalFile})
	assert.Error(t, err, "job id required")

	_, err = processor.Process(context.Background(), Request{
		JobID:         "job-unsupported",
		SourceType:    SourceTypeS3Presigned,
		ProductKey:    "p.png",
		BackgroundKey: "b.png",
	})
	assert.ErrorIs(t, err, ErrUnsupportedSourceType)

	_, err = processor.Process(context.Background(), Request{
		JobID:         "job-missing",
		SourceType:    SourceTypeLocalFile,
		ProductKey:    "absent.png",
		BackgroundKey: "absent.png",
	})
	assert.ErrorIs(t, err, imageio.ErrNotFound)

	_, err = processor.Process(context.Background(), Request{
		JobID:         "job-format",
		SourceType:    SourceTypeLocalFile,
		ProductKey:    "product.tiff",
		BackgroundKey: "bg.png",
	})
	assert.ErrorIs(t, err, imageio.ErrUnsupportedFormat)
}

func TestProcessor_ObjectStoreRoundTrip(t *testing.T) {
	store := &memoryObjects{objects: map[string][]byte{}}
	productKey, backgroundKey := UploadKeys("job-7")
	store.objects[productKey] = solidPNG(t, 50, 50, color.NRGBA{G: 0xff, A: 0xff})
	store.objects[backgroundKey] = solidPNG(t, 1080, 1080, color.NRGBA{R: 0x10, G: 0x10, B: 0x10, A: 0xff})

	outputDir := t.TempDir()
	processor := NewProcessor(export.NewExporter(outputDir, nil), Options{
		Fetcher: ObjectStoreFetcher{Storage: store},
		Emitter: ObjectStoreEmitter{Storage: store},
	})

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-7",
		SourceType: SourceTypeS3Presigned,
		Transform:  domain.NewTransform(10, -10, 2.0, 0),
		Filename:   "hero shot",
	})
	require.NoError(t, err)

	assert.Equal(t, "hero shot_thumb.png", result.Export.Filename)
	assert.Equal(t, "outputs/job-7/hero_shot_thumb.png", result.OutputKey)
	assert.Equal(t, result.Export.FilePath, store.uploaded[result.OutputKey])
}

func TestProcessor_ExportFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	writeFile(t, blocker, []byte("x"))

	processor := NewProcessor(export.NewExporter(filepath.Join(blocker, "out"), nil), Options{})
	product := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	background := image.NewNRGBA(image.Rect(0, 0, 10, 10))

	result, err := processor.ComposeImages(context.Background(), product, background, Request{Transform: domain.IdentityTransform()})
	require.ErrorIs(t, err, ErrExportFailed)
	assert.False(t, result.Export.Success)
	assert.NotEmpty(t, result.Export.Error)
}

func TestProcessor_RemovalFallsBackToOriginal(t *testing.T) {
	processor := NewProcessor(export.NewExporter(t.TempDir(), nil), Options{
		Remover: failingRemover{},
		Logger:  zaptest.NewLogger(t),
	})
	product := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	background := image.NewNRGBA(image.Rect(0, 0, 10, 10))

	result, err := processor.ComposeImages(context.Background(), product, background, Request{
		Transform:        domain.IdentityTransform(),
		RemoveBackground: true,
	})
	require.NoError(t, err)
	assert.True(t, result.Export.Success)
	assert.Empty(t, result.RemovalStrategy)
}

func TestProcessor_RemovalThroughChain(t *testing.T) {
	chain := bgremoval.NewChain(nil, bgremoval.NewLocalRemover(30), nil)
	processor := NewProcessor(export.NewExporter(t.TempDir(), nil), Options{Remover: chain})

	product := image.NewNRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			c := color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
			if x >= 10 && x < 30 && y >= 10 && y < 30 {
				c = color.NRGBA{R: 0x40, A: 0xff}
			}
			product.SetNRGBA(x, y, c)
		}
	}
	background := image.NewNRGBA(image.Rect(0, 0, 10, 10))

	result, err := processor.ComposeImages(context.Background(), product, background, Request{
		Transform:        domain.IdentityTransform(),
		RemoveBackground: true,
	})
	require.NoError(t, err)
	assert.Equal(t, bgremoval.StrategyLocal, result.RemovalStrategy)
}

func TestProcessor_CancelledContext(t *testing.T) {
	processor := NewProcessor(export.NewExporter(t.TempDir(), nil), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	_, err := processor.ComposeImages(ctx, img, img, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

type memoryObjects struct {
	objects  map[string][]byte
	uploaded map[string]string
}

func (m *memoryObjects) ReadObject(_ context.Context, key string) ([]byte, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (m *memoryObjects) UploadFile(_ context.Context, key, filePath, _ string) error {
	if m.uploaded == nil {
		m.uploaded = map[string]string{}
	}
	m.uploaded[key] = filePath
	return nil
}

type failingRemover struct{}

func (failingRemover) RemoveBackground(context.Context, image.Image) (image.Image, error) {
	return nil, bgremoval.ErrNoResult
}

func solidPNG(t testing.TB, w, h int, c color.NRGBA) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
