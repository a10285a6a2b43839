package catalog

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestListSortsAndMeasures(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "studio.png"), 40, 30)
	writeImage(t, filepath.Join(dir, "beach.jpg"), 20, 10)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("garbage"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.png"), 0o755))

	assets, err := List(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, assets, 2)

	assert.Equal(t, Asset{Filename: "beach.jpg", Path: filepath.Join(dir, "beach.jpg"), Width: 20, Height: 10}, assets[0])
	assert.Equal(t, "studio.png", assets[1].Filename)
	assert.Equal(t, 40, assets[1].Width)
	assert.Equal(t, 30, assets[1].Height)
}

func TestListMissingDirectory(t *testing.T) {
	assets, err := List(filepath.Join(t.TempDir(), "absent"), nil)
	require.NoError(t, err)
	assert.NotNil(t, assets)
	assert.Empty(t, assets)
}

func writeImage(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	require.NoError(t, imaging.Save(img, path))
}
