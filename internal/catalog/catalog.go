// Package catalog lists the image assets available in a directory.
package catalog

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/dunamismax/thumbforge/internal/imageio"
)

type Asset struct {
	Filename string `json:"filename"`
	Path     string `json:"-"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// List returns the supported images in dir sorted by filename. Files whose
// header cannot be read are skipped. A missing directory yields no assets.
func List(dir string, logger *zap.Logger) ([]Asset, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Asset{}, nil
		}
		return nil, fmt.Errorf("read catalog dir %s: %w", dir, err)
	}

	assets := make([]Asset, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !imageio.Supported(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		cfg, err := decodeConfig(path)
		if err != nil {
			logger.Warn("skipping unreadable asset", zap.String("path", path), zap.Error(err))
			continue
		}

		assets = append(assets, Asset{
			Filename: entry.Name(),
			Path:     path,
			Width:    cfg.Width,
			Height:   cfg.Height,
		})
	}

	sort.Slice(assets, func(i, j int) bool { return assets[i].Filename < assets[j].Filename })
	return assets, nil
}

func decodeConfig(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	return cfg, err
}
