package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	ErrNotFound          = errors.New("image file not found")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrTooManyPixels     = errors.New("image dimensions exceed pixel limit")
)

var supportedExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".webp": {},
	".bmp":  {},
}

// Supported reports whether path has an extension the loader accepts.
func Supported(path string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Load reads and decodes an image file, applying EXIF orientation.
func Load(path string) (image.Image, error) {
	if !Supported(path) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}

	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Decode decodes PNG, JPEG, WEBP or BMP bytes. Images declaring more than
// DefaultMaxPixels are rejected from their header.
func Decode(data []byte) (image.Image, error) {
	cfg, _, cfgErr := image.DecodeConfig(bytes.NewReader(data))
	if cfgErr == nil && int64(cfg.Width)*int64(cfg.Height) > DefaultMaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if cfgErr == nil && opaqueModel(cfg.ColorModel) {
		img = asOpaque(img)
	}
	return img, nil
}

// opaqueModel reports whether an encoded colour model has no alpha channel.
func opaqueModel(m color.Model) bool {
	switch m {
	case color.RGBAModel, color.RGBA64Model, color.GrayModel, color.Gray16Model, color.YCbCrModel, color.CMYKModel:
		return true
	}
	if p, ok := m.(color.Palette); ok {
		for _, c := range p {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return false
			}
		}
		return true
	}
	return false
}

// asOpaque re-labels an orientation-corrected NRGBA buffer of an opaque
// source as RGBA. With every alpha at 0xff both layouts hold the same bytes.
func asOpaque(img image.Image) image.Image {
	if n, ok := img.(*image.NRGBA); ok {
		return &image.RGBA{Pix: n.Pix, Stride: n.Stride, Rect: n.Rect}
	}
	return img
}
