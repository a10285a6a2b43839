package compose

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/thumbforge/internal/domain"
	"go.uber.org/zap"
)

var (
	ErrNilImage   = errors.New("image is nil")
	ErrEmptyImage = errors.New("image has no pixels")
)

var (
	transparent = color.NRGBA{}
	white       = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// Compositor layers a product over a background on the fixed canvas.
type Compositor struct {
	logger *zap.Logger
	r      renderer
}

func New(logger *zap.Logger) *Compositor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compositor{logger: logger, r: activeRenderer}
}

// Compose normalizes the background, transforms the product and places it.
func (c *Compositor) Compose(product, background image.Image, t domain.Transform) (*image.NRGBA, error) {
	if err := checkImage("product", product); err != nil {
		return nil, err
	}
	if err := checkImage("background", background); err != nil {
		return nil, err
	}

	bg := c.NormalizeBackground(background)
	layer := c.TransformProduct(product, t)
	out := c.Place(bg, layer, t)

	c.logger.Debug("composition ready",
		zap.Int("product_w", layer.Image.Bounds().Dx()),
		zap.Int("product_h", layer.Image.Bounds().Dy()),
		zap.Bool("product_alpha", layer.Alpha),
		zap.Int("x", t.X()),
		zap.Int("y", t.Y()),
		zap.Float64("scale", t.Scale()),
		zap.Float64("rotation", t.Rotation()),
	)
	return out, nil
}

// NormalizeBackground returns an opaque canvas-sized copy of bg. Other sizes
// are center-cropped to the canvas aspect ratio, then scaled to fit.
func (c *Compositor) NormalizeBackground(bg image.Image) *image.NRGBA {
	b := bg.Bounds()
	if b.Dx() == CanvasSize && b.Dy() == CanvasSize {
		return flatten(imaging.Clone(bg))
	}
	return flatten(c.r.fill(bg, CanvasSize, CanvasSize))
}

// TransformProduct scales then rotates product. Newly exposed corners are
// transparent for alpha sources and white otherwise.
func (c *Compositor) TransformProduct(product image.Image, t domain.Transform) Layer {
	alpha := HasAlpha(product)

	var img *image.NRGBA
	if t.Scale() != 1.0 {
		b := product.Bounds()
		w, h := ScaledSize(b.Dx(), b.Dy(), t.Scale())
		img = c.r.resize(product, w, h)
	} else {
		img = imaging.Clone(product)
	}

	if t.Rotation() != 0 {
		fillColor := white
		if alpha {
			fillColor = transparent
		}
		img = c.r.rotate(img, t.Rotation(), fillColor)
	}

	return Layer{Image: img, Alpha: alpha}
}

// Place pastes layer onto a copy of bg so its center sits at the canvas
// center shifted by the transform offset, clamped to stay inside the canvas.
func (c *Compositor) Place(bg *image.NRGBA, layer Layer, t domain.Transform) *image.NRGBA {
	b := bg.Bounds()
	lb := layer.Image.Bounds()
	pos := PastePosition(b.Dx(), b.Dy(), lb.Dx(), lb.Dy(), t)

	var out *image.NRGBA
	if layer.Alpha {
		out = imaging.Overlay(bg, layer.Image, pos, 1.0)
	} else {
		out = imaging.Paste(bg, layer.Image, pos)
	}
	return flatten(out)
}

// PastePosition computes the top-left corner for a productW×productH layer.
// When the layer is larger than the canvas on an axis the position pins to 0.
func PastePosition(canvasW, canvasH, productW, productH int, t domain.Transform) image.Point {
	x := canvasW/2 - productW/2 + t.X()
	y := canvasH/2 - productH/2 + t.Y()
	return image.Pt(
		max(0, min(x, canvasW-productW)),
		max(0, min(y, canvasH-productH)),
	)
}

func checkImage(name string, img image.Image) error {
	if img == nil {
		return fmt.Errorf("%s: %w", name, ErrNilImage)
	}
	if img.Bounds().Empty() {
		return fmt.Errorf("%s: %w", name, ErrEmptyImage)
	}
	return nil
}
