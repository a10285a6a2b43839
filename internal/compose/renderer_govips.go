//go:build govips && cgo

package compose

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/disintegration/imaging"
)

// govipsRenderer resamples through libvips. Any libvips failure falls back
// to the imaging implementation so the geometry contract still holds.
type govipsRenderer struct {
	fallback imagingRenderer
}

func (r govipsRenderer) resize(img image.Image, width, height int) *image.NRGBA {
	out, err := withVips(img, func(ref *vips.ImageRef) error {
		hScale := float64(width) / float64(ref.Width())
		vScale := float64(height) / float64(ref.Height())
		return ref.ResizeWithVScale(hScale, vScale, vips.KernelLanczos3)
	})
	if err != nil || out.Bounds().Dx() != width || out.Bounds().Dy() != height {
		return r.fallback.resize(img, width, height)
	}
	return out
}

func (r govipsRenderer) fill(img image.Image, width, height int) *image.NRGBA {
	cw, ch := CoverCrop(img.Bounds().Dx(), img.Bounds().Dy(), width, height)
	return r.resize(imaging.CropCenter(img, cw, ch), width, height)
}

func (r govipsRenderer) rotate(img image.Image, degrees float64, bg color.Color) *image.NRGBA {
	c := color.NRGBAModel.Convert(bg).(color.NRGBA)
	out, err := withVips(img, func(ref *vips.ImageRef) error {
		if !ref.HasAlpha() {
			if err := ref.AddAlpha(); err != nil {
				return err
			}
		}
		// libvips rotates clockwise for positive angles.
		return ref.Similarity(1.0, -degrees, &vips.ColorRGBA{R: c.R, G: c.G, B: c.B, A: c.A}, 0, 0, 0, 0)
	})
	if err != nil {
		return r.fallback.rotate(img, degrees, bg)
	}
	return out
}

func withVips(img image.Image, op func(*vips.ImageRef) error) (*image.NRGBA, error) {
	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.NoCompression}
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode vips input: %w", err)
	}

	ref, err := vips.NewImageFromBuffer(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load vips image: %w", err)
	}
	defer ref.Close()

	if err := op(ref); err != nil {
		return nil, err
	}

	out, err := ref.ToImage(vips.NewDefaultPNGExportParams())
	if err != nil {
		return nil, fmt.Errorf("export vips image: %w", err)
	}
	return imaging.Clone(out), nil
}
