package compose

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// renderer is the resampling backend. The default build uses imaging; the
// govips build tag swaps in libvips.
type renderer interface {
	resize(img image.Image, width, height int) *image.NRGBA
	fill(img image.Image, width, height int) *image.NRGBA
	rotate(img image.Image, degrees float64, bg color.Color) *image.NRGBA
}

type imagingRenderer struct{}

func (imagingRenderer) resize(img image.Image, width, height int) *image.NRGBA {
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

func (imagingRenderer) fill(img image.Image, width, height int) *image.NRGBA {
	cw, ch := CoverCrop(img.Bounds().Dx(), img.Bounds().Dy(), width, height)
	cropped := imaging.CropCenter(img, cw, ch)
	return imaging.Resize(cropped, width, height, imaging.Lanczos)
}

func (imagingRenderer) rotate(img image.Image, degrees float64, bg color.Color) *image.NRGBA {
	return imaging.Rotate(img, degrees, bg)
}

// Resize scales img to exactly width×height with the active backend.
func Resize(img image.Image, width, height int) *image.NRGBA {
	return activeRenderer.resize(img, width, height)
}

// CoverCrop returns the largest srcW×srcH sub-rectangle size with the
// width:height aspect ratio. Cropping to it before resampling keeps the
// working set bounded by the source, whatever its aspect ratio.
func CoverCrop(srcW, srcH, width, height int) (int, int) {
	cw := min(srcW, int(math.Round(float64(srcH)*float64(width)/float64(height))))
	ch := min(srcH, int(math.Round(float64(srcW)*float64(height)/float64(width))))
	return max(1, cw), max(1, ch)
}

// ScaledSize returns (round(w*scale), round(h*scale)), never below 1px.
func ScaledSize(w, h int, scale float64) (int, int) {
	return max(1, int(math.Round(float64(w)*scale))), max(1, int(math.Round(float64(h)*scale)))
}
