package compose

import (
	"image"
	"image/color"
)

// CanvasSize is the edge length of every composition and export.
const CanvasSize = 1080

// Canvas is the fixed output frame.
var Canvas = image.Rect(0, 0, CanvasSize, CanvasSize)

// Layer is a transformed product ready to be placed. Alpha reports whether
// it is pasted through its alpha channel or copied opaquely.
type Layer struct {
	Image *image.NRGBA
	Alpha bool
}

// HasAlpha reports whether img carries an alpha channel. Non-premultiplied
// buffers always do. Premultiplied RGBA buffers are what decoders produce for
// sources without alpha, so they count only when some pixel is translucent.
func HasAlpha(img image.Image) bool {
	switch m := img.(type) {
	case *image.Paletted:
		return paletteHasAlpha(m.Palette)
	case *image.Gray, *image.Gray16, *image.YCbCr, *image.CMYK:
		return false
	case *image.RGBA:
		return !m.Opaque()
	case *image.RGBA64:
		return !m.Opaque()
	case *image.NRGBA, *image.NRGBA64, *image.Alpha, *image.Alpha16, *image.NYCbCrA:
		return true
	}

	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model, color.YCbCrModel, color.CMYKModel:
		return false
	}
	return true
}

func paletteHasAlpha(p color.Palette) bool {
	for _, c := range p {
		if _, _, _, a := c.RGBA(); a != 0xffff {
			return true
		}
	}
	return false
}

// flatten drops the alpha channel in place, keeping the stored colour.
func flatten(img *image.NRGBA) *image.NRGBA {
	for y := 0; y < img.Rect.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+img.Rect.Dx()*4]
		for i := 3; i < len(row); i += 4 {
			row[i] = 0xff
		}
	}
	return img
}

// IsOpaque reports whether every pixel of img is fully opaque.
func IsOpaque(img *image.NRGBA) bool {
	for y := 0; y < img.Rect.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+img.Rect.Dx()*4]
		for i := 3; i < len(row); i += 4 {
			if row[i] != 0xff {
				return false
			}
		}
	}
	return true
}
