package bgremoval

import (
	"context"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// LocalRemover keys out a flat studio background. It samples the border to
// find the backdrop colour and flood-fills from the edges, clearing every
// connected pixel within Tolerance of that colour.
type LocalRemover struct {
	Tolerance int
	// MinBorderMatch is the share of border pixels that must match the key
	// colour before the image is treated as having a flat backdrop.
	MinBorderMatch float64
}

func NewLocalRemover(tolerance int) LocalRemover {
	if tolerance <= 0 {
		tolerance = 40
	}
	return LocalRemover{Tolerance: tolerance, MinBorderMatch: 0.6}
}

func (l LocalRemover) RemoveBackground(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, ErrNoResult
	}

	out := imaging.Clone(img)
	w, h := out.Rect.Dx(), out.Rect.Dy()

	key, share := borderKey(out, l.Tolerance)
	if share < l.MinBorderMatch {
		return nil, ErrNoResult
	}

	visited := make([]bool, w*h)
	queue := make([]int, 0, 2*(w+h))
	push := func(x, y int) {
		idx := y*w + x
		if visited[idx] {
			return
		}
		visited[idx] = true
		if distance(pixelAt(out, x, y), key) <= l.Tolerance {
			queue = append(queue, idx)
		}
	}

	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}

	for steps := 1; len(queue) > 0; steps++ {
		if steps%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		idx := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		x, y := idx%w, idx/w
		i := y*out.Stride + x*4
		out.Pix[i+3] = 0

		if x > 0 {
			push(x-1, y)
		}
		if x < w-1 {
			push(x+1, y)
		}
		if y > 0 {
			push(x, y-1)
		}
		if y < h-1 {
			push(x, y+1)
		}
	}

	return out, nil
}

// borderKey averages the border pixels and reports the share of border
// pixels within tolerance of that average.
func borderKey(img *image.NRGBA, tolerance int) ([3]int, float64) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	var border [][3]int
	for x := 0; x < w; x++ {
		border = append(border, pixelAt(img, x, 0), pixelAt(img, x, h-1))
	}
	for y := 1; y < h-1; y++ {
		border = append(border, pixelAt(img, 0, y), pixelAt(img, w-1, y))
	}

	var sum [3]int
	for _, p := range border {
		sum[0] += p[0]
		sum[1] += p[1]
		sum[2] += p[2]
	}
	n := len(border)
	key := [3]int{sum[0] / n, sum[1] / n, sum[2] / n}

	matched := 0
	for _, p := range border {
		if distance(p, key) <= tolerance {
			matched++
		}
	}
	return key, float64(matched) / float64(n)
}

func pixelAt(img *image.NRGBA, x, y int) [3]int {
	i := y*img.Stride + x*4
	return [3]int{int(img.Pix[i]), int(img.Pix[i+1]), int(img.Pix[i+2])}
}

func distance(a, b [3]int) int {
	dr := float64(a[0] - b[0])
	dg := float64(a[1] - b[1])
	db := float64(a[2] - b[2])
	return int(math.Sqrt(dr*dr + dg*dg + db*db))
}
