package enhance

import (
	"image"

	"github.com/disintegration/imaging"
)

// DefaultKeyTolerance is how far below pure white a pixel may be and still
// count as background.
const DefaultKeyTolerance = 24

// KeyOutBackground makes near-white pixels that are connected to the image
// border fully transparent. Enclosed white areas such as a white shirt are
// kept because they are not reachable from the border.
func KeyOutBackground(src image.Image, tolerance uint8) *image.NRGBA {
	img := imaging.Clone(src)
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w == 0 || h == 0 {
		return img
	}

	threshold := 255 - tolerance
	isBackground := func(o int) bool {
		return img.Pix[o] >= threshold && img.Pix[o+1] >= threshold && img.Pix[o+2] >= threshold
	}

	visited := make([]bool, w*h)
	queue := make([]int, 0, 2*(w+h))

	push := func(x, y int) {
		idx := y*w + x
		if visited[idx] {
			return
		}
		visited[idx] = true

		if isBackground(y*img.Stride + x*4) {
			queue = append(queue, idx)
		}
	}

	for x := range w {
		push(x, 0)
		push(x, h-1)
	}
	for y := range h {
		push(0, y)
		push(w-1, y)
	}

	for len(queue) > 0 {
		idx := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		x, y := idx%w, idx/w
		img.Pix[y*img.Stride+x*4+3] = 0

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

	return img
}
