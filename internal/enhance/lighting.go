package enhance

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	levelsLowPercentile  = 0.01
	levelsHighPercentile = 0.99
	brightnessPercent    = 5
	saturationPercent    = 10
	sharpenSigma         = 0.5
)

// CorrectLighting stretches each channel between its 1st and 99th percentile,
// lifts brightness and saturation slightly, then sharpens. Alpha is preserved
// and fully transparent pixels are ignored by the levels pass.
func CorrectLighting(src image.Image) *image.NRGBA {
	img := imaging.Clone(src)
	levels(img)

	toned := imaging.AdjustSaturation(imaging.AdjustBrightness(img, brightnessPercent), saturationPercent)
	sharpened := imaging.Sharpen(toned, sharpenSigma)

	// sharpening also acts on alpha and would fringe keyed-out edges
	for i := 3; i < len(sharpened.Pix); i += 4 {
		sharpened.Pix[i] = toned.Pix[i]
	}

	return sharpened
}

// levels maps each channel so its low and high percentiles span the full range.
func levels(img *image.NRGBA) {
	var hist [3][256]int

	total := 0
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i+3] == 0 {
			continue
		}
		hist[0][img.Pix[i]]++
		hist[1][img.Pix[i+1]]++
		hist[2][img.Pix[i+2]]++
		total++
	}

	if total == 0 {
		return
	}

	var lut [3][256]uint8
	for c := range 3 {
		lo := percentile(&hist[c], total, levelsLowPercentile)
		hi := percentile(&hist[c], total, levelsHighPercentile)

		for v := range 256 {
			if hi <= lo {
				lut[c][v] = uint8(v)
				continue
			}
			lut[c][v] = clamp(float64(v-lo) * 255 / float64(hi-lo))
		}
	}

	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = lut[0][img.Pix[i]]
		img.Pix[i+1] = lut[1][img.Pix[i+1]]
		img.Pix[i+2] = lut[2][img.Pix[i+2]]
	}
}

func percentile(hist *[256]int, total int, p float64) int {
	target := int(math.Ceil(p * float64(total)))
	if target < 1 {
		target = 1
	}

	seen := 0
	for v, n := range hist {
		seen += n
		if seen >= target {
			return v
		}
	}

	return 255
}

func clamp(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
