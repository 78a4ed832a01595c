package cv

import (
	"image"
	"math"
)

// scoreAt computes the similarity between the template and the source region
// whose top-left corner is (x, y). All metrics return a 0..1 score with
// higher meaning better: the difference metrics (SAD, SSD) are normalized
// against their worst case and inverted here, at the point of computation, so
// callers never deal with a lower-is-better range.
//
// mask, when non-nil, must have the template's dimensions; pixels whose mask
// value is zero are excluded from the score.
func scoreAt(source, template *image.RGBA, x, y int, metric Metric, mask *image.Gray) float64 {
	w := template.Bounds().Dx()
	h := template.Bounds().Dy()

	switch metric {
	case MetricSAD:
		return scoreSAD(source, template, x, y, w, h, mask)
	case MetricSSD:
		return scoreSSD(source, template, x, y, w, h, mask)
	case MetricNCC:
		return scoreNCC(source, template, x, y, w, h, mask)
	default:
		return scoreNCC(source, template, x, y, w, h, mask)
	}
}

// scoreSAD - Sum of Absolute Differences (fastest, least accurate)
func scoreSAD(source, template *image.RGBA, x, y, width, height int, mask *image.Gray) float64 {
	var sad uint64
	counted := 0

	for ty := 0; ty < height; ty++ {
		for tx := 0; tx < width; tx++ {
			if masked(mask, tx, ty) {
				continue
			}
			sIdx := (y+ty)*source.Stride + (x+tx)*4
			tIdx := ty*template.Stride + tx*4

			// RGB difference
			sad += uint64(absInt(int(source.Pix[sIdx]) - int(template.Pix[tIdx])))
			sad += uint64(absInt(int(source.Pix[sIdx+1]) - int(template.Pix[tIdx+1])))
			sad += uint64(absInt(int(source.Pix[sIdx+2]) - int(template.Pix[tIdx+2])))
			counted++
		}
	}

	if counted == 0 {
		return 0
	}

	// Normalize to 0-1, inverted so higher is better
	maxSAD := float64(counted * 3 * 255)
	return 1.0 - (float64(sad) / maxSAD)
}

// scoreSSD - Sum of Squared Differences (balanced)
func scoreSSD(source, template *image.RGBA, x, y, width, height int, mask *image.Gray) float64 {
	var ssd uint64
	counted := 0

	for ty := 0; ty < height; ty++ {
		for tx := 0; tx < width; tx++ {
			if masked(mask, tx, ty) {
				continue
			}
			sIdx := (y+ty)*source.Stride + (x+tx)*4
			tIdx := ty*template.Stride + tx*4

			dr := int(source.Pix[sIdx]) - int(template.Pix[tIdx])
			dg := int(source.Pix[sIdx+1]) - int(template.Pix[tIdx+1])
			db := int(source.Pix[sIdx+2]) - int(template.Pix[tIdx+2])

			ssd += uint64(dr*dr + dg*dg + db*db)
			counted++
		}
	}

	if counted == 0 {
		return 0
	}

	maxSSD := float64(counted * 3 * 255 * 255)
	return 1.0 - (float64(ssd) / maxSSD)
}

// scoreNCC - Normalized Cross-Correlation (slowest, most accurate)
func scoreNCC(source, template *image.RGBA, x, y, width, height int, mask *image.Gray) float64 {
	var sumS, sumT, sumST, sumSS, sumTT float64
	counted := 0

	for ty := 0; ty < height; ty++ {
		for tx := 0; tx < width; tx++ {
			if masked(mask, tx, ty) {
				continue
			}
			sIdx := (y+ty)*source.Stride + (x+tx)*4
			tIdx := ty*template.Stride + tx*4

			for c := 0; c < 3; c++ {
				s := float64(source.Pix[sIdx+c])
				t := float64(template.Pix[tIdx+c])

				sumS += s
				sumT += t
				sumST += s * t
				sumSS += s * s
				sumTT += t * t
			}
			counted++
		}
	}

	if counted == 0 {
		return 0
	}
	n := float64(counted * 3)

	numerator := sumST - (sumS * sumT / n)
	denomS := math.Sqrt(sumSS - (sumS * sumS / n))
	denomT := math.Sqrt(sumTT - (sumT * sumT / n))

	if denomS == 0 || denomT == 0 {
		// Flat region or flat template; correlation is undefined. Treat a
		// pair of identical flat patches as a perfect match.
		if denomS == 0 && denomT == 0 && sumS == sumT {
			return 1.0
		}
		return 0
	}

	// Correlation coefficient (-1 to 1, normalized to 0-1)
	correlation := numerator / (denomS * denomT)
	return (correlation + 1.0) / 2.0
}

func masked(mask *image.Gray, x, y int) bool {
	if mask == nil {
		return false
	}
	return mask.Pix[y*mask.Stride+x] == 0
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
