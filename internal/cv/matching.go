package cv

import (
	"image"
	"image/color"
	"sort"

	"github.com/nfnt/resize"
)

// MatchResult is the outcome of one template search. Bounds and Center are
// in full-source coordinates; Scale is the template scale that produced the
// best score. A Found of false is the documented "no match above threshold"
// miss, not an error.
type MatchResult struct {
	Found  bool
	Bounds Region
	Center Point
	Score  float64
	Scale  float64
}

// FindBest locates the single best occurrence of template inside source.
// Both images are expected to be preprocessed identically by the caller.
func FindBest(source, template *image.RGBA, opts MatchOptions) MatchResult {
	source = ensureOrigin(source)
	template = ensureOrigin(template)

	if source.Bounds().Empty() || template.Bounds().Empty() {
		return MatchResult{}
	}

	searchBounds, ok := clampSearchRegion(source, opts.SearchRegion)
	if !ok {
		return MatchResult{}
	}

	baseMask := effectiveMask(template, opts.Mask)

	best := MatchResult{Score: -1}
	for _, scale := range opts.scaleSet() {
		scaled, mask := scaleTemplate(template, baseMask, scale)
		tw, th := scaled.Bounds().Dx(), scaled.Bounds().Dy()
		if tw <= 0 || th <= 0 {
			continue
		}

		// Not a candidate when the scaled template cannot fit.
		maxX := searchBounds.Max.X - tw
		maxY := searchBounds.Max.Y - th
		if maxX < searchBounds.Min.X || maxY < searchBounds.Min.Y {
			continue
		}

		for y := searchBounds.Min.Y; y <= maxY; y++ {
			for x := searchBounds.Min.X; x <= maxX; x++ {
				score := scoreAt(source, scaled, x, y, opts.Metric, mask)
				if score > best.Score {
					best = MatchResult{
						Bounds: NewRegion(x, y, x+tw, y+th),
						Score:  score,
						Scale:  scale,
					}
				}
			}
		}
	}

	if best.Score < 0 {
		return MatchResult{}
	}

	best.Center = best.Bounds.Center()
	// Threshold boundary is inclusive: score == threshold passes.
	best.Found = best.Score >= opts.Threshold
	return best
}

// FindAll collects every occurrence scoring at or above the threshold, then
// suppresses overlapping candidates. Results are sorted by score descending.
func FindAll(source, template *image.RGBA, opts MatchOptions) []MatchResult {
	source = ensureOrigin(source)
	template = ensureOrigin(template)

	if source.Bounds().Empty() || template.Bounds().Empty() {
		return nil
	}

	searchBounds, ok := clampSearchRegion(source, opts.SearchRegion)
	if !ok {
		return nil
	}

	baseMask := effectiveMask(template, opts.Mask)

	var candidates []MatchResult
	for _, scale := range opts.scaleSet() {
		scaled, mask := scaleTemplate(template, baseMask, scale)
		tw, th := scaled.Bounds().Dx(), scaled.Bounds().Dy()
		if tw <= 0 || th <= 0 {
			continue
		}

		maxX := searchBounds.Max.X - tw
		maxY := searchBounds.Max.Y - th
		if maxX < searchBounds.Min.X || maxY < searchBounds.Min.Y {
			continue
		}

		for y := searchBounds.Min.Y; y <= maxY; y++ {
			for x := searchBounds.Min.X; x <= maxX; x++ {
				score := scoreAt(source, scaled, x, y, opts.Metric, mask)
				if score >= opts.Threshold {
					bounds := NewRegion(x, y, x+tw, y+th)
					candidates = append(candidates, MatchResult{
						Found:  true,
						Bounds: bounds,
						Center: bounds.Center(),
						Score:  score,
						Scale:  scale,
					})
				}
			}
		}
	}

	return SuppressOverlaps(candidates, opts.OverlapThreshold, opts.MaxResults)
}

// SuppressOverlaps applies greedy non-maximum suppression: candidates are
// sorted by score descending and kept only if their IoU with every already
// kept result stays below overlapThreshold. maxResults of 0 keeps all
// survivors. Running the suppression on its own output is a no-op.
func SuppressOverlaps(candidates []MatchResult, overlapThreshold float64, maxResults int) []MatchResult {
	if len(candidates) == 0 {
		return nil
	}

	sorted := make([]MatchResult, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	var kept []MatchResult
	for _, cand := range sorted {
		redundant := false
		for _, k := range kept {
			if cand.Bounds.IoU(k.Bounds) >= overlapThreshold {
				redundant = true
				break
			}
		}
		if redundant {
			continue
		}
		kept = append(kept, cand)
		if maxResults > 0 && len(kept) >= maxResults {
			break
		}
	}

	return kept
}

// effectiveMask returns the explicit mask when one is set, otherwise a mask
// derived from the template's fully transparent pixels. A template with no
// transparency yields nil: every pixel scores.
func effectiveMask(template *image.RGBA, explicit *image.Gray) *image.Gray {
	if explicit != nil {
		return explicit
	}

	b := template.Bounds()
	var mask *image.Gray
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if template.Pix[y*template.Stride+x*4+3] != 0 {
				continue
			}
			if mask == nil {
				mask = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
				for i := range mask.Pix {
					mask.Pix[i] = 255
				}
			}
			mask.SetGray(x, y, color.Gray{})
		}
	}
	return mask
}

// clampSearchRegion intersects the optional region with the source bounds.
// Returns false when nothing remains to scan.
func clampSearchRegion(source *image.RGBA, region *Region) (image.Rectangle, bool) {
	bounds := source.Bounds()
	if region == nil {
		return bounds, true
	}
	clamped := region.ToImageRectangle().Intersect(bounds)
	if clamped.Empty() {
		return image.Rectangle{}, false
	}
	return clamped, true
}

// scaleTemplate resizes the template (and mask, when present) by the given
// factor. Scale 1.0 returns the inputs untouched.
func scaleTemplate(template *image.RGBA, mask *image.Gray, scale float64) (*image.RGBA, *image.Gray) {
	if scale == 1.0 {
		return template, mask
	}

	w := uint(float64(template.Bounds().Dx())*scale + 0.5)
	h := uint(float64(template.Bounds().Dy())*scale + 0.5)
	if w == 0 || h == 0 {
		return image.NewRGBA(image.Rectangle{}), nil
	}

	scaled := toRGBA(resize.Resize(w, h, template, resize.Bilinear))

	var scaledMask *image.Gray
	if mask != nil {
		scaledMask = toGray(resize.Resize(w, h, mask, resize.NearestNeighbor))
	}
	return scaled, scaledMask
}

// ensureOrigin returns an equivalent image whose bounds start at (0,0); the
// pixel indexing in the metric kernels assumes a zero origin.
func ensureOrigin(img *image.RGBA) *image.RGBA {
	if img == nil {
		return image.NewRGBA(image.Rectangle{})
	}
	b := img.Bounds()
	if b.Min.X == 0 && b.Min.Y == 0 {
		return img
	}
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		srcOff := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()*4], img.Pix[srcOff:srcOff+b.Dx()*4])
	}
	return out
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return ensureOrigin(rgba)
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			rgba.Set(x-bounds.Min.X, y-bounds.Min.Y, img.At(x, y))
		}
	}
	return rgba
}

func toGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok && gray.Bounds().Min == (image.Point{}) {
		return gray
	}
	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x-bounds.Min.X, y-bounds.Min.Y, img.At(x, y))
		}
	}
	return gray
}
