package cv

import (
	"image"
	"image/color"
)

// DrawMatch renders a rectangle around a match on a copy of the frame,
// for visual inspection of search results. The frame itself is not modified.
func DrawMatch(frame *image.RGBA, result MatchResult) *image.RGBA {
	debug := image.NewRGBA(frame.Bounds())
	copy(debug.Pix, frame.Pix)

	if !result.Found {
		return debug
	}

	drawRect(debug, *result.Bounds.ToImageRectangle(), color.RGBA{255, 0, 0, 255})
	return debug
}

// DrawMatches renders all results onto one frame copy
func DrawMatches(frame *image.RGBA, results []MatchResult) *image.RGBA {
	debug := image.NewRGBA(frame.Bounds())
	copy(debug.Pix, frame.Pix)

	for _, result := range results {
		if result.Found {
			drawRect(debug, *result.Bounds.ToImageRectangle(), color.RGBA{255, 0, 0, 255})
		}
	}
	return debug
}

func drawRect(img *image.RGBA, rect image.Rectangle, col color.RGBA) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	// Top and bottom
	for x := rect.Min.X; x < rect.Max.X; x++ {
		img.SetRGBA(x, rect.Min.Y, col)
		img.SetRGBA(x, rect.Max.Y-1, col)
	}
	// Left and right
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		img.SetRGBA(rect.Min.X, y, col)
		img.SetRGBA(rect.Max.X-1, y, col)
	}
}
