//go:build !windows

package main

import (
	"image"
	"image/color"

	"github.com/calibern/screenmatch/internal/capture"
)

// No native capture path off Windows; a synthetic gradient device keeps the
// CLI runnable for pipeline smoke checks.
func platformCapabilities() []capture.Capability {
	return []capture.Capability{
		&capture.SyntheticCapability{Generator: gradientFrame},
	}
}

func gradientFrame(sequence int64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x + int(sequence)) % 256),
				G: uint8(y % 256),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}
	return img
}
