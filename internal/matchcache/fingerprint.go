package matchcache

import (
	"hash/fnv"
	"image"
)

// fingerprintStep bounds the number of rows and columns sampled so the
// fingerprint stays cheap on large frames.
const fingerprintStep = 8

// FrameFingerprint derives a cheap identity for a frame by hashing its
// dimensions and a sparse pixel sample. Two visually identical frames
// produce the same fingerprint; any sampled pixel change produces a new one.
func FrameFingerprint(frame *image.RGBA) uint64 {
	h := fnv.New64a()
	if frame == nil {
		return h.Sum64()
	}

	bounds := frame.Bounds()
	w, h64 := bounds.Dx(), bounds.Dy()

	var dims [4]byte
	dims[0] = byte(w)
	dims[1] = byte(w >> 8)
	dims[2] = byte(h64)
	dims[3] = byte(h64 >> 8)
	h.Write(dims[:])

	stepX := w / fingerprintStep
	if stepX < 1 {
		stepX = 1
	}
	stepY := h64 / fingerprintStep
	if stepY < 1 {
		stepY = 1
	}

	for y := 0; y < h64; y += stepY {
		row := y * frame.Stride
		for x := 0; x < w; x += stepX {
			idx := row + x*4
			h.Write(frame.Pix[idx : idx+4])
		}
	}

	return h.Sum64()
}
