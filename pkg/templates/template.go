package templates

import (
	"image"
	"time"
)

// Template is an immutable decoded reference image together with the file
// metadata used for cache-validity checks. Updates replace the entry; pixels
// are never mutated in place.
type Template struct {
	Key     string
	Path    string
	Image   *image.RGBA
	Width   int
	Height  int
	ModTime time.Time
	Size    int64
}

// Clone returns a deep copy whose pixel buffer is independent of the cached
// original. Callers may freely mutate what they receive.
func (t *Template) Clone() *Template {
	img := image.NewRGBA(t.Image.Bounds())
	copy(img.Pix, t.Image.Pix)

	clone := *t
	clone.Image = img
	return &clone
}
