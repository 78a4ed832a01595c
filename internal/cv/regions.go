package cv

import "image"

// Region is a rectangular area in source-frame coordinates
type Region struct {
	X1, Y1, X2, Y2 int
}

// Point is a pixel coordinate
type Point struct {
	X, Y int
}

// NewRegion creates a new region
func NewRegion(x1, y1, x2, y2 int) Region {
	return Region{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// RegionFromRect converts an image.Rectangle to a Region
func RegionFromRect(r image.Rectangle) Region {
	return Region{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

// Contains checks if a point is within the region
func (r Region) Contains(p Point) bool {
	return p.X >= r.X1 && p.X <= r.X2 && p.Y >= r.Y1 && p.Y <= r.Y2
}

// Width returns the width of the region
func (r Region) Width() int {
	return r.X2 - r.X1
}

// Height returns the height of the region
func (r Region) Height() int {
	return r.Y2 - r.Y1
}

// Empty reports whether the region covers no pixels
func (r Region) Empty() bool {
	return r.Width() <= 0 || r.Height() <= 0
}

// Center returns the midpoint of the region
func (r Region) Center() Point {
	return Point{X: (r.X1 + r.X2) / 2, Y: (r.Y1 + r.Y2) / 2}
}

// ToImageRectangle converts Region to *image.Rectangle for use with CV operations
func (r Region) ToImageRectangle() *image.Rectangle {
	return &image.Rectangle{
		Min: image.Point{X: r.X1, Y: r.Y1},
		Max: image.Point{X: r.X2, Y: r.Y2},
	}
}

// Intersect clamps the region to the given bounds
func (r Region) Intersect(bounds image.Rectangle) Region {
	clamped := r.ToImageRectangle().Intersect(bounds)
	return RegionFromRect(clamped)
}

// IoU returns intersection-over-union of two regions, 0 when disjoint
func (r Region) IoU(other Region) float64 {
	ix := r.ToImageRectangle().Intersect(*other.ToImageRectangle())
	if ix.Empty() {
		return 0
	}
	inter := ix.Dx() * ix.Dy()
	union := r.Width()*r.Height() + other.Width()*other.Height() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
