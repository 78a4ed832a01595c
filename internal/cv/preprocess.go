package cv

import (
	"fmt"
	"image"
	"math"
)

// PreprocessOptions describes the normalization applied to both the template
// and the source frame before scoring. Two values with equal fields are
// cache-key equal.
type PreprocessOptions struct {
	Grayscale     bool
	BlurKernel    int // Gaussian kernel size, <=1 disables blur
	Edges         bool
	EdgeThreshold uint8
}

// Key returns a stable identifier for memoization
func (p PreprocessOptions) Key() string {
	return fmt.Sprintf("g=%t,b=%d,e=%t,et=%d", p.Grayscale, p.BlurKernel, p.Edges, p.EdgeThreshold)
}

// Enabled reports whether any transform is active
func (p PreprocessOptions) Enabled() bool {
	return p.Grayscale || p.BlurKernel > 1 || p.Edges
}

// Preprocess applies the transform chain in fixed order: grayscale, blur,
// edge extraction. Each stage consumes the previous stage's output. An empty
// input yields an empty output, never an error.
func Preprocess(img *image.RGBA, opts PreprocessOptions) *image.RGBA {
	if img == nil || img.Bounds().Empty() {
		return image.NewRGBA(image.Rectangle{})
	}
	if !opts.Enabled() {
		return img
	}

	out := img
	if opts.Grayscale {
		out = toGrayscale(out)
	}
	if opts.BlurKernel > 1 {
		out = gaussianBlur(out, opts.BlurKernel)
	}
	if opts.Edges {
		out = sobelEdges(out, opts.EdgeThreshold)
	}
	return out
}

// toGrayscale converts RGBA to grayscale
func toGrayscale(img *image.RGBA) *image.RGBA {
	bounds := img.Bounds()
	gray := image.NewRGBA(bounds)

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			idx := (y-bounds.Min.Y)*img.Stride + (x-bounds.Min.X)*4
			r := img.Pix[idx]
			g := img.Pix[idx+1]
			b := img.Pix[idx+2]

			// Luminance formula
			grayValue := uint8((int(r)*299 + int(g)*587 + int(b)*114) / 1000)

			oidx := (y-bounds.Min.Y)*gray.Stride + (x-bounds.Min.X)*4
			gray.Pix[oidx] = grayValue
			gray.Pix[oidx+1] = grayValue
			gray.Pix[oidx+2] = grayValue
			gray.Pix[oidx+3] = img.Pix[idx+3]
		}
	}

	return gray
}

// gaussianBlur applies a separable Gaussian kernel of the given size. Even
// sizes are rounded up to the next odd size so the kernel has a center.
func gaussianBlur(img *image.RGBA, size int) *image.RGBA {
	if size%2 == 0 {
		size++
	}
	kernel := gaussianKernel(size)
	radius := size / 2

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	// Horizontal pass, then vertical.
	tmp := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, b, a float64
			for k := -radius; k <= radius; k++ {
				sx := clampInt(x+k, 0, w-1)
				idx := y*img.Stride + sx*4
				weight := kernel[k+radius]
				r += float64(img.Pix[idx]) * weight
				g += float64(img.Pix[idx+1]) * weight
				b += float64(img.Pix[idx+2]) * weight
				a += float64(img.Pix[idx+3]) * weight
			}
			oidx := y*tmp.Stride + x*4
			tmp.Pix[oidx] = uint8(r + 0.5)
			tmp.Pix[oidx+1] = uint8(g + 0.5)
			tmp.Pix[oidx+2] = uint8(b + 0.5)
			tmp.Pix[oidx+3] = uint8(a + 0.5)
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, b, a float64
			for k := -radius; k <= radius; k++ {
				sy := clampInt(y+k, 0, h-1)
				idx := sy*tmp.Stride + x*4
				weight := kernel[k+radius]
				r += float64(tmp.Pix[idx]) * weight
				g += float64(tmp.Pix[idx+1]) * weight
				b += float64(tmp.Pix[idx+2]) * weight
				a += float64(tmp.Pix[idx+3]) * weight
			}
			oidx := y*out.Stride + x*4
			out.Pix[oidx] = uint8(r + 0.5)
			out.Pix[oidx+1] = uint8(g + 0.5)
			out.Pix[oidx+2] = uint8(b + 0.5)
			out.Pix[oidx+3] = uint8(a + 0.5)
		}
	}

	return out
}

// gaussianKernel builds a normalized 1D kernel with sigma derived from size
func gaussianKernel(size int) []float64 {
	radius := size / 2
	sigma := float64(size) / 6.0
	if sigma <= 0 {
		sigma = 0.5
	}

	kernel := make([]float64, size)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// sobelEdges runs the Sobel operator and thresholds gradient magnitude
func sobelEdges(img *image.RGBA, threshold uint8) *image.RGBA {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	edges := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := gradientX(img, x, y)
			gy := gradientY(img, x, y)

			magnitude := math.Sqrt(float64(gx*gx + gy*gy))
			if magnitude > 255 {
				magnitude = 255
			}

			idx := y*edges.Stride + x*4
			if uint8(magnitude) > threshold {
				edges.Pix[idx] = 255
				edges.Pix[idx+1] = 255
				edges.Pix[idx+2] = 255
			}
			edges.Pix[idx+3] = 255
		}
	}

	return edges
}

func gradientX(img *image.RGBA, x, y int) int {
	// Sobel X kernel
	return pixelIntensity(img, x+1, y-1) + 2*pixelIntensity(img, x+1, y) + pixelIntensity(img, x+1, y+1) -
		pixelIntensity(img, x-1, y-1) - 2*pixelIntensity(img, x-1, y) - pixelIntensity(img, x-1, y+1)
}

func gradientY(img *image.RGBA, x, y int) int {
	// Sobel Y kernel
	return pixelIntensity(img, x-1, y+1) + 2*pixelIntensity(img, x, y+1) + pixelIntensity(img, x+1, y+1) -
		pixelIntensity(img, x-1, y-1) - 2*pixelIntensity(img, x, y-1) - pixelIntensity(img, x+1, y-1)
}

func pixelIntensity(img *image.RGBA, x, y int) int {
	idx := y*img.Stride + x*4
	return int(img.Pix[idx])
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
