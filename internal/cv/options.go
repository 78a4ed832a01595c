package cv

import (
	"fmt"
	"hash/fnv"
	"image"
)

// Metric selects the similarity measure used by the matching engine.
//
// Difference metrics (SAD, SSD) are normalized and inverted at computation
// time so that every metric yields a 0..1 score where higher is better. The
// pass rule is therefore a single `score >= threshold` comparison for all
// metrics and both the single- and multi-match paths.
type Metric int

const (
	// MetricSAD - Sum of Absolute Differences (fastest)
	MetricSAD Metric = iota
	// MetricSSD - Sum of Squared Differences (balanced)
	MetricSSD
	// MetricNCC - Normalized Cross-Correlation (most accurate)
	MetricNCC
)

// String returns the metric name for logs and cache keys
func (m Metric) String() string {
	switch m {
	case MetricSAD:
		return "sad"
	case MetricSSD:
		return "ssd"
	case MetricNCC:
		return "ncc"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

// DifferenceFamily reports whether the metric's raw score is lower-is-better
// before normalization
func (m Metric) DifferenceFamily() bool {
	return m == MetricSAD || m == MetricSSD
}

// Matching engine iteration guards.
const (
	// minScaleStep bounds the scale loop when callers pass a zero or
	// negative step.
	minScaleStep = 0.01
	// minScale is the smallest template scale the engine will attempt.
	minScale = 0.05
)

// MatchOptions configures a single search
type MatchOptions struct {
	Metric    Metric
	Threshold float64 // 0.0-1.0, higher = more strict

	// Multi-scale search. When MultiScale is false only scale 1.0 is tried.
	MultiScale bool
	ScaleMin   float64
	ScaleMax   float64
	ScaleStep  float64

	// Optional: limit search area (full-source coordinates)
	SearchRegion *Region

	// Optional: per-pixel mask, zero = ignore pixel. Must match template
	// dimensions at scale 1.0; it is resized alongside the template. When nil,
	// fully transparent template pixels form an implicit mask.
	Mask *image.Gray

	// FindAll controls
	MaxResults       int     // 0 = unlimited
	OverlapThreshold float64 // IoU above which a candidate is suppressed

	// Preprocessing applied identically to template and source
	Preprocess PreprocessOptions
}

// DefaultMatchOptions returns recommended settings
func DefaultMatchOptions() MatchOptions {
	return MatchOptions{
		Metric:           MetricNCC,
		Threshold:        0.85,
		MultiScale:       false,
		ScaleMin:         1.0,
		ScaleMax:         1.0,
		ScaleStep:        0.1,
		MaxResults:       1,
		OverlapThreshold: 0.3,
	}
}

// Fingerprint returns a stable hash of the options for result-cache keys
func (o MatchOptions) Fingerprint() uint64 {
	h := fnv.New64a()
	region := ""
	if o.SearchRegion != nil {
		region = fmt.Sprintf("%d,%d,%d,%d", o.SearchRegion.X1, o.SearchRegion.Y1, o.SearchRegion.X2, o.SearchRegion.Y2)
	}
	fmt.Fprintf(h, "%s|%.4f|%t|%.4f|%.4f|%.4f|%s|%t|%d|%.4f|%s",
		o.Metric, o.Threshold,
		o.MultiScale, o.ScaleMin, o.ScaleMax, o.ScaleStep,
		region, o.Mask != nil,
		o.MaxResults, o.OverlapThreshold,
		o.Preprocess.Key())
	return h.Sum64()
}

// scaleSet expands the configured scale range into the concrete scales to try.
// The range is normalized so min <= max and the step is clamped to avoid
// runaway iteration counts from a zero or negative step.
func (o MatchOptions) scaleSet() []float64 {
	if !o.MultiScale {
		return []float64{1.0}
	}

	lo, hi := o.ScaleMin, o.ScaleMax
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo < minScale {
		lo = minScale
	}
	step := o.ScaleStep
	if step < minScaleStep {
		step = minScaleStep
	}

	var scales []float64
	for s := lo; s <= hi+step/2; s += step {
		scales = append(scales, s)
	}
	return scales
}
