// Package finder exposes the end-to-end search API: template lookup,
// preprocessing, multi-scale matching, result caching, and frame supply from
// a capture session.
package finder

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/calibern/screenmatch/internal/capture"
	"github.com/calibern/screenmatch/internal/cv"
	"github.com/calibern/screenmatch/internal/matchcache"
	"github.com/calibern/screenmatch/pkg/templates"
)

// TemplateSource supplies decoded templates by key
type TemplateSource interface {
	Get(ctx context.Context, key string) (*templates.Template, error)
	Contains(key string) bool
}

// FrameSource supplies frames on demand, typically a capture session
type FrameSource interface {
	CaptureFrame(ctx context.Context) (*capture.Frame, error)
}

// SearchRecord describes one completed search for history recording
type SearchRecord struct {
	TemplateKey string
	Found       bool
	Score       float64
	Scale       float64
	Duration    time.Duration
	Cached      bool
	At          time.Time
}

// Recorder persists search history
type Recorder interface {
	RecordSearch(record SearchRecord) error
}

// Cache key operation names; best-match and all-match answers have different
// shapes and must never satisfy each other.
const (
	opFindBest = "best"
	opFindAll  = "all"
)

// Service handles all template search operations
type Service struct {
	store    TemplateSource
	frames   FrameSource
	registry *templates.Registry
	cache    *matchcache.Cache
	recorder Recorder
	log      zerolog.Logger

	// Preprocessed-template memoization; live frames are never memoized.
	memoMu sync.RWMutex
	memo   map[string]*image.RGBA

	// Short-lived frame cache so rapid successive finds reuse one capture.
	frameMu         sync.Mutex
	cachedFrame     *image.RGBA
	cachedFrameTime time.Time
	frameCacheTTL   time.Duration
}

// Option configures a Service
type Option func(*Service)

// WithFrameSource sets the session frames are pulled from when the caller
// does not supply one
func WithFrameSource(src FrameSource) Option {
	return func(s *Service) { s.frames = src }
}

// WithRegistry sets the named-template registry used to resolve per-template
// option defaults
func WithRegistry(reg *templates.Registry) Option {
	return func(s *Service) { s.registry = reg }
}

// WithResultCache sets the short-TTL result cache
func WithResultCache(cache *matchcache.Cache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithRecorder sets the search history recorder
func WithRecorder(rec Recorder) Option {
	return func(s *Service) { s.recorder = rec }
}

// WithFrameCacheTTL overrides how long a captured frame is reused
func WithFrameCacheTTL(ttl time.Duration) Option {
	return func(s *Service) { s.frameCacheTTL = ttl }
}

// WithLogger sets the service logger
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log.With().Str("component", "finder").Logger() }
}

// NewService creates a finder over a template source
func NewService(store TemplateSource, opts ...Option) *Service {
	s := &Service{
		store:         store,
		memo:          make(map[string]*image.RGBA),
		frameCacheTTL: 100 * time.Millisecond,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InvalidateTemplate drops memoized preprocessed variants of one template.
// Memo keys also carry the backing file's (mtime, size), so invalidation is
// for reclaiming memory, not correctness.
func (s *Service) InvalidateTemplate(key string) {
	s.memoMu.Lock()
	defer s.memoMu.Unlock()
	prefix := key + "|"
	for k := range s.memo {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.memo, k)
		}
	}
}

// InvalidateAll clears all memoized template variants
func (s *Service) InvalidateAll() {
	s.memoMu.Lock()
	defer s.memoMu.Unlock()
	s.memo = make(map[string]*image.RGBA)
}

// InvalidateFrameCache forces the next search to capture a fresh frame
func (s *Service) InvalidateFrameCache() {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	s.cachedFrame = nil
}

// FindBestMatch locates the single best occurrence of the named template.
// frame may be nil, in which case the configured frame source supplies one.
func (s *Service) FindBestMatch(ctx context.Context, templateKey string, frame *image.RGBA, opts cv.MatchOptions) (cv.MatchResult, error) {
	start := time.Now()

	frame, err := s.resolveFrame(ctx, frame)
	if err != nil {
		return cv.MatchResult{}, err
	}

	opts = s.applyRegistryDefaults(templateKey, opts)

	cacheKey, cached := s.tryCached(templateKey, opFindBest, frame, opts)
	if cached != nil {
		var result cv.MatchResult
		if len(cached) > 0 {
			result = cached[0]
		}
		s.record(templateKey, result, start, true)
		return result, nil
	}

	_, processed, err := s.preparedTemplate(ctx, templateKey, opts.Preprocess)
	if err != nil {
		return cv.MatchResult{}, err
	}

	source := cv.Preprocess(frame, opts.Preprocess)
	result := cv.FindBest(source, processed, opts)

	if s.cache != nil {
		s.cache.Set(cacheKey, []cv.MatchResult{result}, 0)
	}
	s.record(templateKey, result, start, false)
	return result, nil
}

// FindAllMatches collects every occurrence of the named template above
// threshold, overlap-suppressed and capped at opts.MaxResults.
func (s *Service) FindAllMatches(ctx context.Context, templateKey string, frame *image.RGBA, opts cv.MatchOptions) ([]cv.MatchResult, error) {
	start := time.Now()

	frame, err := s.resolveFrame(ctx, frame)
	if err != nil {
		return nil, err
	}

	opts = s.applyRegistryDefaults(templateKey, opts)
	// The key's Op field keeps findAll from consuming single-result (or
	// not-found placeholder) entries stored by FindBestMatch.
	cacheKey, cached := s.tryCached(templateKey, opFindAll, frame, opts)
	if cached != nil {
		s.recordAll(templateKey, cached, start, true)
		return cached, nil
	}

	_, processed, err := s.preparedTemplate(ctx, templateKey, opts.Preprocess)
	if err != nil {
		return nil, err
	}

	source := cv.Preprocess(frame, opts.Preprocess)
	results := cv.FindAll(source, processed, opts)

	if s.cache != nil {
		s.cache.Set(cacheKey, results, 0)
	}
	s.recordAll(templateKey, results, start, false)
	return results, nil
}

// WaitForMatch polls on a fixed interval until the template is found or the
// timeout elapses. A timeout yields a not-found result, not an error:
// callers distinguish frame-acquisition failures, which do return an error.
func (s *Service) WaitForMatch(ctx context.Context, templateKey string, timeout, pollInterval time.Duration, opts cv.MatchOptions) (cv.MatchResult, error) {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	for {
		// Polling wants a fresh frame every attempt.
		s.InvalidateFrameCache()

		result, err := s.FindBestMatch(ctx, templateKey, nil, opts)
		if err != nil {
			return cv.MatchResult{}, err
		}
		if result.Found {
			return result, nil
		}

		if time.Now().After(deadline) {
			return cv.MatchResult{}, nil
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return cv.MatchResult{}, ctx.Err()
		}
	}
}

// PixelColor returns the color at (x, y) of the current frame
func (s *Service) PixelColor(ctx context.Context, x, y int) (color.Color, error) {
	frame, err := s.resolveFrame(ctx, nil)
	if err != nil {
		return nil, err
	}

	bounds := frame.Bounds()
	if x < bounds.Min.X || x >= bounds.Max.X || y < bounds.Min.Y || y >= bounds.Max.Y {
		return nil, fmt.Errorf("coordinates (%d,%d) out of bounds", x, y)
	}
	return frame.At(x, y), nil
}

// CheckColor reports whether the pixel at (x, y) matches expected within a
// per-channel tolerance
func (s *Service) CheckColor(ctx context.Context, x, y int, expected color.Color, tolerance uint8) (bool, error) {
	actual, err := s.PixelColor(ctx, x, y)
	if err != nil {
		return false, err
	}

	r1, g1, b1, _ := actual.RGBA()
	r2, g2, b2, _ := expected.RGBA()
	distance := (absDiff(r1>>8, r2>>8) + absDiff(g1>>8, g2>>8) + absDiff(b1>>8, b2>>8)) / 3
	return distance <= uint32(tolerance), nil
}

// resolveFrame returns the supplied frame, or captures one through the frame
// source with short-TTL reuse.
func (s *Service) resolveFrame(ctx context.Context, frame *image.RGBA) (*image.RGBA, error) {
	if frame != nil {
		return frame, nil
	}
	if s.frames == nil {
		return nil, fmt.Errorf("no frame supplied and no frame source configured")
	}

	s.frameMu.Lock()
	if s.cachedFrame != nil && time.Since(s.cachedFrameTime) < s.frameCacheTTL {
		cached := s.cachedFrame
		s.frameMu.Unlock()
		return cached, nil
	}
	s.frameMu.Unlock()

	captured, err := s.frames.CaptureFrame(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture frame: %w", err)
	}

	s.frameMu.Lock()
	s.cachedFrame = captured.Image
	s.cachedFrameTime = time.Now()
	s.frameMu.Unlock()

	return captured.Image, nil
}

// applyRegistryDefaults fills unset options from the template's registry
// definition, when one exists.
func (s *Service) applyRegistryDefaults(templateKey string, opts cv.MatchOptions) cv.MatchOptions {
	if s.registry == nil {
		return opts
	}
	def, ok := s.registry.Get(templateKey)
	if !ok {
		return opts
	}
	if opts.Threshold == 0 && def.Threshold > 0 {
		opts.Threshold = def.Threshold
	}
	if opts.SearchRegion == nil && def.Region != nil {
		region := *def.Region
		opts.SearchRegion = &region
	}
	if def.Scale > 0 && def.Scale != 1.0 && !opts.MultiScale {
		opts.MultiScale = true
		opts.ScaleMin = def.Scale
		opts.ScaleMax = def.Scale
	}
	return opts
}

// tryCached consults the result cache. The returned slice is nil on miss; a
// miss only means "no cached answer" and the caller runs the full pipeline.
func (s *Service) tryCached(templateKey, op string, frame *image.RGBA, opts cv.MatchOptions) (matchcache.Key, []cv.MatchResult) {
	key := matchcache.Key{
		TemplateKey: templateKey,
		Op:          op,
		Frame:       matchcache.FrameFingerprint(frame),
		Options:     opts.Fingerprint(),
	}
	if s.cache == nil {
		return key, nil
	}
	if results, ok := s.cache.TryGet(key); ok {
		return key, results
	}
	return key, nil
}

// preparedTemplate loads the template and returns its preprocessed image,
// memoized per (key, options) until the backing file changes.
func (s *Service) preparedTemplate(ctx context.Context, templateKey string, pre cv.PreprocessOptions) (*templates.Template, *image.RGBA, error) {
	storeKey := templateKey
	if s.registry != nil {
		if def, ok := s.registry.Get(templateKey); ok {
			storeKey = def.Key
		}
	}

	tpl, err := s.store.Get(ctx, storeKey)
	if err != nil {
		return nil, nil, err
	}

	if !pre.Enabled() {
		return tpl, tpl.Image, nil
	}

	// The key carries the backing file's identity so a reloaded template can
	// never hit a memo entry built from the old pixels.
	memoKey := fmt.Sprintf("%s|%d|%d|%s", storeKey, tpl.ModTime.UnixNano(), tpl.Size, pre.Key())
	s.memoMu.RLock()
	processed, ok := s.memo[memoKey]
	s.memoMu.RUnlock()
	if ok {
		return tpl, processed, nil
	}

	processed = cv.Preprocess(tpl.Image, pre)
	s.memoMu.Lock()
	s.memo[memoKey] = processed
	s.memoMu.Unlock()
	return tpl, processed, nil
}

func (s *Service) record(templateKey string, result cv.MatchResult, start time.Time, cached bool) {
	if s.recorder == nil {
		return
	}
	rec := SearchRecord{
		TemplateKey: templateKey,
		Found:       result.Found,
		Score:       result.Score,
		Scale:       result.Scale,
		Duration:    time.Since(start),
		Cached:      cached,
		At:          start,
	}
	if err := s.recorder.RecordSearch(rec); err != nil {
		s.log.Warn().Err(err).Str("template", templateKey).Msg("failed to record search")
	}
}

func (s *Service) recordAll(templateKey string, results []cv.MatchResult, start time.Time, cached bool) {
	best := cv.MatchResult{}
	if len(results) > 0 {
		best = results[0]
	}
	s.record(templateKey, best, start, cached)
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
