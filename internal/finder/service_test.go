package finder

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calibern/screenmatch/internal/capture"
	"github.com/calibern/screenmatch/internal/cv"
	"github.com/calibern/screenmatch/internal/matchcache"
	"github.com/calibern/screenmatch/pkg/templates"
)

// fakeStore serves in-memory templates and counts loads
type fakeStore struct {
	mu        sync.Mutex
	templates map[string]*image.RGBA
	versions  map[string]int
	gets      int
}

func (f *fakeStore) Get(ctx context.Context, key string) (*templates.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	img, ok := f.templates[key]
	if !ok {
		return nil, &templates.NotFoundError{Key: key}
	}
	return &templates.Template{
		Key:     key,
		Image:   img,
		Width:   img.Bounds().Dx(),
		Height:  img.Bounds().Dy(),
		ModTime: time.Unix(int64(f.versions[key]), 0),
		Size:    int64(len(img.Pix)),
	}, nil
}

// swap replaces a template's backing image and bumps its mtime, like a file
// rewritten on disk.
func (f *fakeStore) swap(key string, img *image.RGBA) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates[key] = img
	if f.versions == nil {
		f.versions = make(map[string]int)
	}
	f.versions[key]++
}

func (f *fakeStore) Contains(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.templates[key]
	return ok
}

func (f *fakeStore) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

// fakeFrames serves a scripted frame sequence, repeating the last entry
type fakeFrames struct {
	mu       sync.Mutex
	sequence []*image.RGBA
	captures int
}

func (f *fakeFrames) CaptureFrame(ctx context.Context) (*capture.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.captures
	if idx >= len(f.sequence) {
		idx = len(f.sequence) - 1
	}
	f.captures++
	img := f.sequence[idx]
	return &capture.Frame{
		Image:     img,
		Width:     img.Bounds().Dx(),
		Height:    img.Bounds().Dy(),
		Stride:    img.Stride,
		Timestamp: time.Now(),
	}, nil
}

func (f *fakeFrames) captureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

// fakeRecorder collects search records
type fakeRecorder struct {
	mu      sync.Mutex
	records []SearchRecord
}

func (f *fakeRecorder) RecordSearch(record SearchRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeRecorder) all() []SearchRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SearchRecord, len(f.records))
	copy(out, f.records)
	return out
}

func testPattern(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((30 + x*x*19) % 256),
				G: uint8((180 + y*y*13) % 256),
				B: uint8((x*29 + y*47 + x*y*7) % 256),
				A: 255,
			})
		}
	}
	return img
}

// altPattern produces a texture uncorrelated with testPattern, for tests that
// replace a template's pixels.
func altPattern(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((200 + x*y*31 + y*y*11) % 256),
				G: uint8((90 + x*x*7 + y*17) % 256),
				B: uint8((x*53 + y*y*23) % 256),
				A: 255,
			})
		}
	}
	return img
}

func blankFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

func frameWith(tpl *image.RGBA, x, y int) *image.RGBA {
	frame := blankFrame(120, 90)
	b := tpl.Bounds()
	for ty := 0; ty < b.Dy(); ty++ {
		for tx := 0; tx < b.Dx(); tx++ {
			frame.SetRGBA(x+tx, y+ty, tpl.RGBAAt(tx, ty))
		}
	}
	return frame
}

func TestFindBestMatchWithSuppliedFrame(t *testing.T) {
	tpl := testPattern(12, 10)
	store := &fakeStore{templates: map[string]*image.RGBA{"button": tpl}}
	recorder := &fakeRecorder{}
	svc := NewService(store, WithRecorder(recorder))

	frame := frameWith(tpl, 30, 20)
	result, err := svc.FindBestMatch(context.Background(), "button", frame, cv.DefaultMatchOptions())
	require.NoError(t, err)

	require.True(t, result.Found)
	assert.GreaterOrEqual(t, result.Score, 0.95)
	assert.Equal(t, 30, result.Bounds.X1)
	assert.Equal(t, 20, result.Bounds.Y1)

	records := recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, "button", records[0].TemplateKey)
	assert.True(t, records[0].Found)
	assert.False(t, records[0].Cached)
}

func TestFindBestMatchNotFoundTemplate(t *testing.T) {
	store := &fakeStore{templates: map[string]*image.RGBA{}}
	svc := NewService(store)

	_, err := svc.FindBestMatch(context.Background(), "ghost", blankFrame(50, 50), cv.DefaultMatchOptions())
	assert.True(t, templates.IsNotFound(err), "want NotFoundError, got %v", err)
}

func TestFindBestMatchNoFrameNoSource(t *testing.T) {
	store := &fakeStore{templates: map[string]*image.RGBA{"a": testPattern(4, 4)}}
	svc := NewService(store)

	_, err := svc.FindBestMatch(context.Background(), "a", nil, cv.DefaultMatchOptions())
	assert.Error(t, err)
}

func TestFindBestMatchResultCache(t *testing.T) {
	tpl := testPattern(10, 10)
	store := &fakeStore{templates: map[string]*image.RGBA{"icon": tpl}}
	recorder := &fakeRecorder{}
	svc := NewService(store,
		WithResultCache(matchcache.New(time.Second)),
		WithRecorder(recorder),
	)

	frame := frameWith(tpl, 40, 40)
	opts := cv.DefaultMatchOptions()

	first, err := svc.FindBestMatch(context.Background(), "icon", frame, opts)
	require.NoError(t, err)
	second, err := svc.FindBestMatch(context.Background(), "icon", frame, opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.getCount(), "cached second call must skip the template load")

	records := recorder.all()
	require.Len(t, records, 2)
	assert.False(t, records[0].Cached)
	assert.True(t, records[1].Cached)

	// A different frame is a cache miss.
	other := frameWith(tpl, 10, 10)
	_, err = svc.FindBestMatch(context.Background(), "icon", other, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, store.getCount())
}

func TestPreprocessedTemplateTracksBackingFile(t *testing.T) {
	old := testPattern(10, 10)
	store := &fakeStore{templates: map[string]*image.RGBA{"badge": old}}
	svc := NewService(store)

	opts := cv.DefaultMatchOptions()
	opts.Preprocess = cv.PreprocessOptions{Grayscale: true}

	result, err := svc.FindBestMatch(context.Background(), "badge", frameWith(old, 20, 20), opts)
	require.NoError(t, err)
	require.True(t, result.Found)

	// Rewrite the backing image. The memoized grayscale variant of the old
	// pixels must not answer searches for the new ones.
	replacement := altPattern(12, 12)
	store.swap("badge", replacement)

	result, err = svc.FindBestMatch(context.Background(), "badge", frameWith(replacement, 50, 30), opts)
	require.NoError(t, err)
	require.True(t, result.Found, "search ran against stale preprocessed pixels")
	assert.Equal(t, 50, result.Bounds.X1)
	assert.Equal(t, 30, result.Bounds.Y1)
}

func TestFindAllMatches(t *testing.T) {
	tpl := testPattern(10, 10)
	store := &fakeStore{templates: map[string]*image.RGBA{"dot": tpl}}
	svc := NewService(store)

	frame := blankFrame(120, 90)
	for _, p := range []image.Point{{10, 10}, {50, 30}, {90, 60}} {
		b := tpl.Bounds()
		for ty := 0; ty < b.Dy(); ty++ {
			for tx := 0; tx < b.Dx(); tx++ {
				frame.SetRGBA(p.X+tx, p.Y+ty, tpl.RGBAAt(tx, ty))
			}
		}
	}

	opts := cv.DefaultMatchOptions()
	opts.Threshold = 0.98
	opts.MaxResults = 0

	results, err := svc.FindAllMatches(context.Background(), "dot", frame, opts)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestFindAllDoesNotReuseBestMatchCacheEntry(t *testing.T) {
	tpl := testPattern(10, 10)
	store := &fakeStore{templates: map[string]*image.RGBA{"dot": tpl}}
	svc := NewService(store, WithResultCache(matchcache.New(time.Minute)))

	frame := blankFrame(120, 90)
	opts := cv.DefaultMatchOptions()
	opts.Threshold = 0.99

	// A best-match miss stores a single not-found entry under these options.
	result, err := svc.FindBestMatch(context.Background(), "dot", frame, opts)
	require.NoError(t, err)
	require.False(t, result.Found)

	// findAll with the same frame and options must run its own search and
	// report no matches, not replay the placeholder.
	results, err := svc.FindAllMatches(context.Background(), "dot", frame, opts)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 2, store.getCount(), "findAll must not be satisfied from the best-match cache entry")
}

func TestFrameCacheReuse(t *testing.T) {
	tpl := testPattern(8, 8)
	store := &fakeStore{templates: map[string]*image.RGBA{"x": tpl}}
	frames := &fakeFrames{sequence: []*image.RGBA{frameWith(tpl, 5, 5)}}
	svc := NewService(store,
		WithFrameSource(frames),
		WithFrameCacheTTL(time.Minute),
	)

	ctx := context.Background()
	_, err := svc.FindBestMatch(ctx, "x", nil, cv.DefaultMatchOptions())
	require.NoError(t, err)
	_, err = svc.FindBestMatch(ctx, "x", nil, cv.DefaultMatchOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, frames.captureCount(), "second search within TTL reuses the frame")

	svc.InvalidateFrameCache()
	_, err = svc.FindBestMatch(ctx, "x", nil, cv.DefaultMatchOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, frames.captureCount())
}

func TestWaitForMatchSucceeds(t *testing.T) {
	tpl := testPattern(10, 10)
	store := &fakeStore{templates: map[string]*image.RGBA{"popup": tpl}}
	frames := &fakeFrames{sequence: []*image.RGBA{
		blankFrame(120, 90),
		blankFrame(120, 90),
		frameWith(tpl, 60, 40),
	}}
	svc := NewService(store, WithFrameSource(frames))

	result, err := svc.WaitForMatch(context.Background(), "popup", 2*time.Second, 10*time.Millisecond, cv.DefaultMatchOptions())
	require.NoError(t, err)
	require.True(t, result.Found)
	assert.Equal(t, 60, result.Bounds.X1)
	assert.GreaterOrEqual(t, frames.captureCount(), 3)
}

func TestWaitForMatchTimeoutIsNotAnError(t *testing.T) {
	store := &fakeStore{templates: map[string]*image.RGBA{"never": testPattern(10, 10)}}
	frames := &fakeFrames{sequence: []*image.RGBA{blankFrame(60, 60)}}
	svc := NewService(store, WithFrameSource(frames))

	result, err := svc.WaitForMatch(context.Background(), "never", 50*time.Millisecond, 10*time.Millisecond, cv.DefaultMatchOptions())
	require.NoError(t, err, "expiry without a match is a miss, not a failure")
	assert.False(t, result.Found)
}

func TestWaitForMatchCancellation(t *testing.T) {
	store := &fakeStore{templates: map[string]*image.RGBA{"never": testPattern(10, 10)}}
	frames := &fakeFrames{sequence: []*image.RGBA{blankFrame(60, 60)}}
	svc := NewService(store, WithFrameSource(frames))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := svc.WaitForMatch(ctx, "never", time.Minute, 10*time.Millisecond, cv.DefaultMatchOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistryDefaultsApplied(t *testing.T) {
	tpl := testPattern(10, 10)
	store := &fakeStore{templates: map[string]*image.RGBA{"buttons/ok.png": tpl}}

	registry := templates.NewRegistry()
	region := cv.NewRegion(0, 0, 60, 90)
	require.NoError(t, registry.Register(templates.Definition{
		Name:      "ok-button",
		Key:       "buttons/ok.png",
		Threshold: 0.9,
		Region:    &region,
	}))

	svc := NewService(store, WithRegistry(registry))

	// Template sits inside the registry region: found via the logical name.
	inside := frameWith(tpl, 20, 30)
	opts := cv.DefaultMatchOptions()
	opts.Threshold = 0
	result, err := svc.FindBestMatch(context.Background(), "ok-button", inside, opts)
	require.NoError(t, err)
	assert.True(t, result.Found)

	// Outside the region the registry's search bounds exclude it.
	outside := frameWith(tpl, 90, 30)
	result, err = svc.FindBestMatch(context.Background(), "ok-button", outside, opts)
	require.NoError(t, err)
	assert.False(t, result.Found)
}

func TestPixelColorAndCheckColor(t *testing.T) {
	frame := blankFrame(40, 40)
	frame.SetRGBA(10, 10, color.RGBA{200, 100, 50, 255})
	frames := &fakeFrames{sequence: []*image.RGBA{frame}}
	store := &fakeStore{templates: map[string]*image.RGBA{}}
	svc := NewService(store, WithFrameSource(frames), WithFrameCacheTTL(time.Minute))

	ctx := context.Background()
	c, err := svc.PixelColor(ctx, 10, 10)
	require.NoError(t, err)
	r, g, b, _ := c.RGBA()
	assert.EqualValues(t, 200, r>>8)
	assert.EqualValues(t, 100, g>>8)
	assert.EqualValues(t, 50, b>>8)

	_, err = svc.PixelColor(ctx, 500, 500)
	assert.Error(t, err, "out-of-bounds coordinates must fail")

	match, err := svc.CheckColor(ctx, 10, 10, color.RGBA{205, 95, 55, 255}, 10)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = svc.CheckColor(ctx, 10, 10, color.RGBA{0, 0, 0, 255}, 10)
	require.NoError(t, err)
	assert.False(t, match)
}
