package templates

import (
	"container/list"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultExtensions is the extension priority order tried when a key omits
// its file extension.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".bmp"}

// StoreStats tracks cache performance
type StoreStats struct {
	Hits          int64
	Misses        int64
	Loads         int64
	Evictions     int64
	Invalidations int64
}

// entry couples a cached template with its LRU position. The element is
// unlinked from both the map and the list before the payload is released.
type entry struct {
	template *Template
	elem     *list.Element
}

// Store is a file-backed, invalidating, capacity-bounded cache of decoded
// templates keyed by name. It is safe for concurrent use.
type Store struct {
	baseDir    string
	extensions []string
	capacity   int

	entries map[string]*entry // key: resolved path, lowercased
	lru     *list.List        // front = most recently used
	mu      sync.Mutex

	stats StoreStats

	retryAttempts int
	retryDelay    time.Duration

	watcher    *fsnotify.Watcher
	watcherWG  sync.WaitGroup
	onEvict    func(path string)
	log        zerolog.Logger
	closedOnce sync.Once
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithCapacity bounds the number of cached templates. A capacity of 0 or
// below disables eviction.
func WithCapacity(n int) StoreOption {
	return func(s *Store) { s.capacity = n }
}

// WithExtensions overrides the extension priority order
func WithExtensions(exts []string) StoreOption {
	return func(s *Store) { s.extensions = exts }
}

// WithRetry configures decode retry behavior. Delay grows linearly per
// attempt.
func WithRetry(attempts int, delay time.Duration) StoreOption {
	return func(s *Store) {
		if attempts > 0 {
			s.retryAttempts = attempts
		}
		if delay > 0 {
			s.retryDelay = delay
		}
	}
}

// WithLogger sets the store's logger
func WithLogger(log zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// WithEvictionHook registers a callback invoked with the resolved path of
// every entry dropped by invalidation or eviction. Used by consumers that
// memoize derived images.
func WithEvictionHook(fn func(path string)) StoreOption {
	return func(s *Store) { s.onEvict = fn }
}

// NewStore creates a template store rooted at baseDir and starts the
// filesystem watcher that drops cache entries when backing files change.
func NewStore(baseDir string, opts ...StoreOption) (*Store, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("template base directory %s is not accessible", abs)
	}

	s := &Store{
		baseDir:       abs,
		extensions:    DefaultExtensions,
		entries:       make(map[string]*entry),
		lru:           list.New(),
		retryAttempts: 3,
		retryDelay:    50 * time.Millisecond,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := watcher.Add(abs); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", abs, err)
	}
	s.watcher = watcher

	s.watcherWG.Add(1)
	go s.watchLoop()

	return s, nil
}

// Close stops the filesystem watcher and clears the cache
func (s *Store) Close() error {
	var err error
	s.closedOnce.Do(func() {
		err = s.watcher.Close()
		s.watcherWG.Wait()

		s.mu.Lock()
		s.entries = make(map[string]*entry)
		s.lru.Init()
		s.mu.Unlock()
	})
	return err
}

// Contains reports whether a backing file exists for the key
func (s *Store) Contains(key string) bool {
	_, err := s.resolve(key)
	return err == nil
}

// Get returns an independent copy of the template for key, loading and
// caching it on first use. A cached entry is served only while the backing
// file's size and modification time are unchanged; otherwise it is reloaded.
func (s *Store) Get(ctx context.Context, key string) (*Template, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	cacheKey := strings.ToLower(path)

	info, statErr := os.Stat(path)

	s.mu.Lock()
	if ent, ok := s.entries[cacheKey]; ok {
		if statErr == nil && info.Size() == ent.template.Size && info.ModTime().Equal(ent.template.ModTime) {
			s.lru.MoveToFront(ent.elem)
			s.stats.Hits++
			tpl := ent.template
			s.mu.Unlock()
			return tpl.Clone(), nil
		}
		// Backing file changed or vanished: stale entry is a miss.
		s.removeLocked(cacheKey)
	}
	s.stats.Misses++
	s.mu.Unlock()

	if statErr != nil {
		return nil, &NotFoundError{Key: key}
	}

	img, err := s.decodeWithRetry(ctx, path)
	if err != nil {
		return nil, err
	}

	tpl := &Template{
		Key:     key,
		Path:    path,
		Image:   img,
		Width:   img.Bounds().Dx(),
		Height:  img.Bounds().Dy(),
		ModTime: info.ModTime(),
		Size:    info.Size(),
	}

	s.mu.Lock()
	// A concurrent load for the same path may have won; its result is simply
	// overwritten so LRU size is never double counted.
	if old, ok := s.entries[cacheKey]; ok {
		s.lru.Remove(old.elem)
		delete(s.entries, cacheKey)
	}
	elem := s.lru.PushFront(cacheKey)
	s.entries[cacheKey] = &entry{template: tpl, elem: elem}
	s.stats.Loads++
	s.evictLocked()
	s.mu.Unlock()

	return tpl.Clone(), nil
}

// Invalidate drops the cache entry for key if present
func (s *Store) Invalidate(key string) {
	path, err := s.resolve(key)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.removeLocked(strings.ToLower(path))
	s.mu.Unlock()
}

// Len returns the number of cached templates
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns the cached resolved paths, most recently used first
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, s.lru.Len())
	for e := s.lru.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

// Stats returns a snapshot of cache statistics
func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// BaseDir returns the store's resolved base directory
func (s *Store) BaseDir() string {
	return s.baseDir
}

// resolve maps a key to an existing file path, trying the literal key first
// and then each supported extension in priority order. Paths escaping the
// base directory are rejected.
func (s *Store) resolve(key string) (string, error) {
	if key == "" {
		return "", &NotFoundError{Key: key}
	}

	candidates := []string{key}
	if filepath.Ext(key) == "" {
		for _, ext := range s.extensions {
			candidates = append(candidates, key+ext)
		}
	}

	for _, cand := range candidates {
		path := filepath.Join(s.baseDir, cand)
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(abs, s.baseDir+string(filepath.Separator)) {
			return "", ErrOutsideBaseDir
		}
		if info, err := os.Stat(abs); err == nil && !info.IsDir() {
			return abs, nil
		}
	}

	return "", &NotFoundError{Key: key}
}

// decodeWithRetry loads and decodes an image file, retrying transient
// empty/failed reads with linear backoff. The final attempt's failure is
// propagated unchanged.
func (s *Store) decodeWithRetry(ctx context.Context, path string) (*image.RGBA, error) {
	var lastErr error

	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		if attempt > 1 {
			// Linear backoff: delay grows with each attempt.
			select {
			case <-time.After(s.retryDelay * time.Duration(attempt-1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		img, err := decodeImageFile(path)
		if err == nil {
			return img, nil
		}
		lastErr = err
		s.log.Debug().Str("path", path).Int("attempt", attempt).Err(err).Msg("template decode failed")
	}

	return nil, &LoadError{Path: path, Err: lastErr}
}

// evictLocked drops least-recently-used entries beyond capacity. Caller
// holds s.mu.
func (s *Store) evictLocked() {
	if s.capacity <= 0 {
		return
	}
	for len(s.entries) > s.capacity {
		oldest := s.lru.Back()
		if oldest == nil {
			return
		}
		key := oldest.Value.(string)
		s.removeLocked(key)
		s.stats.Evictions++
		s.log.Debug().Str("path", key).Msg("evicted template")
	}
}

// removeLocked unlinks an entry from both the map and the LRU list before
// the payload is released. Caller holds s.mu.
func (s *Store) removeLocked(cacheKey string) {
	ent, ok := s.entries[cacheKey]
	if !ok {
		return
	}
	s.lru.Remove(ent.elem)
	delete(s.entries, cacheKey)
	if s.onEvict != nil {
		go s.onEvict(cacheKey)
	}
}

// watchLoop drops cache entries as soon as their backing files change,
// independent of the lazy validity check in Get.
func (s *Store) watchLoop() {
	defer s.watcherWG.Done()

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			cacheKey := strings.ToLower(event.Name)
			s.mu.Lock()
			if _, tracked := s.entries[cacheKey]; tracked {
				s.removeLocked(cacheKey)
				s.stats.Invalidations++
				s.log.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("invalidated template")
			}
			s.mu.Unlock()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("template watcher error")
		}
	}
}
