// Package matchcache memoizes end-to-end search results for a short TTL so
// near-duplicate polling calls skip the full matching pipeline. The cache is
// advisory: a miss means "no cached answer", never "no match exists".
package matchcache

import (
	"sync"
	"time"

	"github.com/calibern/screenmatch/internal/cv"
)

// Key identifies one memoized search outcome. Op names the producing
// operation so a single-result answer is never served to a caller that asked
// for all matches, and vice versa.
type Key struct {
	TemplateKey string
	Op          string
	Frame       uint64 // frame fingerprint
	Options     uint64 // options fingerprint
}

// Stats tracks cache performance
type Stats struct {
	Hits      int64
	Misses    int64
	Expired   int64
	Evictions int64
}

type cacheEntry struct {
	results   []cv.MatchResult
	expiresAt time.Time
}

// Cache is a TTL-bounded memoization of match results, safe for concurrent
// use.
type Cache struct {
	entries    map[Key]cacheEntry
	defaultTTL time.Duration
	mu         sync.Mutex
	stats      Stats
	now        func() time.Time
}

// New creates a cache with the given default TTL; non-positive defaults to
// 250ms.
func New(defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 250 * time.Millisecond
	}
	return &Cache{
		entries:    make(map[Key]cacheEntry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// TryGet returns the cached results for key if they have not expired. A read
// past expiry is a miss; the stale entry is removed.
func (c *Cache) TryGet(key Key) ([]cv.MatchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if c.now().After(ent.expiresAt) {
		delete(c.entries, key)
		c.stats.Expired++
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	results := make([]cv.MatchResult, len(ent.results))
	copy(results, ent.results)
	return results, true
}

// Set stores results with an absolute expiry computed at write time. A
// non-positive ttl uses the cache's default.
func (c *Cache) Set(key Key, results []cv.MatchResult, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	stored := make([]cv.MatchResult, len(results))
	copy(stored, results)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{
		results:   stored,
		expiresAt: c.now().Add(ttl),
	}
}

// Sweep removes all expired entries and returns how many were dropped
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	for key, ent := range c.entries {
		if now.After(ent.expiresAt) {
			delete(c.entries, key)
			dropped++
		}
	}
	c.stats.Evictions += int64(dropped)
	return dropped
}

// Len returns the number of entries, including not-yet-swept stale ones
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache statistics
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
