package subagent

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ExploreCache deduplicates exploration work across the read-only tasks of
// one batch. Two agents asking an equivalent question share a single
// computation: the second caller blocks on the first's in-flight result
// instead of recomputing. Entries are immutable once written and the cache
// lives exactly as long as its batch.
type ExploreCache struct {
	mu      sync.RWMutex
	entries map[string]string

	group singleflight.Group

	hits       atomic.Int64
	misses     atomic.Int64
	suppressed atomic.Int64
}

// NewExploreCache creates an empty cache for one batch.
func NewExploreCache() *ExploreCache {
	return &ExploreCache{
		entries: make(map[string]string),
	}
}

// GetOrCompute returns the cached value for key, or runs compute exactly
// once per key even under concurrent callers. Failed computations are not
// cached, so a later caller retries the key.
func (c *ExploreCache) GetOrCompute(key string, compute func() (string, error)) (string, error) {
	c.mu.RLock()
	value, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return value, nil
	}

	result, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Double-check under the group: another caller may have completed
		// and stored the value between our read miss and this callback.
		c.mu.RLock()
		value, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return value, nil
		}

		c.misses.Add(1)
		value, err := compute()
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.entries[key] = value
		c.mu.Unlock()
		return value, nil
	})
	if shared {
		c.suppressed.Add(1)
	}
	if err != nil {
		// Forget so a subsequent caller can retry the failed key.
		c.group.Forget(key)
		return "", err
	}
	return result.(string), nil
}

// Len returns the number of cached entries.
func (c *ExploreCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CacheStats summarizes cache effectiveness for the batch completion log.
type CacheStats struct {
	// Hits counts lookups served from a stored entry.
	Hits int64
	// Misses counts computations actually performed.
	Misses int64
	// Suppressed counts callers that waited on an in-flight duplicate.
	Suppressed int64
}

// Stats returns a snapshot of the cache counters.
func (c *ExploreCache) Stats() CacheStats {
	return CacheStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Suppressed: c.suppressed.Load(),
	}
}

// String returns a formatted string representation of the stats.
func (s CacheStats) String() string {
	return fmt.Sprintf("cache: %d hits, %d misses, %d duplicate waits suppressed",
		s.Hits, s.Misses, s.Suppressed)
}
