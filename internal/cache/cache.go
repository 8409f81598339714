// Package cache memoizes call results keyed by request fingerprint.
// A hit short-circuits provider selection entirely and never counts
// against any provider's rate limit or budget.
package cache

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize bounds the number of cached entries when no size is
// configured.
const DefaultSize = 4096

// entry is one memoized result. A zero expiry means the entry never
// expires (immutable historical data).
type entry struct {
	value     json.RawMessage
	chain     string
	class     string
	writtenAt time.Time
	expiresAt time.Time
}

// Cache is a TTL cache over a bounded LRU store.
type Cache struct {
	mu    sync.Mutex
	store *lru.Cache[string, entry]
	clock clock.Clock

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache holding at most size entries. size <= 0 uses
// DefaultSize.
func New(size int, clk clock.Clock) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if clk == nil {
		clk = clock.New()
	}

	store, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, clock: clk}, nil
}

// Get returns the cached value for the fingerprint, or false on a miss
// or an expired entry. Expired entries are evicted on access.
func (c *Cache) Get(fp string) (json.RawMessage, bool) {
	c.mu.Lock()
	e, ok := c.store.Get(fp)
	if ok && !e.expiresAt.IsZero() && c.clock.Now().After(e.expiresAt) {
		c.store.Remove(fp)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Put stores a value under the fingerprint. ttl <= 0 means no expiry.
// A write never replaces a strictly newer entry: last writer by
// observation time wins, not last writer by arrival.
func (c *Cache) Put(fp string, value json.RawMessage, chain, class string, ttl time.Duration, writtenAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.store.Get(fp); ok && existing.writtenAt.After(writtenAt) {
		return
	}

	e := entry{
		value:     value,
		chain:     chain,
		class:     class,
		writtenAt: writtenAt,
	}
	if ttl > 0 {
		e.expiresAt = writtenAt.Add(ttl)
	}
	c.store.Add(fp, e)
}

// InvalidateClass drops every entry for a (chain, method class) pair.
// Used when a caller observes a chain reorganization and the class is
// configured to invalidate on reorg.
func (c *Cache) InvalidateClass(chain, class string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.store.Keys() {
		if e, ok := c.store.Peek(key); ok && e.chain == chain && e.class == class {
			c.store.Remove(key)
			removed++
		}
	}
	return removed
}

// HitRate reports the lifetime hit ratio, 0 when no lookups were made.
func (c *Cache) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Len reports the current number of entries, including not-yet-evicted
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}
