package lru

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/linkguard/internal/guard/domain"
	"github.com/haukened/linkguard/internal/guard/repos/approvals"
)

// DefaultCapacity is the hot cache size used when none is configured.
const DefaultCapacity = 300

// hotCache is an LRU-backed implementation of approvals.HotCache.
// It tracks basic metrics: hits, misses, and evictions.
type hotCache struct {
	lru       *lru.Cache[domain.Fingerprint, domain.HotEntry]
	capacity  int
	hits      uint64
	misses    uint64
	evictions uint64
}

// disabledCache is a no-op HotCache used when size <= 0.
type disabledCache struct{}

// New creates a HotCache with the given capacity. If size <= 0, a disabled
// no-op cache is returned that always misses and tracks no metrics.
func New(size int) (approvals.HotCache, error) {
	if size <= 0 {
		return &disabledCache{}, nil
	}

	hc := &hotCache{capacity: size}
	// NewWithEvict observes capacity evictions as well as Remove and Purge.
	cache, err := lru.NewWithEvict(size, func(_ domain.Fingerprint, _ domain.HotEntry) {
		atomic.AddUint64(&hc.evictions, 1)
	})
	if err != nil {
		return nil, err
	}
	hc.lru = cache
	return hc, nil
}

// Get returns the entry for fp if it is present and live at now.
// An expired entry is evicted and counted as a miss.
func (c *hotCache) Get(fp domain.Fingerprint, now time.Time) (domain.HotEntry, bool) {
	e, ok := c.lru.Get(fp)
	if ok && e.Live(now) {
		atomic.AddUint64(&c.hits, 1)
		return e, true
	}
	if ok {
		c.lru.Remove(fp)
	}
	atomic.AddUint64(&c.misses, 1)
	return domain.HotEntry{}, false
}

// Put inserts or refreshes fp, evicting the least recently used entry at capacity.
func (c *hotCache) Put(fp domain.Fingerprint, e domain.HotEntry) {
	c.lru.Add(fp, e)
}

func (c *hotCache) Remove(fp domain.Fingerprint) { c.lru.Remove(fp) }

// PurgeExpired evicts every entry that is no longer live at now.
func (c *hotCache) PurgeExpired(now time.Time) int {
	n := 0
	for _, fp := range c.lru.Keys() {
		if e, ok := c.lru.Peek(fp); ok && !e.Live(now) {
			if c.lru.Remove(fp) {
				n++
			}
		}
	}
	return n
}

// Purge clears all entries. Evictions are counted via the eviction callback.
func (c *hotCache) Purge() { c.lru.Purge() }

func (c *hotCache) Len() int { return c.lru.Len() }

func (c *hotCache) Stats() approvals.CacheStats {
	return approvals.CacheStats{
		Capacity:  c.capacity,
		Size:      c.lru.Len(),
		Hits:      atomic.LoadUint64(&c.hits),
		Misses:    atomic.LoadUint64(&c.misses),
		Evictions: atomic.LoadUint64(&c.evictions),
	}
}

// disabledCache implementation

func (d *disabledCache) Get(domain.Fingerprint, time.Time) (domain.HotEntry, bool) {
	return domain.HotEntry{}, false
}

func (d *disabledCache) Put(domain.Fingerprint, domain.HotEntry) {}

func (d *disabledCache) Remove(domain.Fingerprint) {}

func (d *disabledCache) PurgeExpired(time.Time) int { return 0 }

func (d *disabledCache) Purge() {}

func (d *disabledCache) Len() int { return 0 }

func (d *disabledCache) Stats() approvals.CacheStats { return approvals.CacheStats{} }

var _ approvals.HotCache = (*hotCache)(nil)
var _ approvals.HotCache = (*disabledCache)(nil)
