package embed

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lfs_embed_cache_hits_total",
		Help: "Embed responses served from the cache",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lfs_embed_cache_misses_total",
		Help: "Embed responses built on a cache miss",
	})
	cacheEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lfs_embed_cache_evictions_total",
		Help: "Embed responses dropped from the cache, by reason",
	}, []string{"reason"})
)

type entry struct {
	resp       *Response
	lastAccess time.Time
}

// Cache keeps built embed responses per file id. A hit returns the stored
// response as-is, even if the file changed since it was built. Entries not
// read within the TTL are dropped by Sweep; the LRU bound drops the least
// recently read entry when full.
type Cache struct {
	mu    sync.Mutex
	items *lru.Cache[string, *entry]
	ttl   time.Duration
	now   func() time.Time
}

func NewCache(size int, ttl time.Duration) (*Cache, error) {
	items, err := lru.New[string, *entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{items: items, ttl: ttl, now: time.Now}, nil
}

// SetClock replaces time.Now, for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the cached response for id, refreshing its access time, or
// builds, stores and returns a new one. Build errors are not cached.
func (c *Cache) Get(id string, build func() (*Response, error)) (*Response, error) {
	c.mu.Lock()
	if e, ok := c.items.Get(id); ok {
		e.lastAccess = c.now()
		c.mu.Unlock()
		cacheHitsTotal.Inc()
		return e.resp, nil
	}
	c.mu.Unlock()

	cacheMissesTotal.Inc()
	resp, err := build()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// a concurrent miss may have stored first; keep the first response
	if e, ok := c.items.Get(id); ok {
		e.lastAccess = c.now()
		return e.resp, nil
	}
	if evicted := c.items.Add(id, &entry{resp: resp, lastAccess: c.now()}); evicted {
		cacheEvictionsTotal.WithLabelValues("capacity").Inc()
	}
	return resp, nil
}

// Sweep drops entries whose last access is older than the TTL and returns how
// many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, id := range c.items.Keys() {
		e, ok := c.items.Peek(id)
		if !ok || now.Sub(e.lastAccess) <= c.ttl {
			continue
		}
		c.items.Remove(id)
		removed++
	}
	if removed > 0 {
		cacheEvictionsTotal.WithLabelValues("expired").Add(float64(removed))
	}
	return removed
}

// Invalidate drops the entry for id, if any.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Remove(id)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}
