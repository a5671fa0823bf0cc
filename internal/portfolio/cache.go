package portfolio

import (
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"dispatch/internal/registry"
)

// DefaultTTL is how long a cached recommendation stays fresh.
const DefaultTTL = 60 * time.Second

// Cache holds the single current portfolio recommendation. Registry
// mutations arm a one-shot refresh flag that is consumed on the next Get.
type Cache struct {
	mu               sync.Mutex
	optimizer        *Optimizer
	registry         *registry.Registry
	ttl              time.Duration
	entry            *Portfolio
	entryKey         string
	entryAt          time.Time
	forceRefreshNext bool

	now func() time.Time
}

// NewCache creates a portfolio cache and subscribes it to registry
// mutations.
func NewCache(opt *Optimizer, reg *registry.Registry, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{optimizer: opt, registry: reg, ttl: ttl, now: time.Now}
	reg.Subscribe(c.Invalidate)
	return c
}

// SetClock overrides the cache clock. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Invalidate arms the one-shot refresh flag. The next Get recomputes
// regardless of TTL.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.forceRefreshNext = true
	c.mu.Unlock()
}

// cacheKey derives the cache key from sorted registry ids and floors.
func cacheKey(ids []string, opts Options) string {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte(',')
	}
	b.WriteString(strconv.FormatFloat(opts.WorkerTrustFloor, 'f', -1, 64))
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(opts.QATrustFloor, 'f', -1, 64))
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(opts.MinPredictedQuality, 'f', -1, 64))
	return b.String()
}

// Get returns the cached portfolio when fresh, recomputing on TTL expiry,
// key change, forceRefresh, or an armed invalidation.
func (c *Cache) Get(opts Options, forceRefresh bool) Portfolio {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(c.registry.IDs(), opts)
	now := c.now()

	fresh := c.entry != nil &&
		c.entryKey == key &&
		now.Sub(c.entryAt) < c.ttl &&
		!c.forceRefreshNext &&
		!forceRefresh

	if fresh {
		return *c.entry
	}

	if c.forceRefreshNext {
		log.Printf("[Portfolio] Cache invalidated by registry mutation; recomputing")
	}
	c.forceRefreshNext = false

	p := c.optimizer.Optimize(c.registry.Models(), opts)
	c.entry = &p
	c.entryKey = key
	c.entryAt = now
	return p
}
