package proxy

import (
	"container/list"
	"net/http"
	"sync"
	"time"
)

// CacheEntry stores a fully buffered response. Headers are cloned on
// insert and lookup so entries stay immutable; the cache owns the body
// bytes and callers must treat them as read-only.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	Renderer string
	AddedAt  time.Time
}

// CacheKey builds the "{variant}:{absoluteURL}" key. Variant separates
// direct fetches from headless renderings of the same URL.
func CacheKey(variant, absoluteURL string) string {
	return variant + ":" + absoluteURL
}

// ResponseCache is a bounded TTL cache for GET responses. Entries are kept
// in insertion order; eviction first drops expired entries, then the
// oldest insertions until the soft target is met, so a single insert never
// walks more than one full pass.
type ResponseCache struct {
	ttl       time.Duration
	highWater int
	lowWater  int

	mu    sync.Mutex
	order *list.List // front = newest insertion
	items map[string]*list.Element
}

type cacheItem struct {
	key   string
	entry *CacheEntry
}

// NewResponseCache returns a cache with the given TTL and water marks.
// A TTL <= 0 disables the cache entirely.
func NewResponseCache(ttl time.Duration, highWater, lowWater int) *ResponseCache {
	if highWater <= 0 {
		highWater = 200
	}
	if lowWater <= 0 || lowWater >= highWater {
		lowWater = highWater * 3 / 4
	}
	return &ResponseCache{
		ttl:       ttl,
		highWater: highWater,
		lowWater:  lowWater,
		order:     list.New(),
		items:     make(map[string]*list.Element),
	}
}

// Enabled reports whether caching is active.
func (c *ResponseCache) Enabled() bool { return c != nil && c.ttl > 0 }

// TTL returns the configured entry lifetime.
func (c *ResponseCache) TTL() time.Duration { return c.ttl }

// Size returns the current entry count.
func (c *ResponseCache) Size() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Lookup returns a cloned entry when one exists and is fresh. Expired
// entries are removed on sight and never returned.
func (c *ResponseCache) Lookup(key string) (*CacheEntry, bool) {
	if !c.Enabled() {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheItem).entry
	if time.Since(entry.AddedAt) >= c.ttl {
		c.removeElement(el)
		return nil, false
	}
	return &CacheEntry{
		Status:   entry.Status,
		Header:   entry.Header.Clone(),
		Body:     entry.Body,
		Renderer: entry.Renderer,
		AddedAt:  entry.AddedAt,
	}, true
}

// Insert stores an entry under key, replacing any prior one, then enforces
// the capacity bounds.
func (c *ResponseCache) Insert(key string, entry *CacheEntry) {
	if !c.Enabled() {
		return
	}
	stored := &CacheEntry{
		Status:   entry.Status,
		Header:   entry.Header.Clone(),
		Body:     entry.Body,
		Renderer: entry.Renderer,
		AddedAt:  entry.AddedAt,
	}
	if stored.AddedAt.IsZero() {
		stored.AddedAt = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	if c.order.Len() >= c.highWater {
		c.evictLocked()
	}
	c.items[key] = c.order.PushFront(&cacheItem{key: key, entry: stored})
}

// evictLocked drops expired entries, then oldest insertions until the
// size is at or below the low-water mark.
func (c *ResponseCache) evictLocked() {
	var next *list.Element
	for el := c.order.Back(); el != nil; el = next {
		next = el.Prev()
		if time.Since(el.Value.(*cacheItem).entry.AddedAt) >= c.ttl {
			c.removeElement(el)
		}
	}
	for c.order.Len() > c.lowWater {
		c.removeElement(c.order.Back())
	}
}

func (c *ResponseCache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*cacheItem).key)
}
