package translate

import (
	"container/list"
	"sync"
	"time"
)

// cacheKey identifies one translation result. The provider name is part of
// the key so that switching providers never serves text produced by the
// previous one.
type cacheKey struct {
	provider string
	source   string
	target   string
	text     string
}

type cacheEntry struct {
	key     cacheKey
	value   string
	expires time.Time
}

// lruCache is a fixed-capacity LRU with per-entry expiry. Live speech
// repeats itself (greetings, filler phrases, chorus lines), and providers
// bill per character, so identical requests within the TTL are answered
// from here without a network call.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[cacheKey]*list.Element
	order    *list.List // front = most recently used

	// now is swapped out in tests to control expiry.
	now func() time.Time
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[cacheKey]*list.Element, capacity),
		order:    list.New(),
		now:      time.Now,
	}
}

func (c *lruCache) get(provider, source, target, text string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{provider: provider, source: source, target: target, text: text}
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return "", false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

func (c *lruCache) put(provider, source, target, text, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{provider: provider, source: source, target: target, text: text}
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	el := c.order.PushFront(&cacheEntry{
		key:     key,
		value:   value,
		expires: c.now().Add(c.ttl),
	})
	c.entries[key] = el
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
