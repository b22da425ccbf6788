package router

import (
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ttlCache memoizes classification results. Bounded FIFO: at capacity
// the oldest insertion is evicted regardless of how recently it was
// read. Entries also expire after ttl so a stale category cannot pin
// itself by being asked repeatedly.
type ttlCache struct {
	mu      sync.Mutex
	entries map[[32]byte]cacheEntry
	order   [][32]byte
	cap     int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	cat     Category
	expires time.Time
}

func newTTLCache(capacity int, ttl time.Duration) *ttlCache {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &ttlCache{
		entries: make(map[[32]byte]cacheEntry, capacity),
		cap:     capacity,
		ttl:     ttl,
		now:     time.Now,
	}
}

// cacheKey hashes the normalized text. Hashing keeps the cache memory
// bound independent of message length.
func cacheKey(normalized string) [32]byte {
	return blake2b.Sum256([]byte(normalized))
}

func (c *ttlCache) get(key [32]byte) (Category, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.cat, true
}

func (c *ttlCache) put(key [32]byte, cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		// Evict in insertion order. Stale order slots whose entry
		// already expired out of the map are skipped.
		for len(c.entries) >= c.cap && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{cat: cat, expires: c.now().Add(c.ttl)}
}

func (c *ttlCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
