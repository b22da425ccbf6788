package router

import (
	"testing"
	"time"
)

func TestCacheRoundTrip(t *testing.T) {
	c := newTTLCache(4, time.Minute)
	key := cacheKey("hello world")

	if _, ok := c.get(key); ok {
		t.Fatal("empty cache should miss")
	}
	c.put(key, CategoryCoding)
	got, ok := c.get(key)
	if !ok || got != CategoryCoding {
		t.Errorf("get = (%q, %v)", got, ok)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := newTTLCache(4, 300*time.Second)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	key := cacheKey("what is the weather")
	c.put(key, CategoryRoutine)

	now = now.Add(299 * time.Second)
	if _, ok := c.get(key); !ok {
		t.Error("entry expired early")
	}

	now = now.Add(2 * time.Second)
	if _, ok := c.get(key); ok {
		t.Error("entry outlived its TTL")
	}
}

func TestCacheFIFOEviction(t *testing.T) {
	c := newTTLCache(2, time.Minute)
	k1, k2, k3 := cacheKey("one"), cacheKey("two"), cacheKey("three")

	c.put(k1, CategoryRoutine)
	c.put(k2, CategoryCoding)

	// Reading k1 must not save it: eviction is insertion-ordered.
	c.get(k1)
	c.put(k3, CategoryReasoning)

	if _, ok := c.get(k1); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := c.get(k2); !ok {
		t.Error("second entry evicted too early")
	}
	if _, ok := c.get(k3); !ok {
		t.Error("newest entry missing")
	}
}

func TestCacheRePutDoesNotGrow(t *testing.T) {
	c := newTTLCache(4, time.Minute)
	key := cacheKey("same text")

	c.put(key, CategoryRoutine)
	c.put(key, CategoryCoding)

	if n := c.len(); n != 1 {
		t.Errorf("len = %d, want 1", n)
	}
	if got, _ := c.get(key); got != CategoryCoding {
		t.Errorf("re-put did not replace value: %q", got)
	}
}
