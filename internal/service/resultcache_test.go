package service

import (
	"testing"
	"time"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/customtool"
)

func TestResultCache_PutGet(t *testing.T) {
	c := NewResultCache(4)
	key := CacheKey("weather__forecast", CanonicalizeArgs(map[string]interface{}{"city": "nyc"}))

	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss before Put")
	}

	c.Put(key, customtool.Result{Content: "sunny", Status: customtool.StatusCompleted, Timestamp: time.Now(), TTL: DefaultResultTTL})

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got.Content != "sunny" {
		t.Errorf("got content %q, want %q", got.Content, "sunny")
	}
}

func TestResultCache_OneShotConsumption(t *testing.T) {
	c := NewResultCache(4)
	key := CacheKey("t", nil)
	c.Put(key, customtool.Result{Content: "x", Status: customtool.StatusCompleted, Timestamp: time.Now(), TTL: DefaultResultTTL})

	if _, ok := c.Get(key); !ok {
		t.Fatal("expected first Get to hit")
	}
	if _, ok := c.Get(key); ok {
		t.Fatal("expected second Get to miss: result is one-shot")
	}
}

func TestResultCache_TTLExpiry(t *testing.T) {
	c := NewResultCache(4)
	key := CacheKey("t", nil)
	c.Put(key, customtool.Result{Content: "x", Status: customtool.StatusCompleted, Timestamp: time.Now().Add(-time.Hour), TTL: time.Minute})

	if _, ok := c.Get(key); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestResultCache_LRUEviction(t *testing.T) {
	c := NewResultCache(2)
	k1, k2, k3 := CacheKey("a", nil), CacheKey("b", nil), CacheKey("c", nil)

	c.Put(k1, customtool.Result{Content: "1", TTL: DefaultResultTTL, Timestamp: time.Now()})
	c.Put(k2, customtool.Result{Content: "2", TTL: DefaultResultTTL, Timestamp: time.Now()})
	c.Put(k3, customtool.Result{Content: "3", TTL: DefaultResultTTL, Timestamp: time.Now()})

	if c.Size() != 2 {
		t.Fatalf("expected size 2 after eviction, got %d", c.Size())
	}
	if _, ok := c.Get(k1); ok {
		t.Error("expected k1 (least recently used) to be evicted")
	}
}

func TestCacheKey_DeterministicAcrossArgOrder(t *testing.T) {
	a1 := CanonicalizeArgs(map[string]interface{}{"a": 1, "b": 2})
	a2 := CanonicalizeArgs(map[string]interface{}{"b": 2, "a": 1})

	if CacheKey("t", a1) != CacheKey("t", a2) {
		t.Error("expected cache key to be independent of map iteration order")
	}
}

func TestCacheKey_DifferentToolsDifferentKeys(t *testing.T) {
	args := CanonicalizeArgs(map[string]interface{}{"a": 1})
	if CacheKey("weather__forecast", args) == CacheKey("weather__alert", args) {
		t.Error("expected different tool names to produce different cache keys")
	}
}
