package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is an in-memory TTL cache for expensive results such as embeddings,
// classification and translation. When full, the oldest half of the entries
// is evicted.
type Cache[V any] struct {
	mu      sync.Mutex
	max     int
	entries map[string]entry[V]
}

func New[V any](max int) *Cache[V] {
	if max <= 0 {
		max = 1000
	}
	return &Cache[V]{
		max:     max,
		entries: make(map[string]entry[V]),
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.max {
		c.evictLocked()
	}
	c.entries[key] = entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked drops the entries closest to expiry until half capacity remains.
func (c *Cache[V]) evictLocked() {
	target := c.max / 2

	type candidate struct {
		key       string
		expiresAt time.Time
	}
	candidates := make([]candidate, 0, len(c.entries))
	for key, e := range c.entries {
		candidates = append(candidates, candidate{key: key, expiresAt: e.expiresAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].expiresAt.Before(candidates[j].expiresAt)
	})

	for _, cand := range candidates {
		if len(c.entries) <= target {
			break
		}
		delete(c.entries, cand.key)
	}
}

// Key builds a deterministic cache key: prefix + sha256 of the joined parts.
func Key(prefix string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "||")))
	return prefix + ":" + hex.EncodeToString(sum[:])
}
