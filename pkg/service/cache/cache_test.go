package cache_test

import (
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/k-hirata/manabu/pkg/service/cache"
)

func TestCache(t *testing.T) {
	t.Run("set and get", func(t *testing.T) {
		c := cache.New[string](10)
		c.Set("k", "v", time.Minute)

		v, ok := c.Get("k")
		gt.True(t, ok)
		gt.V(t, v).Equal("v")
	})

	t.Run("miss", func(t *testing.T) {
		c := cache.New[string](10)
		_, ok := c.Get("absent")
		gt.False(t, ok)
	})

	t.Run("expiry", func(t *testing.T) {
		c := cache.New[int](10)
		c.Set("k", 1, -time.Second)

		_, ok := c.Get("k")
		gt.False(t, ok)
	})

	t.Run("eviction keeps cache bounded", func(t *testing.T) {
		c := cache.New[int](4)
		keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
		for i, k := range keys {
			c.Set(k, i, time.Minute)
		}
		gt.True(t, c.Len() <= 4)
	})

	t.Run("eviction drops entries closest to expiry first", func(t *testing.T) {
		c := cache.New[int](4)
		c.Set("soon", 1, time.Minute)
		c.Set("later", 2, 2*time.Minute)
		c.Set("latest", 3, 3*time.Minute)
		c.Set("longest", 4, 4*time.Minute)
		c.Set("fresh", 5, time.Hour)

		_, ok := c.Get("soon")
		gt.False(t, ok)
		_, ok = c.Get("later")
		gt.False(t, ok)

		v, ok := c.Get("longest")
		gt.True(t, ok)
		gt.V(t, v).Equal(4)
		v, ok = c.Get("fresh")
		gt.True(t, ok)
		gt.V(t, v).Equal(5)
	})
}

func TestKey(t *testing.T) {
	k1 := cache.Key("embed", "some text")
	k2 := cache.Key("embed", "some text")
	k3 := cache.Key("embed", "other text")

	gt.V(t, k1).Equal(k2)
	gt.V(t, k1).NotEqual(k3)
	gt.V(t, cache.Key("a", "x", "y")).NotEqual(cache.Key("b", "x", "y"))

	// joining must not collide across part boundaries
	gt.V(t, cache.Key("p", "ab", "c")).NotEqual(cache.Key("p", "a", "bc"))
}
