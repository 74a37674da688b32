package cachemanager

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/apc-dev/apc/internal/log"
)

const DefaultExpiration = 10 * time.Minute
const DefaultCleanupInterval = 30 * time.Minute

// InMemory is a typed wrapper around a go-cache TTL store. useCase tags
// its log lines so concurrent caches stay distinguishable.
type InMemory[V any] struct {
	useCase string
	cache   *gocache.Cache
}

// NewInMemory builds a cache with the given default TTL and janitor
// interval. A cleanupInterval <= 0 disables the background janitor;
// expiry then only happens through DeleteExpired and explicit deletes.
func NewInMemory[V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemory[V] {
	return &InMemory[V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// Get retrieves a live entry.
func (c *InMemory[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V

	value, found := c.cache.Get(key)
	if !found {
		return zero, false
	}
	v, ok := value.(V)
	if !ok {
		log.Error(log.CatCache, "wrong type assertion when getting value", "useCase", c.useCase, "key", key)
		return zero, false
	}
	return v, true
}

// GetWithRefresh retrieves a live entry and extends its TTL.
func (c *InMemory[V]) GetWithRefresh(ctx context.Context, key string, ttl time.Duration) (V, bool) {
	value, found := c.Get(ctx, key)
	if !found {
		return value, false
	}
	c.Set(ctx, key, value, ttl)
	return value, true
}

// Set stores a value under the key with the given TTL.
func (c *InMemory[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	c.cache.Set(key, value, ttl)
}

// Delete removes entries by key, invoking the eviction hook for each
// entry that existed.
func (c *InMemory[V]) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		c.cache.Delete(key)
	}
	return nil
}

// Flush drops every entry without running the eviction hook.
func (c *InMemory[V]) Flush(ctx context.Context) error {
	c.cache.Flush()
	return nil
}

// DeleteExpired evicts every expired entry now, invoking the eviction
// hook for each. Lets a caller on a coarser schedule than the janitor
// force the sweep.
func (c *InMemory[V]) DeleteExpired() {
	c.cache.DeleteExpired()
}

// OnEvicted registers fn to run for every entry removed by expiry or
// Delete. Entries of the wrong type are logged and skipped.
func (c *InMemory[V]) OnEvicted(fn func(key string, value V)) {
	c.cache.OnEvicted(func(key string, raw any) {
		v, ok := raw.(V)
		if !ok {
			log.Error(log.CatCache, "wrong type assertion on evicted value", "useCase", c.useCase, "key", key)
			return
		}
		fn(key, v)
	})
}
