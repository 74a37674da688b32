// Package cachemanager provides small string-keyed TTL caches. The
// daemon uses them for the completed-workflow archival grace and for
// prompt-template lookups.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is the read/write surface of a TTL cache.
type CacheManager[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	GetWithRefresh(ctx context.Context, key string, ttl time.Duration) (V, bool)
	Set(ctx context.Context, key string, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...string) error
	Flush(ctx context.Context) error
}
