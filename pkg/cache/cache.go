// Package cache provides the generic caches used for thing snapshots and
// connection presence.
package cache

import (
	"context"
	"errors"
	"io"
)

// ErrCacheMiss is returned when a key is not cached and no fallback is configured.
var ErrCacheMiss = errors.New("cache miss")

// Fetcher is a read-only source of values, either a cache layer or a source of truth.
type Fetcher[K comparable, V any] interface {
	Fetch(ctx context.Context, key K) (V, error)
	io.Closer
}

// Cache is a Fetcher that can be written to and invalidated. Caches can be
// chained: each layer falls back to the next Fetcher on a miss.
type Cache[K comparable, V any] interface {
	Fetcher[K, V]
	// WriteToCache adds an item to the cache.
	WriteToCache(ctx context.Context, key K, value V) error
	// Invalidate removes an item. It does not cascade to the fallback.
	Invalidate(ctx context.Context, key K) error
}

// fetchFallback resolves a miss through the fallback, or reports ErrCacheMiss.
func fetchFallback[K comparable, V any](ctx context.Context, fallback Fetcher[K, V], key K) (V, error) {
	if fallback == nil {
		var zero V
		return zero, ErrCacheMiss
	}
	return fallback.Fetch(ctx, key)
}
