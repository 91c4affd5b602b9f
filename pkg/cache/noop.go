package cache

import "context"

// NoopCache never stores anything; every Fetch goes to the fallback. It is
// used when caching is disabled so callers need no nil checks.
type NoopCache[K comparable, V any] struct {
	fallback Fetcher[K, V]
}

// NewNoopCache creates a cache that always misses. fallback may be nil.
func NewNoopCache[K comparable, V any](fallback Fetcher[K, V]) *NoopCache[K, V] {
	return &NoopCache[K, V]{fallback: fallback}
}

func (c *NoopCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	return fetchFallback(ctx, c.fallback, key)
}

func (c *NoopCache[K, V]) WriteToCache(context.Context, K, V) error { return nil }

func (c *NoopCache[K, V]) Invalidate(context.Context, K) error { return nil }

func (c *NoopCache[K, V]) Close() error { return nil }
