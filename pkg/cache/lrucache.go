package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

type lruCacheItem[K comparable, V any] struct {
	key   K
	value V
}

// InMemoryLRUCache is a size-limited, thread-safe cache with a least
// recently used eviction policy.
type InMemoryLRUCache[K comparable, V any] struct {
	maxSize  int
	fallback Fetcher[K, V]

	mu    sync.Mutex
	ll    *list.List // front is the most recently used item
	cache map[K]*list.Element
}

// NewInMemoryLRUCache creates an LRU cache holding at most maxSize items.
// fallback may be nil.
func NewInMemoryLRUCache[K comparable, V any](maxSize int, fallback Fetcher[K, V]) (*InMemoryLRUCache[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &InMemoryLRUCache[K, V]{
		maxSize:  maxSize,
		fallback: fallback,
		ll:       list.New(),
		cache:    make(map[K]*list.Element),
	}, nil
}

// Fetch returns the cached value and marks it as recently used. On a miss
// the fallback populates the cache, possibly evicting the oldest item.
func (c *InMemoryLRUCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	c.mu.Lock()
	if elem, ok := c.cache[key]; ok {
		c.ll.MoveToFront(elem)
		c.mu.Unlock()
		return elem.Value.(*lruCacheItem[K, V]).value, nil
	}
	c.mu.Unlock()

	value, err := fetchFallback(ctx, c.fallback, key)
	if err != nil {
		return value, err
	}
	_ = c.WriteToCache(ctx, key, value)
	return value, nil
}

// WriteToCache adds or replaces an item and marks it as recently used.
func (c *InMemoryLRUCache[K, V]) WriteToCache(_ context.Context, key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		elem.Value.(*lruCacheItem[K, V]).value = value
		c.ll.MoveToFront(elem)
		return nil
	}
	c.cache[key] = c.ll.PushFront(&lruCacheItem[K, V]{key: key, value: value})
	if c.ll.Len() > c.maxSize {
		c.evict()
	}
	return nil
}

// Invalidate removes an item.
func (c *InMemoryLRUCache[K, V]) Invalidate(_ context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.cache[key]; ok {
		c.ll.Remove(elem)
		delete(c.cache, key)
	}
	return nil
}

// evict must be called with the lock held.
func (c *InMemoryLRUCache[K, V]) evict() {
	oldest := c.ll.Back()
	if oldest != nil {
		item := c.ll.Remove(oldest).(*lruCacheItem[K, V])
		delete(c.cache, item.key)
	}
}

// Close is a no-op for the in-memory cache.
func (c *InMemoryLRUCache[K, V]) Close() error {
	return nil
}
