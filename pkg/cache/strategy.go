package cache

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Strategy selects a Cache implementation.
type Strategy string

const (
	StrategyNone   Strategy = "none"
	StrategyMemory Strategy = "memory"
	StrategyLRU    Strategy = "lru"
	StrategyRedis  Strategy = "redis"
)

// Config configures a cache built by New.
type Config struct {
	Strategy   Strategy    `yaml:"strategy"`
	MaxEntries int         `yaml:"max_entries"`
	Redis      RedisConfig `yaml:"redis"`
}

// New builds the cache selected by cfg.Strategy on top of fallback, which may be nil.
// An empty strategy disables caching.
func New[K comparable, V any](ctx context.Context, cfg Config, logger zerolog.Logger, fallback Fetcher[K, V]) (Cache[K, V], error) {
	switch cfg.Strategy {
	case StrategyNone, "":
		return NewNoopCache[K, V](fallback), nil
	case StrategyMemory:
		return NewInMemoryCache[K, V](fallback), nil
	case StrategyLRU:
		maxEntries := cfg.MaxEntries
		if maxEntries == 0 {
			maxEntries = 10000
		}
		c, err := NewInMemoryLRUCache[K, V](maxEntries, fallback)
		if err != nil {
			return nil, err
		}
		return c, nil
	case StrategyRedis:
		c, err := NewRedisCache[K, V](ctx, &cfg.Redis, logger, fallback)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown cache strategy '%s'", cfg.Strategy)
}
