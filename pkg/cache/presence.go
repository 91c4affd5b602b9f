package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PresenceCache holds ephemeral state such as whether a connection is open
// on this instance. There is no source of truth to fall back on, so values
// are set and deleted explicitly.
type PresenceCache[K comparable, V any] interface {
	Set(ctx context.Context, key K, value V) error
	Fetch(ctx context.Context, key K) (V, error)
	Delete(ctx context.Context, key K) error
	io.Closer
}

// InMemoryPresenceCache is a map backed PresenceCache for single instance
// deployments and tests.
type InMemoryPresenceCache[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

// NewInMemoryPresenceCache creates a new in-memory presence cache.
func NewInMemoryPresenceCache[K comparable, V any]() *InMemoryPresenceCache[K, V] {
	return &InMemoryPresenceCache[K, V]{data: make(map[K]V)}
}

func (c *InMemoryPresenceCache[K, V]) Set(_ context.Context, key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *InMemoryPresenceCache[K, V]) Fetch(_ context.Context, key K) (V, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.data[key]
	if !ok {
		return value, fmt.Errorf("presence of '%v': %w", key, ErrCacheMiss)
	}
	return value, nil
}

func (c *InMemoryPresenceCache[K, V]) Delete(_ context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *InMemoryPresenceCache[K, V]) Close() error { return nil }

// RedisPresenceCache shares presence between instances through Redis.
type RedisPresenceCache[K comparable, V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	prefix      string
}

// NewRedisPresenceCache connects to Redis and pings it before returning.
func NewRedisPresenceCache[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisPresenceCache[K, V], error) {
	rdb, err := newRedisClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("presence cache: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for PresenceCache.")

	return &RedisPresenceCache[K, V]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisPresenceCache").Logger(),
		ttl:         cfg.CacheTTL,
		prefix:      cfg.KeyPrefix,
	}, nil
}

func (c *RedisPresenceCache[K, V]) key(key K) string {
	return c.prefix + fmt.Sprintf("%v", key)
}

// Set stores the JSON form of value with the configured TTL.
func (c *RedisPresenceCache[K, V]) Set(ctx context.Context, key K, value V) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal presence data for key %s: %w", c.key(key), err)
	}
	if err := c.redisClient.Set(ctx, c.key(key), jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence in redis for key %s: %w", c.key(key), err)
	}
	return nil
}

func (c *RedisPresenceCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var value V
	cachedData, err := c.redisClient.Get(ctx, c.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return value, fmt.Errorf("presence of '%v': %w", key, ErrCacheMiss)
		}
		return value, fmt.Errorf("redis get failed for key %s: %w", c.key(key), err)
	}
	if err := json.Unmarshal([]byte(cachedData), &value); err != nil {
		return value, fmt.Errorf("failed to unmarshal presence data for key %s: %w", c.key(key), err)
	}
	return value, nil
}

func (c *RedisPresenceCache[K, V]) Delete(ctx context.Context, key K) error {
	if err := c.redisClient.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", c.key(key), err)
	}
	return nil
}

func (c *RedisPresenceCache[K, V]) Close() error {
	if c.redisClient != nil {
		return c.redisClient.Close()
	}
	return nil
}

// FirestorePresenceCache stores presence documents in a Firestore collection.
type FirestorePresenceCache[K comparable, V any] struct {
	client     *firestore.Client
	collection string
}

// NewFirestorePresenceCache creates a new FirestorePresenceCache.
func NewFirestorePresenceCache[K comparable, V any](client *firestore.Client, collectionName string) (*FirestorePresenceCache[K, V], error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	return &FirestorePresenceCache[K, V]{client: client, collection: collectionName}, nil
}

func (c *FirestorePresenceCache[K, V]) Set(ctx context.Context, key K, value V) error {
	stringKey := fmt.Sprintf("%v", key)
	if _, err := c.client.Collection(c.collection).Doc(stringKey).Set(ctx, value); err != nil {
		return fmt.Errorf("failed to set presence in firestore for key %s: %w", stringKey, err)
	}
	return nil
}

func (c *FirestorePresenceCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var value V
	stringKey := fmt.Sprintf("%v", key)
	docSnap, err := c.client.Collection(c.collection).Doc(stringKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return value, fmt.Errorf("presence of '%v': %w", key, ErrCacheMiss)
		}
		return value, fmt.Errorf("firestore get failed for key %s: %w", stringKey, err)
	}
	if err := docSnap.DataTo(&value); err != nil {
		return value, fmt.Errorf("failed to unmarshal presence data for key %s: %w", stringKey, err)
	}
	return value, nil
}

// Delete removes the document; a missing document is not an error.
func (c *FirestorePresenceCache[K, V]) Delete(ctx context.Context, key K) error {
	stringKey := fmt.Sprintf("%v", key)
	if _, err := c.client.Collection(c.collection).Doc(stringKey).Delete(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("firestore delete failed for key %s: %w", stringKey, err)
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (c *FirestorePresenceCache[K, V]) Close() error { return nil }
