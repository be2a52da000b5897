// Package cache mirrors watch state in redis. The store stays the system
// of record; cache entries are refreshed after every successful write.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jidegrand/travelcart/internal/config"
	"github.com/jidegrand/travelcart/internal/storage"
)

// WatchCache is the cache contract used by the orchestrator and readers.
type WatchCache interface {
	GetWatch(ctx context.Context, id string) (*storage.Watch, error)
	SetWatch(ctx context.Context, watch storage.Watch) error
	DeleteWatch(ctx context.Context, id string) error
}

// RedisCache stores JSON-encoded watches under cache:watch:<id>.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache builds a cache from config.
func NewRedisCache(cfg config.CacheConfig) *RedisCache {
	return NewRedisCacheWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.TTL)
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// GetWatch returns nil without error on a miss.
func (c *RedisCache) GetWatch(ctx context.Context, id string) (*storage.Watch, error) {
	data, err := c.client.Get(ctx, watchKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", watchKey(id), err)
	}

	var watch storage.Watch
	if err := json.Unmarshal(data, &watch); err != nil {
		return nil, fmt.Errorf("decode cached watch: %w", err)
	}
	return &watch, nil
}

func (c *RedisCache) SetWatch(ctx context.Context, watch storage.Watch) error {
	payload, err := json.Marshal(watch)
	if err != nil {
		return fmt.Errorf("encode watch: %w", err)
	}
	return c.client.Set(ctx, watchKey(watch.ID), payload, c.ttl).Err()
}

func (c *RedisCache) DeleteWatch(ctx context.Context, id string) error {
	return c.client.Del(ctx, watchKey(id)).Err()
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func watchKey(id string) string {
	return "cache:watch:" + id
}

// WatchGetter is the store side of a read-through lookup.
type WatchGetter interface {
	GetWatch(ctx context.Context, id string) (storage.Watch, error)
}

// ReadThrough serves watches from the cache and falls back to the store,
// repopulating the cache on a miss. Cache failures degrade to the store.
type ReadThrough struct {
	cache  WatchCache
	store  WatchGetter
	logger zerolog.Logger
}

// NewReadThrough wires a cache in front of store. A nil cache reads the store directly.
func NewReadThrough(cache WatchCache, store WatchGetter, logger zerolog.Logger) *ReadThrough {
	return &ReadThrough{cache: cache, store: store, logger: logger.With().Str("component", "watch_cache").Logger()}
}

// GetWatch returns the watch with id.
func (r *ReadThrough) GetWatch(ctx context.Context, id string) (storage.Watch, error) {
	if r.cache != nil {
		cached, err := r.cache.GetWatch(ctx, id)
		if err != nil {
			r.logger.Warn().Err(err).Str("watch_id", id).Msg("cache read failed")
		} else if cached != nil {
			return *cached, nil
		}
	}

	watch, err := r.store.GetWatch(ctx, id)
	if err != nil {
		return storage.Watch{}, err
	}
	if r.cache != nil {
		if err := r.cache.SetWatch(ctx, watch); err != nil {
			r.logger.Warn().Err(err).Str("watch_id", id).Msg("cache fill failed")
		}
	}
	return watch, nil
}

var _ WatchCache = (*RedisCache)(nil)
