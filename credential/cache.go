// Package credential resolves client credentials for bearer authentication
// through a cache-aside layer in front of the primary store.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/keygate/keygate/cfg"
	"github.com/redis/go-redis/v9"
)

// Cache is a TTL key-value cache. Get reports false on a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// NewCache creates the configured cache backend
func NewCache(config cfg.CacheConfiguration) (Cache, error) {
	switch config.Backend {
	case "redis":
		return NewRedisCache(redis.NewClient(&redis.Options{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
		})), nil
	case "memory":
		return NewMemoryCache(config.MemorySize, time.Duration(config.TTLSeconds)*time.Second), nil
	}
	return nil, fmt.Errorf("unknown cache backend: %s", config.Backend)
}

// RedisCache stores entries in Redis with per-key expiry
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache wraps a Redis client. The cache owns the client.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

// MemoryCache is an in-process LRU whose entries expire after a fixed TTL.
// The ttl passed to Set is ignored in favour of the construction TTL.
type MemoryCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemoryCache creates a cache of at most size entries
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, ok := m.lru.Get(key)
	return val, ok, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.lru.Add(key, value)
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

func (m *MemoryCache) Close() error {
	m.lru.Purge()
	return nil
}
