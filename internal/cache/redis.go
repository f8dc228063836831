package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// redisKeyPrefix namespaces Kestrel keys in a shared Redis.
const redisKeyPrefix = "kestrel"

var _ domain.Cache = (*RedisCache)(nil)

// RedisCache is the pro tier cache and the shared tier of a TieredCache.
// Keys are kestrel:{tenant}:{key}.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return NewRedisCacheWithClient(client), nil
}

// NewRedisCacheWithClient wraps an existing client without pinging it.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the value for key, or nil, nil when Redis has no such key.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	fullKey, err := redisKey(tenantID, key)
	if err != nil {
		return nil, err
	}

	val, err := c.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

// Set stores value with a TTL; zero keeps the key until deleted.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	fullKey, err := redisKey(tenantID, key)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Set(ctx, fullKey, value, ttl).Err()
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	fullKey, err := redisKey(tenantID, key)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, fullKey).Err()
}

// GetReport retrieves a cached run report.
func (c *RedisCache) GetReport(ctx context.Context, tenantID string, runID string) (*domain.RunReport, error) {
	return getReport(ctx, c, tenantID, runID)
}

// SetReport caches a run report.
func (c *RedisCache) SetReport(ctx context.Context, tenantID string, rep *domain.RunReport, ttl time.Duration) error {
	return setReport(ctx, c, tenantID, rep, ttl)
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func redisKey(tenantID, key string) (string, error) {
	if tenantID == "" {
		return "", errTenantRequired
	}
	return redisKeyPrefix + ":" + tenantID + ":" + key, nil
}
