package domain

import (
	"context"
	"time"
)

// Cache stores serialized values and run reports per tenant. Community
// deployments use an in-process LRU; pro deployments use Redis, optionally
// behind a local LRU tier. Every method requires a tenantID.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetReport retrieves a cached run report.
	// Returns nil, nil if the run is not cached.
	GetReport(ctx context.Context, tenantID string, runID string) (*RunReport, error)

	// SetReport caches a run report.
	SetReport(ctx context.Context, tenantID string, rep *RunReport, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// ReportTTL is how long run reports stay cached
	ReportTTL time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase puts a local LRU tier, capped at LocalTTL, in front
	// of Redis
	EnableTwoPhase bool
}
