package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the cache the configuration asks for: an in-process LRU for
// "memory", Redis for "redis", or both tiered when two-phase is enabled.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}

		localTTL := cfg.LocalTTL
		if localTTL <= 0 {
			localTTL = 5 * time.Minute
		}
		return NewTieredCache(
			Tier{Name: "local", Store: NewLRUCache(cfg.LocalMaxSize), MaxTTL: localTTL},
			Tier{Name: "redis", Store: remote},
		), nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// Store is the raw byte surface of one cache tier.
type Store interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Tier is one level of a TieredCache. A positive MaxTTL caps how long
// entries live in this tier.
type Tier struct {
	Name   string
	Store  Store
	MaxTTL time.Duration
}

func (t Tier) ttl(requested time.Duration) time.Duration {
	if t.MaxTTL > 0 && (requested <= 0 || requested > t.MaxTTL) {
		return t.MaxTTL
	}
	return requested
}

// TieredCache reads through its tiers fastest first and backfills the
// faster tiers on a hit further down. Writes go to every tier.
type TieredCache struct {
	tiers []Tier
}

var _ domain.Cache = (*TieredCache)(nil)

// NewTieredCache creates a cache over tiers ordered fastest first.
func NewTieredCache(tiers ...Tier) *TieredCache {
	return &TieredCache{tiers: tiers}
}

// Get returns the first tier's hit, or nil, nil when every tier misses.
func (c *TieredCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	for i, t := range c.tiers {
		val, err := t.Store.Get(ctx, tenantID, key)
		if err != nil {
			return nil, fmt.Errorf("%s get: %w", t.Name, err)
		}
		if val == nil {
			continue
		}

		for _, upper := range c.tiers[:i] {
			_ = upper.Store.Set(ctx, tenantID, key, val, upper.ttl(0))
		}
		return val, nil
	}
	return nil, nil
}

// Set writes value to every tier, slowest last.
func (c *TieredCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	for _, t := range c.tiers {
		if err := t.Store.Set(ctx, tenantID, key, value, t.ttl(ttl)); err != nil {
			return fmt.Errorf("%s set: %w", t.Name, err)
		}
	}
	return nil
}

// Delete removes key from every tier, even when one of them fails.
func (c *TieredCache) Delete(ctx context.Context, tenantID string, key string) error {
	var errs []error
	for _, t := range c.tiers {
		if err := t.Store.Delete(ctx, tenantID, key); err != nil {
			errs = append(errs, fmt.Errorf("%s delete: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

// GetReport reads a run report through the tiers, decoding once.
func (c *TieredCache) GetReport(ctx context.Context, tenantID string, runID string) (*domain.RunReport, error) {
	return getReport(ctx, c, tenantID, runID)
}

// SetReport caches a run report in every tier.
func (c *TieredCache) SetReport(ctx context.Context, tenantID string, rep *domain.RunReport, ttl time.Duration) error {
	return setReport(ctx, c, tenantID, rep, ttl)
}

// Ping checks every tier.
func (c *TieredCache) Ping(ctx context.Context) error {
	for _, t := range c.tiers {
		if err := t.Store.Ping(ctx); err != nil {
			return fmt.Errorf("%s ping failed: %w", t.Name, err)
		}
	}
	return nil
}

// Close closes every tier.
func (c *TieredCache) Close() error {
	var errs []error
	for _, t := range c.tiers {
		if err := t.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns the fastest tier's size and capacity when it is an LRU.
func (c *TieredCache) Stats() (size int, capacity int) {
	if len(c.tiers) == 0 {
		return 0, 0
	}
	if lru, ok := c.tiers[0].Store.(*LRUCache); ok {
		return lru.Stats()
	}
	return 0, 0
}
