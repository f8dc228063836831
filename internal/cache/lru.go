// Package cache provides caching implementations for Kestrel.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var errTenantRequired = errors.New("tenantID is required")

var _ domain.Cache = (*LRUCache)(nil)

// LRUCache is a thread-safe, tenant-scoped LRU cache with TTL support.
// It is the community tier cache and the local tier of a TieredCache.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[entryKey]*list.Element
	order   *list.List // front is most recently used
	now     func() time.Time
}

type entryKey struct {
	tenantID string
	key      string
}

type cacheEntry struct {
	key       entryKey
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewLRUCache creates an LRU cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[entryKey]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the live value for key, or nil, nil on a miss.
func (c *LRUCache) Get(_ context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[entryKey{tenantID, key}]
	if !ok {
		return nil, nil
	}
	entry := elem.Value.(*cacheEntry)
	if c.expired(entry) {
		c.remove(elem)
		return nil, nil
	}

	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores value under key. A non-positive TTL never expires.
func (c *LRUCache) Set(_ context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return errTenantRequired
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := entryKey{tenantID, key}
	if elem, ok := c.items[k]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value, entry.expiresAt = value, expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[k] = c.order.PushFront(&cacheEntry{key: k, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
	}
	return nil
}

// Delete removes key; deleting a missing key is not an error.
func (c *LRUCache) Delete(_ context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return errTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[entryKey{tenantID, key}]; ok {
		c.remove(elem)
	}
	return nil
}

// GetReport retrieves a cached run report.
// Reports are immutable once stored, so the decoded copy is safe to share.
func (c *LRUCache) GetReport(ctx context.Context, tenantID string, runID string) (*domain.RunReport, error) {
	return getReport(ctx, c, tenantID, runID)
}

// SetReport caches a run report.
func (c *LRUCache) SetReport(ctx context.Context, tenantID string, rep *domain.RunReport, ttl time.Duration) error {
	return setReport(ctx, c, tenantID, rep, ttl)
}

// Ping always succeeds.
func (c *LRUCache) Ping(context.Context) error {
	return nil
}

// Close drops every entry. The cache stays usable.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[entryKey]*list.Element)
	c.order.Init()
	return nil
}

// Stats returns the entry count and capacity. Expired entries count until
// they are read or evicted.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.maxSize
}

func (c *LRUCache) expired(e *cacheEntry) bool {
	return !e.expiresAt.IsZero() && c.now().After(e.expiresAt)
}

func (c *LRUCache) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry).key)
}
