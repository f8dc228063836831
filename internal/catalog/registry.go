package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrNoCatalog is returned when a tenant has not loaded a catalog yet.
var ErrNoCatalog = errors.New("no catalog loaded")

// Registry holds the current catalog snapshot per tenant.
// Runs take a snapshot once and keep it even if the catalog is replaced.
type Registry struct {
	mu       sync.RWMutex
	repo     domain.Repository
	catalogs map[string]*Catalog
}

// NewRegistry creates a registry backed by repo. repo may be nil.
func NewRegistry(repo domain.Repository) *Registry {
	return &Registry{
		repo:     repo,
		catalogs: make(map[string]*Catalog),
	}
}

// Get returns the tenant's catalog, loading it from the repository on first use.
func (r *Registry) Get(ctx context.Context, tenantID string) (*Catalog, error) {
	r.mu.RLock()
	cat, ok := r.catalogs[tenantID]
	r.mu.RUnlock()
	if ok {
		return cat, nil
	}

	if r.repo == nil {
		return nil, ErrNoCatalog
	}

	rows, err := r.repo.ListChannels(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoCatalog
	}

	cat, err = New(rows)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.catalogs[tenantID]; ok {
		return existing, nil
	}
	r.catalogs[tenantID] = cat
	return cat, nil
}

// Replace validates rows, persists them and swaps in a new snapshot.
func (r *Registry) Replace(ctx context.Context, tenantID string, rows []domain.Channel) (*Catalog, error) {
	cat, err := New(rows)
	if err != nil {
		return nil, err
	}

	if r.repo != nil {
		if err := r.repo.ReplaceChannels(ctx, tenantID, cat.Channels()); err != nil {
			return nil, fmt.Errorf("failed to save catalog: %w", err)
		}
	}

	r.mu.Lock()
	r.catalogs[tenantID] = cat
	r.mu.Unlock()

	return cat, nil
}

// Set installs a snapshot without persisting it.
func (r *Registry) Set(tenantID string, cat *Catalog) {
	r.mu.Lock()
	r.catalogs[tenantID] = cat
	r.mu.Unlock()
}

// Invalidate drops a tenant's snapshot so the next Get reloads it.
func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.catalogs, tenantID)
	r.mu.Unlock()
}
