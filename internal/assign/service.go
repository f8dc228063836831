// Package assign runs assignment batches end to end: optimize, report,
// persist, cache and announce.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/optimizer"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// ErrRunNotFound is returned when a run is neither cached nor stored.
var ErrRunNotFound = errors.New("run not found")

// Service wires the optimizer to the tenant's catalog, exclusion rules and
// the storage, cache and bus backends. Any backend may be nil.
type Service struct {
	registry *catalog.Registry
	engine   *rules.Engine
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus

	workers   int
	strict    bool
	reportTTL time.Duration

	// tenants whose stored exclusion rules are loaded into engine
	rulesLoaded sync.Map
}

// Config holds the service's pipeline settings.
type Config struct {
	Workers        int
	StrictChannels bool
	ReportTTL      time.Duration
}

// NewService creates an assignment service.
func NewService(registry *catalog.Registry, engine *rules.Engine, repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, cfg Config) *Service {
	return &Service{
		registry:  registry,
		engine:    engine,
		repo:      repo,
		cache:     cache,
		bus:       eventBus,
		workers:   cfg.Workers,
		strict:    cfg.StrictChannels,
		reportTTL: cfg.ReportTTL,
	}
}

// Engine returns the exclusion engine, which may be nil.
func (s *Service) Engine() *rules.Engine {
	return s.engine
}

// Registry returns the catalog registry the service reads from.
func (s *Service) Registry() *catalog.Registry {
	return s.registry
}

// Run optimizes accounts against the tenant's current catalog and returns
// the stored report. An empty runID gets a fresh one.
func (s *Service) Run(ctx context.Context, tenantID, runID string, accounts []*domain.Account) (*domain.RunReport, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	if runID == "" {
		runID = uuid.New().String()
	}

	cat, err := s.registry.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	opts := []optimizer.Option{optimizer.WithStrictChannels(s.strict)}
	if s.workers > 0 {
		opts = append(opts, optimizer.WithWorkers(s.workers))
	}
	if s.engine != nil {
		if _, ok := s.rulesLoaded.Load(tenantID); !ok {
			if err := s.ReloadRules(ctx, tenantID); err != nil {
				return nil, err
			}
		}
		opts = append(opts, optimizer.WithScreen(s.engine.Screen(tenantID)))
	}

	run := optimizer.New(cat, opts...).RunWithID(ctx, runID, tenantID, accounts)
	rep := report.Build(run, cat)

	if s.repo != nil {
		if err := s.repo.SaveRunReport(ctx, tenantID, rep); err != nil {
			return nil, fmt.Errorf("failed to save run report: %w", err)
		}
	}

	if s.cache != nil {
		if err := s.cache.SetReport(ctx, tenantID, rep, s.reportTTL); err != nil {
			slog.Warn("failed to cache run report", "run_id", runID, "error", err)
		}
	}

	s.announce(ctx, rep)
	return rep, nil
}

// Report returns a stored run, reading through the cache.
func (s *Service) Report(ctx context.Context, tenantID, runID string) (*domain.RunReport, error) {
	if s.cache != nil {
		rep, err := s.cache.GetReport(ctx, tenantID, runID)
		if err != nil {
			slog.Warn("report cache read failed", "run_id", runID, "error", err)
		} else if rep != nil {
			return rep, nil
		}
	}

	if s.repo == nil {
		return nil, ErrRunNotFound
	}

	rep, err := s.repo.GetRunReport(ctx, tenantID, runID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetReport(ctx, tenantID, rep, s.reportTTL); err != nil {
			slog.Warn("failed to cache run report", "run_id", runID, "error", err)
		}
	}
	return rep, nil
}

// ReloadRules replaces the tenant's loaded exclusion rules with the stored
// ones. Without a repository the engine is left as is.
func (s *Service) ReloadRules(ctx context.Context, tenantID string) error {
	if s.engine == nil || s.repo == nil {
		return nil
	}

	stored, err := s.repo.ListExclusionRules(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load exclusion rules: %w", err)
	}
	if err := s.engine.ReloadTenantRules(tenantID, stored); err != nil {
		return fmt.Errorf("failed to compile exclusion rules: %w", err)
	}
	s.rulesLoaded.Store(tenantID, struct{}{})

	slog.Debug("exclusion rules loaded", "tenant_id", tenantID, "stored", len(stored))
	return nil
}

// Runs lists the tenant's most recent runs.
func (s *Service) Runs(ctx context.Context, tenantID string, limit int) ([]domain.RunInfo, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.ListRuns(ctx, tenantID, limit)
}

// announce publishes one event per failed account, then the completion.
func (s *Service) announce(ctx context.Context, rep *domain.RunReport) {
	if s.bus == nil {
		return
	}

	for _, f := range rep.Failures {
		event := domain.AccountFailed{RunID: rep.RunID, TenantID: rep.TenantID, Failure: f}
		if err := bus.PublishJSON(ctx, s.bus, rep.TenantID, domain.TopicAccountFailed, event); err != nil {
			slog.Error("failed to publish account failure",
				"run_id", rep.RunID,
				"account_id", f.AccountID,
				"error", err,
			)
		}
	}

	done := domain.AssignmentCompleted{
		RunID:    rep.RunID,
		TenantID: rep.TenantID,
		Summary:  rep.Summary,
		Metadata: rep.Metadata,
	}
	if err := bus.PublishJSON(ctx, s.bus, rep.TenantID, domain.TopicAssignmentCompleted, done); err != nil {
		slog.Error("failed to publish run completion", "run_id", rep.RunID, "error", err)
	}
}
