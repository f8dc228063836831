package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/assign"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (default)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd)
	},
}

func runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"workers", cfg.Optimizer.Workers,
		"strict_channels", cfg.Optimizer.StrictChannels,
	)

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := rules.NewEngine()
	if err != nil {
		return fmt.Errorf("initialize exclusion engine: %w", err)
	}
	defer engine.Close()

	registry := catalog.NewRegistry(repo)
	svc := assign.NewService(registry, engine, repo, cacheImpl, busImpl, assign.Config{
		Workers:        cfg.Optimizer.Workers,
		StrictChannels: cfg.Optimizer.StrictChannels,
		ReportTTL:      cfg.Cache.ReportTTL,
	})

	// Known tenants are warmed up front; others load on their first run
	for _, tenantID := range cfg.Optimizer.Tenants {
		if err := svc.ReloadRules(ctx, tenantID); err != nil {
			slog.Warn("failed to load exclusion rules", "tenant_id", tenantID, "error", err)
		}
		if _, err := registry.Get(ctx, tenantID); err != nil && !errors.Is(err, catalog.ErrNoCatalog) {
			slog.Warn("failed to load catalog", "tenant_id", tenantID, "error", err)
		}
	}
	slog.Info("exclusion engine initialized", "rules_count", engine.RulesCount())

	subs := watchUpdates(ctx, busImpl, svc, cfg.Optimizer.Tenants)
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	var asyncWorker *worker.Worker
	if cfg.Optimizer.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Optimizer.Tenants}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Service:      svc,
		Repo:         repo,
		Cache:        cacheImpl,
		Bus:          busImpl,
		AsyncTenants: cfg.Optimizer.Tenants,
		Version:      Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cmd, cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		return err
	}

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

// watchUpdates keeps this replica's catalog snapshots and exclusion rules
// in step with changes made through other replicas.
func watchUpdates(ctx context.Context, b domain.EventBus, svc *assign.Service, tenants []string) []domain.Subscription {
	var subs []domain.Subscription

	for _, tenantID := range tenants {
		sub, err := b.Subscribe(ctx, tenantID, domain.TopicCatalogUpdated, func(ctx context.Context, msg *domain.Message) error {
			svc.Registry().Invalidate(tenantID)
			return nil
		})
		if err != nil {
			slog.Warn("failed to watch catalog updates", "tenant_id", tenantID, "error", err)
		} else {
			subs = append(subs, sub)
		}

		sub, err = b.Subscribe(ctx, tenantID, domain.TopicExclusionsUpdated, func(ctx context.Context, msg *domain.Message) error {
			return svc.ReloadRules(ctx, tenantID)
		})
		if err != nil {
			slog.Warn("failed to watch exclusion updates", "tenant_id", tenantID, "error", err)
		} else {
			subs = append(subs, sub)
		}
	}
	return subs
}

func printBanner(cmd *cobra.Command, cfg *domain.Config, version string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  KESTREL - collection channel assignment")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Version:  %s\n", version)
	fmt.Fprintf(out, "  Tier:     %s\n", cfg.Tier)
	fmt.Fprintf(out, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Endpoints:")
	fmt.Fprintln(out, "    PUT  /catalog             - Replace the channel catalog")
	fmt.Fprintln(out, "    POST /catalog/import      - Import the catalog from CSV")
	fmt.Fprintln(out, "    POST /assignments         - Assign channels to an account batch")
	fmt.Fprintln(out, "    POST /assignments/async   - Queue a batch for the workers")
	fmt.Fprintln(out, "    GET  /runs/{id}           - Get a run report (?bank=)")
	fmt.Fprintln(out, "    GET  /runs/{id}/summary   - Get a run summary")
	fmt.Fprintln(out, "    GET  /exclusions          - List exclusion rules")
	fmt.Fprintln(out, "    POST /exclusions          - Create an exclusion rule")
	fmt.Fprintln(out, "    POST /exclusions/reload   - Hot-reload exclusion rules")
	fmt.Fprintln(out, "    GET  /health              - Health check")
	fmt.Fprintln(out)
}
