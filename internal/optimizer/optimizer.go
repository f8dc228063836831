// Package optimizer assigns each account the collection channel with the
// highest expected value.
//
// The pipeline for one account is strictly sequential:
//
//	validate -> eligibility -> exclusions -> costs -> expected values -> select
//
// Accounts are independent and are processed in parallel.
package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// EngineVersion is recorded in run metadata.
const EngineVersion = "kestrel-1.0"

var tracer = otel.Tracer("kestrel-optimizer")

// Optimizer runs the assignment pipeline against one catalog snapshot.
type Optimizer struct {
	catalog *catalog.Catalog
	screen  Screen
	workers int
	strict  bool
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithWorkers bounds the number of accounts processed concurrently.
func WithWorkers(n int) Option {
	return func(o *Optimizer) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithScreen installs exclusion rules applied after eligibility filtering.
func WithScreen(s Screen) Option {
	return func(o *Optimizer) {
		o.screen = s
	}
}

// WithStrictChannels rejects accounts that score channels missing from the catalog.
func WithStrictChannels(strict bool) Option {
	return func(o *Optimizer) {
		o.strict = strict
	}
}

// New creates an optimizer bound to cat. The catalog must not change while
// the optimizer is in use.
func New(cat *catalog.Catalog, opts ...Option) *Optimizer {
	o := &Optimizer{
		catalog: cat,
		workers: 8,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Catalog returns the snapshot the optimizer evaluates against.
func (o *Optimizer) Catalog() *catalog.Catalog {
	return o.catalog
}

// Process runs one account through every stage, updating it in place.
// Failures are returned as *domain.AccountError.
func (o *Optimizer) Process(ctx context.Context, acct *domain.Account) error {
	id := ""
	if acct != nil {
		id = acct.ID
	}
	if err := ValidateAccount(acct, o.catalog, o.strict); err != nil {
		return &domain.AccountError{AccountID: id, Stage: domain.StageValidate, Err: err}
	}

	FilterEligibility(o.catalog, acct)
	ApplyExclusions(ctx, o.catalog, o.screen, acct)

	if err := EnrichCosts(o.catalog, acct); err != nil {
		return &domain.AccountError{AccountID: id, Stage: domain.StageCosts, Err: err}
	}

	ComputeExpectedValues(acct)
	acct.Selection = SelectBest(acct)

	return nil
}

// Run processes a batch. Per-account failures are isolated and reported in
// Run.Failures; they never stop other accounts. Successful accounts keep
// their input order.
func (o *Optimizer) Run(ctx context.Context, tenantID string, accounts []*domain.Account) *domain.Run {
	return o.RunWithID(ctx, uuid.New().String(), tenantID, accounts)
}

// RunWithID is Run with a caller-chosen run ID.
func (o *Optimizer) RunWithID(ctx context.Context, runID, tenantID string, accounts []*domain.Account) *domain.Run {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "optimizer.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("tenant.id", tenantID),
			attribute.Int("accounts", len(accounts)),
			attribute.Int("catalog.channels", o.catalog.Len()),
		),
	)
	defer span.End()

	errs := make([]error, len(accounts))
	markDuplicates(accounts, errs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, acct := range accounts {
		if errs[i] != nil {
			continue
		}
		g.Go(func() error {
			errs[i] = o.Process(gctx, acct)
			return nil
		})
	}
	_ = g.Wait()

	run := &domain.Run{
		ID:        runID,
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
		Accounts:  make([]*domain.Account, 0, len(accounts)),
	}

	for i, acct := range accounts {
		if errs[i] != nil {
			failure := toFailure(errs[i])
			run.Failures = append(run.Failures, failure)
			slog.Warn("account failed",
				"run_id", runID,
				"account_id", failure.AccountID,
				"stage", failure.Stage,
				"error", failure.Reason,
			)
			continue
		}

		run.Accounts = append(run.Accounts, acct)
		switch acct.Selection.Outcome {
		case domain.OutcomeSelected:
			run.Metadata.Selected++
		case domain.OutcomeNoEligibleChannel:
			run.Metadata.NoEligible++
		}
	}

	run.Metadata.TraceID = span.SpanContext().TraceID().String()
	if !span.SpanContext().TraceID().IsValid() {
		run.Metadata.TraceID = ""
	}
	run.Metadata.CatalogChannels = o.catalog.Len()
	run.Metadata.AccountsReceived = len(accounts)
	run.Metadata.Failed = len(run.Failures)
	if o.screen != nil {
		run.Metadata.ExclusionRules = o.screen.Count()
	}
	run.Metadata.TotalMs = time.Since(start).Milliseconds()
	run.Metadata.EngineVersion = EngineVersion

	span.SetAttributes(
		attribute.Int("accounts.selected", run.Metadata.Selected),
		attribute.Int("accounts.no_eligible", run.Metadata.NoEligible),
		attribute.Int("accounts.failed", run.Metadata.Failed),
	)

	slog.Info("assignment run completed",
		"run_id", runID,
		"tenant_id", tenantID,
		"accounts", len(accounts),
		"selected", run.Metadata.Selected,
		"no_eligible", run.Metadata.NoEligible,
		"failed", run.Metadata.Failed,
		"duration_ms", run.Metadata.TotalMs,
	)

	return run
}

// markDuplicates fails every repeat of an account ID after its first occurrence.
func markDuplicates(accounts []*domain.Account, errs []error) {
	seen := make(map[string]struct{}, len(accounts))
	for i, acct := range accounts {
		if acct == nil || acct.ID == "" {
			continue
		}
		if _, dup := seen[acct.ID]; dup {
			errs[i] = &domain.AccountError{
				AccountID: acct.ID,
				Stage:     domain.StageValidate,
				Err:       fmt.Errorf("%w: duplicate account_id", domain.ErrSchema),
			}
			continue
		}
		seen[acct.ID] = struct{}{}
	}
}

func toFailure(err error) domain.AccountFailure {
	if ae, ok := err.(*domain.AccountError); ok {
		return ae.Failure()
	}
	return domain.AccountFailure{Reason: err.Error()}
}
