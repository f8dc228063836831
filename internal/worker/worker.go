// Package worker provides async assignment processing for the Pro tier.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/assign"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// GlobalTenant is the bus tenant key used when no tenant list is configured.
	GlobalTenant = "_global"

	// DefaultQueue is the queue group shared by worker replicas.
	DefaultQueue = "kestrel-workers"
)

// Worker consumes assignment requests from the EventBus and runs them.
type Worker struct {
	bus     domain.EventBus
	service *assign.Service

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global)
	TenantIDs []string

	// Queue is the queue group name; replicas sharing it split the load
	Queue string
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, service *assign.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     eventBus,
		service: service,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing requests for the given tenants.
func (w *Worker) Start(cfg Config) error {
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultQueue
	}

	if len(cfg.TenantIDs) == 0 {
		if err := w.subscribe(GlobalTenant, queue); err != nil {
			return err
		}
		slog.Info("global worker started", "queue", queue)
		return nil
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribe(tenantID, queue); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
		"queue", queue,
	)
	return nil
}

func (w *Worker) subscribe(tenantID, queue string) error {
	sub, err := bus.SubscribeShared(w.ctx, w.bus, tenantID, domain.TopicAssignmentRequested, queue, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Debug("worker subscribed",
		"tenant_id", tenantID,
		"topic", domain.TopicAssignmentRequested,
	)
	return nil
}

// handleMessage runs one assignment request. The payload's tenant wins
// over the bus tenant, which is GlobalTenant for global workers.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	req, err := bus.Decode[domain.AssignmentRequest](msg)
	if err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse assignment request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	tenantID := req.TenantID
	if tenantID == "" && msg.TenantID != GlobalTenant {
		tenantID = msg.TenantID
	}
	if tenantID == "" {
		w.failed.Add(1)
		return fmt.Errorf("assignment request %s has no tenant", msg.ID)
	}

	slog.Debug("processing assignment request",
		"run_id", req.RunID,
		"tenant_id", tenantID,
		"trace_id", req.TraceID,
		"accounts", len(req.Accounts),
	)

	rep, err := w.service.Run(ctx, tenantID, req.RunID, req.Accounts)
	if err != nil {
		w.failed.Add(1)
		slog.Error("assignment run failed",
			"run_id", req.RunID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	w.processed.Add(1)
	slog.Info("assignment request processed",
		"run_id", rep.RunID,
		"tenant_id", tenantID,
		"selected", rep.Summary.Selected,
		"failed", rep.Summary.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}

// Dispatch publishes req where workers started with the same tenant list
// pick it up: on GlobalTenant when the list is empty, otherwise on the
// request's own tenant.
func Dispatch(ctx context.Context, eventBus domain.EventBus, tenants []string, req *domain.AssignmentRequest) error {
	target := req.TenantID
	if len(tenants) == 0 {
		target = GlobalTenant
	}
	return bus.PublishJSON(ctx, eventBus, target, domain.TopicAssignmentRequested, req)
}
