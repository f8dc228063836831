package worker

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/assign"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestService(t *testing.T, eventBus domain.EventBus, tenants ...string) *assign.Service {
	t.Helper()

	cat, err := catalog.New([]domain.Channel{
		{ID: "A", SettlementBank: "X", RoutingClass: domain.RoutingInterbank},
		{ID: "B", SettlementBank: "Y", RoutingClass: domain.RoutingDomestic},
	})
	if err != nil {
		t.Fatalf("catalog.New failed: %v", err)
	}

	registry := catalog.NewRegistry(nil)
	for _, tenantID := range tenants {
		registry.Set(tenantID, cat)
	}
	return assign.NewService(registry, nil, nil, cache.NewLRUCache(100), eventBus, assign.Config{Workers: 2})
}

func testRequest(runID, tenantID string) *domain.AssignmentRequest {
	acct := domain.NewAccount("acc-1", "X", 100)
	acct.Probabilities.Set("A", 0.8)
	acct.Probabilities.Set("B", 0.9)
	return &domain.AssignmentRequest{
		RunID:    runID,
		TenantID: tenantID,
		Accounts: []*domain.Account{acct},
	}
}

func waitCompleted(t *testing.T, ch <-chan *domain.Message) *domain.AssignmentCompleted {
	t.Helper()
	select {
	case msg := <-ch:
		done, err := bus.Decode[domain.AssignmentCompleted](msg)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		return done
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, newTestService(t, eventBus, "tenant-001"))

		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicAssignmentRequested {
			t.Errorf("expected topic %s, got %s", domain.TopicAssignmentRequested, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = w.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessRequest", func(t *testing.T) {
		w := NewWorker(eventBus, newTestService(t, eventBus, "tenant-test"))
		tenants := []string{"tenant-test"}
		if err := w.Start(Config{TenantIDs: tenants}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		completed := make(chan *domain.Message, 1)
		sub, err := eventBus.Subscribe(context.Background(), "tenant-test", domain.TopicAssignmentCompleted, func(ctx context.Context, msg *domain.Message) error {
			completed <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		if err := Dispatch(context.Background(), eventBus, tenants, testRequest("run-001", "tenant-test")); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}

		done := waitCompleted(t, completed)
		if done.RunID != "run-001" {
			t.Errorf("expected run 'run-001', got '%s'", done.RunID)
		}
		if done.TenantID != "tenant-test" {
			t.Errorf("expected tenant 'tenant-test', got '%s'", done.TenantID)
		}
		if done.Summary.Selected != 1 {
			t.Errorf("expected 1 selected account, got %d", done.Summary.Selected)
		}
	})

	t.Run("GlobalWorker", func(t *testing.T) {
		w := NewWorker(eventBus, newTestService(t, eventBus, "tenant-global"))
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		completed := make(chan *domain.Message, 1)
		sub, _ := eventBus.Subscribe(context.Background(), "tenant-global", domain.TopicAssignmentCompleted, func(ctx context.Context, msg *domain.Message) error {
			completed <- msg
			return nil
		})
		defer sub.Unsubscribe()

		if err := Dispatch(context.Background(), eventBus, nil, testRequest("run-global", "tenant-global")); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}

		done := waitCompleted(t, completed)
		if done.TenantID != "tenant-global" {
			t.Errorf("expected payload tenant to win, got '%s'", done.TenantID)
		}
	})

	t.Run("UnknownTenantCountsFailure", func(t *testing.T) {
		w := NewWorker(eventBus, newTestService(t, eventBus))
		if err := w.Start(Config{TenantIDs: []string{"tenant-empty"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		if err := eventBus.Publish(context.Background(), "tenant-empty", domain.TopicAssignmentRequested, []byte("{bad")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if err := Dispatch(context.Background(), eventBus, []string{"tenant-empty"}, testRequest("run-x", "tenant-empty")); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}

		deadline := time.Now().Add(2 * time.Second)
		for w.GetStats().Failed < 2 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if got := w.GetStats().Failed; got != 2 {
			t.Errorf("expected 2 failed requests, got %d", got)
		}
		if got := w.GetStats().Processed; got != 0 {
			t.Errorf("expected 0 processed requests, got %d", got)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, newTestService(t, eventBus))
		if err := w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}

func TestDispatchTarget(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	got := make(chan string, 2)
	for _, tenantID := range []string{GlobalTenant, "tenant-1"} {
		tenantID := tenantID
		_, err := eventBus.Subscribe(context.Background(), tenantID, domain.TopicAssignmentRequested, func(ctx context.Context, msg *domain.Message) error {
			got <- tenantID
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	req := testRequest("run-1", "tenant-1")
	if err := Dispatch(context.Background(), eventBus, nil, req); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if err := Dispatch(context.Background(), eventBus, []string{"tenant-1"}, req); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case tenantID := <-got:
			seen[tenantID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}
	if !seen[GlobalTenant] || !seen["tenant-1"] {
		t.Errorf("expected delivery on both bus tenants, got %v", seen)
	}
}
