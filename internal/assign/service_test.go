package assign

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var testChannels = []domain.Channel{
	{ID: "A", DisplayName: "Alpha", SettlementBank: "X", RoutingClass: domain.RoutingInterbank},
	{ID: "B", DisplayName: "Beta", SettlementBank: "Y", RoutingClass: domain.RoutingDomestic, CostOnSuccess: 5, CostOnFailure: 5},
}

type fixture struct {
	svc    *Service
	repo   domain.Repository
	cache  *cache.LRUCache
	bus    *bus.ChannelBus
	engine *rules.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "assign-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	registry := catalog.NewRegistry(repo)
	_, err = registry.Replace(ctx, "tenant-1", testChannels)
	require.NoError(t, err)

	engine, err := rules.NewEngine()
	require.NoError(t, err)

	lru := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	svc := NewService(registry, engine, repo, lru, eventBus, Config{Workers: 2, ReportTTL: time.Minute})
	return &fixture{svc: svc, repo: repo, cache: lru, bus: eventBus, engine: engine}
}

func newAccount(id, bank string, owed float64, probs map[string]float64, order ...string) *domain.Account {
	acct := domain.NewAccount(id, bank, owed)
	for _, ch := range order {
		acct.Probabilities.Set(ch, probs[ch])
	}
	return acct
}

func TestServiceRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	completed := make(chan *domain.Message, 1)
	failed := make(chan *domain.Message, 4)
	_, err := f.bus.Subscribe(ctx, "tenant-1", domain.TopicAssignmentCompleted, func(_ context.Context, msg *domain.Message) error {
		completed <- msg
		return nil
	})
	require.NoError(t, err)
	_, err = f.bus.Subscribe(ctx, "tenant-1", domain.TopicAccountFailed, func(_ context.Context, msg *domain.Message) error {
		failed <- msg
		return nil
	})
	require.NoError(t, err)

	accounts := []*domain.Account{
		newAccount("acc-1", "X", 100, map[string]float64{"A": 0.8, "B": 0.9}, "A", "B"),
		newAccount("acc-2", "X", -1, map[string]float64{"A": 0.5}, "A"),
	}

	rep, err := f.svc.Run(ctx, "tenant-1", "run-1", accounts)
	require.NoError(t, err)

	assert.Equal(t, "run-1", rep.RunID)
	require.Len(t, rep.Accounts, 1)
	assert.Equal(t, "A", rep.Accounts[0].SelectedChannel)
	assert.Equal(t, "Alpha", rep.Accounts[0].DisplayName)
	assert.InDelta(t, 80, rep.Accounts[0].ExpectedValue, 1e-9)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, "acc-2", rep.Failures[0].AccountID)

	stored, err := f.repo.GetRunReport(ctx, "tenant-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, rep.Accounts, stored.Accounts)

	cached, err := f.cache.GetReport(ctx, "tenant-1", "run-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "run-1", cached.RunID)

	select {
	case msg := <-completed:
		done, err := bus.Decode[domain.AssignmentCompleted](msg)
		require.NoError(t, err)
		assert.Equal(t, "run-1", done.RunID)
		assert.Equal(t, 1, done.Summary.Selected)
		assert.Equal(t, 1, done.Summary.Failed)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}

	select {
	case msg := <-failed:
		event, err := bus.Decode[domain.AccountFailed](msg)
		require.NoError(t, err)
		assert.Equal(t, "acc-2", event.Failure.AccountID)
		assert.Equal(t, domain.StageValidate, event.Failure.Stage)
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
}

func TestServiceRunAppliesExclusions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repo.SaveExclusionRule(ctx, "tenant-1", &domain.ExclusionRule{
		ID:         "no-alpha",
		Name:       "No alpha",
		Expression: `channel_id == "A"`,
		Enabled:    true,
	}))

	acct := newAccount("acc-1", "Y", 100, map[string]float64{"A": 0.8, "B": 0.5}, "A", "B")
	rep, err := f.svc.Run(ctx, "tenant-1", "", []*domain.Account{acct})
	require.NoError(t, err)

	assert.NotEmpty(t, rep.RunID)
	require.Len(t, rep.Accounts, 1)
	assert.Equal(t, "B", rep.Accounts[0].SelectedChannel)
	assert.Equal(t, 1, rep.Metadata.ExclusionRules)
}

func TestServiceRunWithoutCatalog(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Run(context.Background(), "tenant-2", "", nil)
	assert.ErrorIs(t, err, catalog.ErrNoCatalog)

	_, err = f.svc.Run(context.Background(), "", "", nil)
	assert.Error(t, err)
}

func TestServiceReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct := newAccount("acc-1", "X", 100, map[string]float64{"A": 0.8}, "A")
	_, err := f.svc.Run(ctx, "tenant-1", "run-1", []*domain.Account{acct})
	require.NoError(t, err)

	t.Run("cached", func(t *testing.T) {
		rep, err := f.svc.Report(ctx, "tenant-1", "run-1")
		require.NoError(t, err)
		assert.Equal(t, "run-1", rep.RunID)
	})

	t.Run("read through after eviction", func(t *testing.T) {
		require.NoError(t, f.cache.Delete(ctx, "tenant-1", "run:run-1"))

		rep, err := f.svc.Report(ctx, "tenant-1", "run-1")
		require.NoError(t, err)
		assert.Len(t, rep.Accounts, 1)

		cached, err := f.cache.GetReport(ctx, "tenant-1", "run-1")
		require.NoError(t, err)
		assert.NotNil(t, cached)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := f.svc.Report(ctx, "tenant-1", "nope")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("other tenant", func(t *testing.T) {
		_, err := f.svc.Report(ctx, "tenant-2", "run-1")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("listing", func(t *testing.T) {
		runs, err := f.svc.Runs(ctx, "tenant-1", 10)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "run-1", runs[0].RunID)
	})
}

func TestServiceWithoutBackends(t *testing.T) {
	registry := catalog.NewRegistry(nil)
	cat, err := catalog.New(testChannels)
	require.NoError(t, err)
	registry.Set("tenant-1", cat)

	svc := NewService(registry, nil, nil, nil, nil, Config{})
	acct := newAccount("acc-1", "X", 50, map[string]float64{"A": 0.5}, "A")

	rep, err := svc.Run(context.Background(), "tenant-1", "run-1", []*domain.Account{acct})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Summary.Selected)

	_, err = svc.Report(context.Background(), "tenant-1", "run-1")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestServiceReloadRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rule := &domain.ExclusionRule{ID: "r1", Name: "r1", Expression: "true", Enabled: true}
	require.NoError(t, f.repo.SaveExclusionRule(ctx, "tenant-1", rule))
	require.NoError(t, f.svc.ReloadRules(ctx, "tenant-1"))
	assert.Equal(t, 1, f.engine.Screen("tenant-1").Count())
	assert.Equal(t, 0, f.engine.Screen("tenant-2").Count())

	require.NoError(t, f.repo.DeleteExclusionRule(ctx, "tenant-1", "r1"))
	require.NoError(t, f.svc.ReloadRules(ctx, "tenant-1"))
	assert.Equal(t, 0, f.engine.Screen("tenant-1").Count())
}
