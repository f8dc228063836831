package rules

import (
	"context"
	"fmt"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testAccount() *domain.Account {
	acct := domain.NewAccount("acc-001", "X", 250.0)
	acct.Probabilities.Set("A", 0.4)
	acct.Probabilities.Set("B", 0.9)
	return acct
}

func testChannels() (*domain.Channel, *domain.Channel) {
	a := &domain.Channel{ID: "A", SettlementBank: "X", RoutingClass: domain.RoutingDomestic, CostOnFailure: 2}
	b := &domain.Channel{ID: "B", SettlementBank: "Y", RoutingClass: domain.RoutingInterbank, CostOnSuccess: 8, CostOnFailure: 8}
	return a, b
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	rule := &domain.ExclusionRule{
		ID:         "rule-001",
		Name:       "Expensive interbank",
		Expression: `routing_class == "INTERBANK" && cost_on_failure > 5.0`,
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}

	rule.Enabled = false
	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to unload rule: %v", err)
	}
	if engine.RulesCount() != 0 {
		t.Errorf("expected disabled rule to be removed, got %d rules", engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	tests := []struct {
		name string
		rule *domain.ExclusionRule
	}{
		{"syntax", &domain.ExclusionRule{ID: "bad", Expression: "this is not valid CEL !!!", Enabled: true}},
		{"non-bool", &domain.ExclusionRule{ID: "num", Expression: "owed_amount * 2.0", Enabled: true}},
		{"unknown variable", &domain.ExclusionRule{ID: "var", Expression: "balance > 1.0", Enabled: true}},
		{"missing id", &domain.ExclusionRule{Expression: "true", Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.LoadRule(tt.rule); err == nil {
				t.Error("expected error")
			}
			if err := engine.ValidateRule(tt.rule); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if engine.RulesCount() != 0 {
		t.Errorf("invalid rules must not load, got %d", engine.RulesCount())
	}
}

func TestScreenExcluded(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	engine.LoadRule(&domain.ExclusionRule{
		ID:         "no-costly-interbank",
		Expression: `routing_class == "INTERBANK" && cost_on_failure > 5.0`,
		Enabled:    true,
	})

	screen := engine.Screen("tenant-001")
	acct := testAccount()
	a, b := testChannels()
	ctx := context.Background()

	hit, err := screen.Excluded(ctx, acct, a, 0.4)
	if err != nil || hit {
		t.Errorf("expected channel A kept, got hit=%v err=%v", hit, err)
	}

	hit, err = screen.Excluded(ctx, acct, b, 0.9)
	if err != nil || !hit {
		t.Errorf("expected channel B excluded, got hit=%v err=%v", hit, err)
	}
}

func TestScreenAccountVariables(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	engine.LoadRule(&domain.ExclusionRule{
		ID:         "small-debts-home-only",
		Expression: `owed_amount < 500.0 && settlement_bank != home_bank && probability < 0.95`,
		Enabled:    true,
	})

	screen := engine.Screen("t1")
	acct := testAccount()
	a, b := testChannels()

	if hit, _ := screen.Excluded(context.Background(), acct, a, 0.4); hit {
		t.Error("home bank channel must be kept")
	}
	if hit, _ := screen.Excluded(context.Background(), acct, b, 0.9); !hit {
		t.Error("foreign channel must be excluded for small debts")
	}

	acct.OwedAmount = 1000
	if hit, _ := screen.Excluded(context.Background(), acct, b, 0.9); hit {
		t.Error("large debts keep foreign channels")
	}
}

func TestScreenTenantScoping(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	engine.LoadRules([]*domain.ExclusionRule{
		{ID: "global", Expression: `channel_id == "A"`, Enabled: true},
		{ID: "t1-only", TenantID: "t1", Expression: `channel_id == "B"`, Enabled: true},
		{ID: "t2-only", TenantID: "t2", Expression: `channel_id == "B"`, Enabled: true},
		{ID: "off", Expression: "true", Enabled: false},
	})

	if engine.RulesCount() != 3 {
		t.Fatalf("expected 3 rules, got %d", engine.RulesCount())
	}

	tests := []struct {
		tenant string
		count  int
	}{
		{"t1", 2},
		{"t2", 2},
		{"t3", 1},
	}

	for _, tt := range tests {
		if got := engine.Screen(tt.tenant).Count(); got != tt.count {
			t.Errorf("tenant %s: expected %d rules, got %d", tt.tenant, tt.count, got)
		}
	}
}

func TestScreenEvaluationErrorKeepsChannel(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	engine.LoadRule(&domain.ExclusionRule{
		ID:         "div-zero",
		Expression: "int(owed_amount) / 0 == 1",
		Enabled:    true,
	})

	a, _ := testChannels()
	hit, err := engine.Screen("t1").Excluded(context.Background(), testAccount(), a, 0.4)
	if hit {
		t.Error("evaluation error must not exclude")
	}
	if err == nil {
		t.Error("expected evaluation error")
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	for i := 0; i < 5; i++ {
		engine.LoadRule(&domain.ExclusionRule{
			ID:         fmt.Sprintf("rule-%d", i),
			Expression: "probability < 0.1",
			Enabled:    true,
		})
	}

	err := engine.ReloadRules([]*domain.ExclusionRule{
		{ID: "ok", Expression: "true", Enabled: true},
		{ID: "broken", Expression: "(((", Enabled: true},
	})
	if err == nil {
		t.Fatal("expected reload error")
	}
	if engine.RulesCount() != 5 {
		t.Errorf("failed reload must keep previous rules, got %d", engine.RulesCount())
	}

	if err := engine.ReloadRules([]*domain.ExclusionRule{{ID: "ok", Expression: "true", Enabled: true}}); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	loaded := engine.GetLoadedRules()
	if len(loaded) != 1 || loaded[0].ID != "ok" {
		t.Errorf("unexpected loaded rules: %+v", loaded)
	}
}

func TestScreenSnapshot(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	engine.LoadRule(&domain.ExclusionRule{ID: "r1", Expression: "true", Enabled: true})
	screen := engine.Screen("t1")

	engine.RemoveRule("", "r1")
	if screen.Count() != 1 {
		t.Errorf("screen must keep its snapshot, got %d rules", screen.Count())
	}
	if engine.Screen("t1").Count() != 0 {
		t.Error("new screen must see the removal")
	}
}

func TestReloadTenantRules(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	engine.LoadRules([]*domain.ExclusionRule{
		{ID: "shared-id", TenantID: "t1", Expression: "true", Enabled: true},
		{ID: "shared-id", TenantID: "t2", Expression: "true", Enabled: true},
		{ID: "global", Expression: "false", Enabled: true},
	})
	if engine.RulesCount() != 3 {
		t.Fatalf("same rule id in two tenants must load twice, got %d", engine.RulesCount())
	}

	err := engine.ReloadTenantRules("t1", []*domain.ExclusionRule{
		{ID: "a", Expression: "probability < 0.2", Enabled: true},
		{ID: "b", Expression: "probability < 0.3", Enabled: true},
		{ID: "c", Expression: "true", Enabled: false},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if got := engine.Screen("t1").Count(); got != 3 {
		t.Errorf("t1 expected 2 own rules plus global, got %d", got)
	}
	if got := engine.Screen("t2").Count(); got != 2 {
		t.Errorf("t2 rules must be untouched, got %d", got)
	}

	engine.RemoveRule("t2", "shared-id")
	if got := engine.Screen("t2").Count(); got != 1 {
		t.Errorf("expected only the global rule for t2, got %d", got)
	}
	if got := engine.Screen("t1").Count(); got != 3 {
		t.Errorf("removing t2's rule must not touch t1, got %d", got)
	}
}
