// Package rules provides the CEL-Go based channel exclusion engine.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/optimizer"
)

// Engine compiles and evaluates exclusion rules for all tenants.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.ExclusionRule
	Program cel.Program
}

// NewEngine creates a new exclusion engine.
func NewEngine() (*Engine, error) {
	// One variable per (account, channel) attribute
	env, err := cel.NewEnv(
		cel.Variable("account_id", cel.StringType),
		cel.Variable("home_bank", cel.StringType),
		cel.Variable("owed_amount", cel.DoubleType),
		cel.Variable("channel_id", cel.StringType),
		cel.Variable("settlement_bank", cel.StringType),
		cel.Variable("routing_class", cel.StringType),
		cel.Variable("probability", cel.DoubleType),
		cel.Variable("cost_on_success", cel.DoubleType),
		cel.Variable("cost_on_failure", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.ExclusionRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads a rule. Disabled rules are removed instead.
func (e *Engine) LoadRule(rule *domain.ExclusionRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !rule.Enabled {
		delete(e.compiledRules, ruleKey(rule.TenantID, rule.ID))
		return nil
	}

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}
	e.compiledRules[ruleKey(rule.TenantID, rule.ID)] = compiled
	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(rules []*domain.ExclusionRule) error {
	for _, rule := range rules {
		if err := e.LoadRule(rule); err != nil {
			return err
		}
	}
	return nil
}

// RemoveRule unloads a tenant's rule.
func (e *Engine) RemoveRule(tenantID, id string) {
	e.mu.Lock()
	delete(e.compiledRules, ruleKey(tenantID, id))
	e.mu.Unlock()
}

// ReloadRules replaces every loaded rule atomically.
// On a compile error the previous rule set is kept.
func (e *Engine) ReloadRules(rules []*domain.ExclusionRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		newRules[ruleKey(rule.TenantID, rule.ID)] = compiled
	}

	e.compiledRules = newRules
	return nil
}

// ReloadTenantRules replaces the rules of one tenant and leaves other
// tenants untouched. rules are assigned to tenantID.
func (e *Engine) ReloadTenantRules(tenantID string, rules []*domain.ExclusionRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule, len(e.compiledRules))
	for key, compiled := range e.compiledRules {
		if compiled.Rule.TenantID != tenantID {
			newRules[key] = compiled
		}
	}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		rule.TenantID = tenantID
		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		newRules[ruleKey(tenantID, rule.ID)] = compiled
	}

	e.compiledRules = newRules
	return nil
}

// RulesCount returns the number of loaded rules across tenants.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the loaded rules ordered by tenant and ID.
func (e *Engine) GetLoadedRules() []*domain.ExclusionRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.ExclusionRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Rule)
	}
	sort.Slice(rules, func(i, j int) bool {
		return ruleKey(rules[i].TenantID, rules[i].ID) < ruleKey(rules[j].TenantID, rules[j].ID)
	})
	return rules
}

// Screen returns a snapshot of the rules applying to tenantID.
// Rules with an empty TenantID apply to every tenant.
func (e *Engine) Screen(tenantID string) *Screen {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := &Screen{tenantID: tenantID}
	for _, compiled := range e.compiledRules {
		if compiled.Rule.TenantID == "" || compiled.Rule.TenantID == tenantID {
			s.rules = append(s.rules, compiled)
		}
	}
	sort.Slice(s.rules, func(i, j int) bool { return s.rules[i].Rule.ID < s.rules[j].Rule.ID })
	return s
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func ruleKey(tenantID, id string) string {
	return tenantID + "/" + id
}

func (e *Engine) compileRule(rule *domain.ExclusionRule) (*CompiledRule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{
		Rule:    rule,
		Program: program,
	}, nil
}

// Screen is a tenant's immutable rule set, safe for concurrent use.
type Screen struct {
	tenantID string
	rules    []*CompiledRule
}

var _ optimizer.Screen = (*Screen)(nil)

// Count returns the number of rules in the screen.
func (s *Screen) Count() int {
	return len(s.rules)
}

// Excluded reports whether any rule matches the pair. Evaluation errors do
// not exclude; the first one is returned when nothing matched.
func (s *Screen) Excluded(_ context.Context, acct *domain.Account, ch *domain.Channel, probability float64) (bool, error) {
	if len(s.rules) == 0 {
		return false, nil
	}

	activation := map[string]any{
		"account_id":      acct.ID,
		"home_bank":       acct.HomeBank,
		"owed_amount":     acct.OwedAmount,
		"channel_id":      ch.ID,
		"settlement_bank": ch.SettlementBank,
		"routing_class":   string(ch.RoutingClass),
		"probability":     probability,
		"cost_on_success": ch.CostOnSuccess,
		"cost_on_failure": ch.CostOnFailure,
	}

	var firstErr error
	for _, rule := range s.rules {
		out, _, err := rule.Program.Eval(activation)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("rule %s: %w", rule.Rule.ID, err)
			}
			continue
		}
		if v, ok := out.(types.Bool); ok && bool(v) {
			return true, nil
		}
	}
	return false, firstErr
}
