// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database, applies pool limits and creates the
// schema if it is missing.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	ctx := context.Background()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		for _, schema := range AllSchemas() {
			if _, err := tx.ExecContext(ctx, schema); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceChannels atomically swaps the tenant's catalog rows, keeping load order.
func (r *SQLRepository) ReplaceChannels(ctx context.Context, tenantID string, channels []domain.Channel) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM channels WHERE tenant_id = ?`), tenantID); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, r.rebind(`
			INSERT INTO channels (
				tenant_id, id, position, display_name, settlement_bank,
				routing_class, cost_on_success, cost_on_failure, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for i, ch := range channels {
			if _, err := stmt.ExecContext(ctx,
				tenantID, ch.ID, i, ch.DisplayName, ch.SettlementBank,
				string(ch.RoutingClass), ch.CostOnSuccess, ch.CostOnFailure, now,
			); err != nil {
				return fmt.Errorf("failed to insert channel %s: %w", ch.ID, err)
			}
		}
		return nil
	})
}

// ListChannels returns the tenant's catalog rows in load order.
func (r *SQLRepository) ListChannels(ctx context.Context, tenantID string) ([]domain.Channel, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, display_name, settlement_bank, routing_class, cost_on_success, cost_on_failure
		FROM channels
		WHERE tenant_id = ?
		ORDER BY position
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		var ch domain.Channel
		var routing string
		if err := rows.Scan(
			&ch.ID, &ch.DisplayName, &ch.SettlementBank,
			&routing, &ch.CostOnSuccess, &ch.CostOnFailure,
		); err != nil {
			return nil, err
		}
		ch.RoutingClass = domain.RoutingClass(routing)
		ch.Fee = domain.ResolveFeePolicy(ch.CostOnSuccess, ch.CostOnFailure)
		channels = append(channels, ch)
	}

	return channels, rows.Err()
}

// SaveRunReport stores a run and all of its record sets in one transaction.
func (r *SQLRepository) SaveRunReport(ctx context.Context, tenantID string, rep *domain.RunReport) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rep == nil || rep.RunID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	summary, _ := json.Marshal(rep.Summary)
	failures, _ := json.Marshal(rep.Failures)
	metadata, _ := json.Marshal(rep.Metadata)

	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.rebind(`
			INSERT INTO runs (id, tenant_id, created_at, summary, failures, metadata)
			VALUES (?, ?, ?, ?, ?, ?)
		`), rep.RunID, tenantID, rep.CreatedAt, string(summary), string(failures), string(metadata)); err != nil {
			return err
		}

		if err := r.insertRows(ctx, tx, `
			INSERT INTO run_accounts (
				run_id, seq, account_id, home_bank, owed_amount,
				selected_channel, display_name, expected_value, outcome
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, len(rep.Accounts), func(i int) []any {
			a := rep.Accounts[i]
			return []any{rep.RunID, i, a.AccountID, a.HomeBank, a.OwedAmount,
				a.SelectedChannel, a.DisplayName, a.ExpectedValue, string(a.Outcome)}
		}); err != nil {
			return fmt.Errorf("failed to save accounts: %w", err)
		}

		if err := r.insertRows(ctx, tx, `
			INSERT INTO run_probabilities (
				run_id, seq, account_id, channel_id, display_name, position, probability
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`, len(rep.Probabilities), func(i int) []any {
			p := rep.Probabilities[i]
			return []any{rep.RunID, i, p.AccountID, p.ChannelID, p.DisplayName, p.Position, p.Probability}
		}); err != nil {
			return fmt.Errorf("failed to save probabilities: %w", err)
		}

		if err := r.insertRows(ctx, tx, `
			INSERT INTO run_costs (
				run_id, seq, account_id, channel_id, display_name,
				cost_on_success, cost_on_failure, fee_kind
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, len(rep.Costs), func(i int) []any {
			c := rep.Costs[i]
			return []any{rep.RunID, i, c.AccountID, c.ChannelID, c.DisplayName,
				c.CostOnSuccess, c.CostOnFailure, string(c.FeeKind)}
		}); err != nil {
			return fmt.Errorf("failed to save costs: %w", err)
		}

		if err := r.insertRows(ctx, tx, `
			INSERT INTO run_expected_values (
				run_id, seq, account_id, channel_id, display_name, expected_value, selected
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`, len(rep.ExpectedValues), func(i int) []any {
			e := rep.ExpectedValues[i]
			selected := 0
			if e.Selected {
				selected = 1
			}
			return []any{rep.RunID, i, e.AccountID, e.ChannelID, e.DisplayName, e.ExpectedValue, selected}
		}); err != nil {
			return fmt.Errorf("failed to save expected values: %w", err)
		}

		return nil
	})
}

// GetRunReport loads a stored run with tenant isolation.
func (r *SQLRepository) GetRunReport(ctx context.Context, tenantID string, runID string) (*domain.RunReport, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, created_at, summary, failures, metadata
		FROM runs
		WHERE tenant_id = ? AND id = ?
	`

	var rep domain.RunReport
	var summary, failures, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, runID).Scan(
		&rep.RunID, &rep.TenantID, &rep.CreatedAt, &summary, &failures, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(summary), &rep.Summary); err != nil {
		return nil, fmt.Errorf("failed to parse run summary: %w", err)
	}
	if err := json.Unmarshal([]byte(failures), &rep.Failures); err != nil {
		return nil, fmt.Errorf("failed to parse run failures: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &rep.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse run metadata: %w", err)
	}

	if rep.Accounts, err = r.loadAccounts(ctx, runID); err != nil {
		return nil, err
	}
	if rep.Probabilities, err = r.loadProbabilities(ctx, runID); err != nil {
		return nil, err
	}
	if rep.Costs, err = r.loadCosts(ctx, runID); err != nil {
		return nil, err
	}
	if rep.ExpectedValues, err = r.loadExpectedValues(ctx, runID); err != nil {
		return nil, err
	}

	return &rep, nil
}

func (r *SQLRepository) loadAccounts(ctx context.Context, runID string) ([]domain.AccountRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT account_id, home_bank, owed_amount, selected_channel, display_name, expected_value, outcome
		FROM run_accounts WHERE run_id = ? ORDER BY seq
	`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.AccountRecord{}
	for rows.Next() {
		var a domain.AccountRecord
		var outcome string
		if err := rows.Scan(&a.AccountID, &a.HomeBank, &a.OwedAmount,
			&a.SelectedChannel, &a.DisplayName, &a.ExpectedValue, &outcome); err != nil {
			return nil, err
		}
		a.Outcome = domain.SelectionOutcome(outcome)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLRepository) loadProbabilities(ctx context.Context, runID string) ([]domain.ProbabilityRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT account_id, channel_id, display_name, position, probability
		FROM run_probabilities WHERE run_id = ? ORDER BY seq
	`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.ProbabilityRecord{}
	for rows.Next() {
		var p domain.ProbabilityRecord
		if err := rows.Scan(&p.AccountID, &p.ChannelID, &p.DisplayName, &p.Position, &p.Probability); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLRepository) loadCosts(ctx context.Context, runID string) ([]domain.CostRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT account_id, channel_id, display_name, cost_on_success, cost_on_failure, fee_kind
		FROM run_costs WHERE run_id = ? ORDER BY seq
	`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.CostRecord{}
	for rows.Next() {
		var c domain.CostRecord
		var kind string
		if err := rows.Scan(&c.AccountID, &c.ChannelID, &c.DisplayName,
			&c.CostOnSuccess, &c.CostOnFailure, &kind); err != nil {
			return nil, err
		}
		c.FeeKind = domain.FeeKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SQLRepository) loadExpectedValues(ctx context.Context, runID string) ([]domain.ExpectedValueRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT account_id, channel_id, display_name, expected_value, selected
		FROM run_expected_values WHERE run_id = ? ORDER BY seq
	`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.ExpectedValueRecord{}
	for rows.Next() {
		var e domain.ExpectedValueRecord
		var selected int
		if err := rows.Scan(&e.AccountID, &e.ChannelID, &e.DisplayName, &e.ExpectedValue, &selected); err != nil {
			return nil, err
		}
		e.Selected = selected == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRuns returns the tenant's most recent runs, newest first.
func (r *SQLRepository) ListRuns(ctx context.Context, tenantID string, limit int) ([]domain.RunInfo, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, tenant_id, created_at, metadata
		FROM runs
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []domain.RunInfo{}
	for rows.Next() {
		var info domain.RunInfo
		var metadata string
		if err := rows.Scan(&info.RunID, &info.TenantID, &info.CreatedAt, &metadata); err != nil {
			return nil, err
		}
		if metadata != "" {
			json.Unmarshal([]byte(metadata), &info.Metadata)
		}
		runs = append(runs, info)
	}

	return runs, rows.Err()
}

// SaveExclusionRule creates or updates an exclusion rule with tenant isolation.
func (r *SQLRepository) SaveExclusionRule(ctx context.Context, tenantID string, rule *domain.ExclusionRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	rule.TenantID = tenantID

	query := `
		INSERT INTO exclusion_rules (
			id, tenant_id, name, description, expression, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Expression, enabled, rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// ListExclusionRules returns every exclusion rule of a tenant, enabled or not.
func (r *SQLRepository) ListExclusionRules(ctx context.Context, tenantID string) ([]*domain.ExclusionRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, expression, enabled, created_at, updated_at
		FROM exclusion_rules
		WHERE tenant_id = ?
		ORDER BY name, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ExclusionRule
	for rows.Next() {
		var rule domain.ExclusionRule
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &rule.Name, &description,
			&rule.Expression, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Description = description.String
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// DeleteExclusionRule removes a rule.
func (r *SQLRepository) DeleteExclusionRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	result, err := r.db.ExecContext(ctx,
		r.rebind(`DELETE FROM exclusion_rules WHERE tenant_id = ? AND id = ?`),
		tenantID, ruleID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// insertRows executes query once per row with a prepared statement.
func (r *SQLRepository) insertRows(ctx context.Context, tx *sql.Tx, query string, n int, args func(i int) []any) error {
	if n == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
