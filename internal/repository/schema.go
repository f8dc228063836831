package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaChannels = `
CREATE TABLE IF NOT EXISTS channels (
    tenant_id TEXT NOT NULL,
    id TEXT NOT NULL,
    position INTEGER NOT NULL,
    display_name TEXT NOT NULL,
    settlement_bank TEXT NOT NULL,
    routing_class TEXT NOT NULL,
    cost_on_success REAL NOT NULL DEFAULT 0,
    cost_on_failure REAL NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_channels_position ON channels(tenant_id, position);
`

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    summary TEXT NOT NULL,
    failures TEXT NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id, created_at);
`

// Record tables keep a per-run seq so rows come back in the order they were
// written. Probability rows also keep the model's scoring position.
const schemaRunAccounts = `
CREATE TABLE IF NOT EXISTS run_accounts (
    run_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    account_id TEXT NOT NULL,
    home_bank TEXT NOT NULL,
    owed_amount REAL NOT NULL,
    selected_channel TEXT NOT NULL,
    display_name TEXT NOT NULL,
    expected_value REAL NOT NULL,
    outcome TEXT NOT NULL,
    PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_run_accounts_bank ON run_accounts(run_id, home_bank);
`

const schemaRunProbabilities = `
CREATE TABLE IF NOT EXISTS run_probabilities (
    run_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    account_id TEXT NOT NULL,
    channel_id TEXT NOT NULL,
    display_name TEXT NOT NULL,
    position INTEGER NOT NULL,
    probability REAL NOT NULL,
    PRIMARY KEY (run_id, seq)
);
`

const schemaRunCosts = `
CREATE TABLE IF NOT EXISTS run_costs (
    run_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    account_id TEXT NOT NULL,
    channel_id TEXT NOT NULL,
    display_name TEXT NOT NULL,
    cost_on_success REAL NOT NULL,
    cost_on_failure REAL NOT NULL,
    fee_kind TEXT NOT NULL,
    PRIMARY KEY (run_id, seq)
);
`

const schemaRunExpectedValues = `
CREATE TABLE IF NOT EXISTS run_expected_values (
    run_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    account_id TEXT NOT NULL,
    channel_id TEXT NOT NULL,
    display_name TEXT NOT NULL,
    expected_value REAL NOT NULL,
    selected INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, seq)
);
`

// schemaExclusionRules defines per-tenant CEL exclusion rules.
const schemaExclusionRules = `
CREATE TABLE IF NOT EXISTS exclusion_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_exclusion_rules_tenant ON exclusion_rules(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaChannels,
		schemaRuns,
		schemaRunAccounts,
		schemaRunProbabilities,
		schemaRunCosts,
		schemaRunExpectedValues,
		schemaExclusionRules,
	}
}
