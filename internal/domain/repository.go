// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Catalog operations
	ReplaceChannels(ctx context.Context, tenantID string, channels []Channel) error
	ListChannels(ctx context.Context, tenantID string) ([]Channel, error)

	// Run reports
	SaveRunReport(ctx context.Context, tenantID string, rep *RunReport) error
	GetRunReport(ctx context.Context, tenantID string, runID string) (*RunReport, error)
	ListRuns(ctx context.Context, tenantID string, limit int) ([]RunInfo, error)

	// Exclusion rule operations
	SaveExclusionRule(ctx context.Context, tenantID string, rule *ExclusionRule) error
	ListExclusionRules(ctx context.Context, tenantID string) ([]*ExclusionRule, error)
	DeleteExclusionRule(ctx context.Context, tenantID string, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
