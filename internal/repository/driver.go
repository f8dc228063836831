package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const pingTimeout = 5 * time.Second

// sqlitePragmas keep reads concurrent with the single writer and make
// writers wait instead of failing with SQLITE_BUSY.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// openDB opens the configured database and checks it is reachable.
func openDB(ctx context.Context, cfg domain.RepositoryConfig) (*sql.DB, error) {
	driverName, dsn, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}

	return db, nil
}

// dataSource maps the repository settings to a database/sql driver name
// and connection string.
func dataSource(cfg domain.RepositoryConfig) (driverName, dsn string, err error) {
	switch cfg.Driver {
	case "sqlite":
		dsn, err := sqliteDSN(cfg.SQLitePath)
		return "sqlite", dsn, err
	case "postgres":
		return "postgres", postgresDSN(cfg), nil
	default:
		return "", "", fmt.Errorf("%w: unsupported driver %q", ErrInvalidInput, cfg.Driver)
	}
}

// sqliteDSN creates the database directory if needed. modernc.org/sqlite
// is pure Go, so no CGO toolchain is required.
func sqliteDSN(path string) (string, error) {
	if path == "" {
		path = "./kestrel.db"
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode(), nil
}

func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     host + ":" + strconv.Itoa(port),
		Path:     "/" + dbname,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	return u.String()
}
