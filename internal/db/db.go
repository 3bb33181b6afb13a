// Package db opens the SQL database backing the audit log and prepares its
// schema. PostgreSQL is reached through github.com/lib/pq; SQLite through
// the pure-Go github.com/glebarez/go-sqlite driver.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"

	"github.com/onnwee/auditchain/internal/audit"
	"github.com/onnwee/auditchain/migrations"
)

// Driver names understood by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrUnknownDriver is returned by Open for any driver other than postgres or sqlite.
var ErrUnknownDriver = errors.New("unknown database driver")

// Pool settings for PostgreSQL. SQLite uses a single writer connection.
const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
	pingTimeout     = 5 * time.Second
)

// Open connects to the database named by driver and dsn and verifies the
// connection with a ping. For sqlite, dsn is a file path (or ":memory:")
// and WAL mode plus a busy timeout are enabled.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, audit.Dialect, error) {
	var (
		conn    *sql.DB
		dialect audit.Dialect
		err     error
	)
	switch driver {
	case DriverPostgres:
		conn, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		conn.SetMaxOpenConns(maxOpenConns)
		conn.SetMaxIdleConns(maxIdleConns)
		conn.SetConnMaxLifetime(connMaxLifetime)
		dialect = audit.DialectPostgres
	case DriverSQLite:
		conn, err = sql.Open("sqlite", SQLiteDSN(dsn))
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite: %w", err)
		}
		conn.SetMaxOpenConns(1)
		dialect = audit.DialectSQLite
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("ping %s: %w", driver, err)
	}
	return conn, dialect, nil
}

// SQLiteDSN appends the pragmas the audit store relies on to a SQLite path.
// Pragmas already present in path are left alone.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// ApplySQLiteSchema creates the audit tables, indexes and append-only
// triggers. It is idempotent.
func ApplySQLiteSchema(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, migrations.SQLiteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}
