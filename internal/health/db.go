// Package health provides health check implementations for the audit
// store and Redis.
package health

import (
	"context"
	"database/sql"
	"fmt"
)

// DefaultSchemaProbe fails when the audit tables have not been created.
const DefaultSchemaProbe = "SELECT 1 FROM audit_entries LIMIT 1"

// DBChecker checks that the audit database answers and that its schema is
// in place.
type DBChecker struct {
	db    *sql.DB
	probe string
}

// NewDBChecker creates a database health checker using DefaultSchemaProbe.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{
		db:    db,
		probe: DefaultSchemaProbe,
	}
}

// HealthCheck pings the database and runs the schema probe. An empty table
// is healthy.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var one int
	err := d.db.QueryRowContext(ctx, d.probe).Scan(&one)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("audit schema probe failed: %w", err)
	}
	return nil
}
