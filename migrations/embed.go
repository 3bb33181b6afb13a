// Package migrations embeds the database schema: versioned PostgreSQL
// migrations applied with golang-migrate, and a single idempotent SQLite
// schema for single-node deployments and tests.
package migrations

import (
	"embed"
	_ "embed"
)

// PostgresFS holds the golang-migrate files under postgres/.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// PostgresDir is the directory of PostgresFS holding the migrations.
const PostgresDir = "postgres"

// SQLiteSchema creates every table, index and trigger if missing.
//
//go:embed sqlite/schema.sql
var SQLiteSchema string
