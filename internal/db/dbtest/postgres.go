// Package dbtest provides PostgreSQL databases for integration tests.
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresImage is the server image started when DATABASE_URL is unset.
const PostgresImage = "postgres:16-alpine"

// PostgresURL returns DATABASE_URL when it is set. Otherwise it starts a
// disposable PostgreSQL container for the test and returns its URL. The
// test is skipped when no container runtime is available.
func PostgresURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	if testing.Short() {
		t.Skip("DATABASE_URL not set and -short given, skipping integration test")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, PostgresImage,
		postgres.WithDatabase("auditchain"),
		postgres.WithUsername("auditchain"),
		postgres.WithPassword("auditchain"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Skipf("could not start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres connection string: %v", err)
	}
	return dsn
}
