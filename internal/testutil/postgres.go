package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-ticket-inventory/internal/database"
	"ms-ticket-inventory/internal/database/migrations"
	"ms-ticket-inventory/internal/logger"
)

// NewPostgresDB starts a throwaway PostgreSQL container, applies the
// migrations and returns a pooled DB so transactions really run in parallel.
// The test is skipped in short mode or when Docker is unavailable.
func NewPostgresDB(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping PostgreSQL integration test in short mode")
	}

	ctx := context.Background()
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "inv",
				"POSTGRES_PASSWORD": "inv",
				"POSTGRES_DB":       "inv",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Docker not available: %v", err)
	}
	t.Cleanup(func() { pgContainer.Terminate(context.Background()) })

	host, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("host=%s port=%s user=inv password=inv dbname=inv sslmode=disable", host, port.Port())

	migrateDB, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open migration connection: %v", err)
	}
	runner := migrations.NewRunner(migrateDB, logger.NewNop())
	if err := runner.MigrateUp(); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	runner.Close()

	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	sqldb.SetMaxOpenConns(20)

	db := database.New(bun.NewDB(sqldb, pgdialect.New()), logger.NewNop())
	db.LockTimeout = 2 * time.Second
	t.Cleanup(func() { db.Close() })
	return db
}
