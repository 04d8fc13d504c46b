// Package dbtest starts a throwaway Postgres for integration tests.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"

	"coreflow-backend/config"
	"coreflow-backend/database"
)

var (
	once      sync.Once
	shared    *gorm.DB
	container testcontainers.Container
	setupErr  error
)

var tables = []string{
	"idempotency_keys",
	"transaction_logs",
	"webhook_failures",
	"domain_events",
	"event_snapshots",
	"projection_checkpoints",
	"tenant_ledgers",
	"payments",
	"invoice_versions",
	"invoice_items",
	"invoices",
	"invoice_sequences",
	"customers",
}

// Main runs the package tests and then stops the Postgres container if one was started.
// Call it from TestMain in every package that uses Open.
func Main(m *testing.M) {
	code := m.Run()
	if err := Terminate(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "dbtest:", err)
	}
	os.Exit(code)
}

// Terminate closes the shared connection and removes the container. It is a no-op when
// Open was never called.
func Terminate(ctx context.Context) error {
	if shared != nil {
		if sqlDB, err := shared.DB(); err == nil {
			_ = sqlDB.Close()
		}
		shared = nil
	}
	if container == nil {
		return nil
	}
	err := container.Terminate(ctx)
	container = nil
	if err != nil {
		return fmt.Errorf("terminate postgres container: %w", err)
	}
	return nil
}

// Open returns a migrated database with every table emptied. The container is shared by all
// tests of one package binary. Tests are skipped when Docker is unavailable or -short is set.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	once.Do(func() { shared, setupErr = start(context.Background()) })
	if setupErr != nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}

	for _, table := range tables {
		require.NoError(t, shared.Exec(fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", table)).Error)
	}
	return shared
}

func start(ctx context.Context) (*gorm.DB, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "coreflow"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}
	container = c
	host, err := c.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("container host: %w", err)
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return nil, fmt.Errorf("container port: %w", err)
	}

	cfg := config.Database{Host: host, Port: port.Int(), User: "postgres", Password: "secret", Name: "coreflow", SSLMode: "disable"}
	if err := database.Migrate(cfg.DSN()); err != nil {
		return nil, err
	}
	return database.Connect(cfg)
}
