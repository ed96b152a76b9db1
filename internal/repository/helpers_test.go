package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/entitlement-service/internal/persistence"
)

// setupTestPool connects to TEST_POSTGRES_DSN, migrates, and truncates between tests.
// Tests are skipped when no database is configured.
func setupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres integration test")
	}
	require.NoError(t, persistence.RunMigrations(dsn, zap.NewNop()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	truncate := func() {
		_, err := pool.Exec(context.Background(),
			`TRUNCATE lessons, products, profiles, password_reset_tokens, users CASCADE`)
		require.NoError(t, err)
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		pool.Close()
	})
	return pool
}
