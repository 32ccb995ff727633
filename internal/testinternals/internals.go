package testinternals

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/2beens/inkpost/internal/db"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

const defaultTestDatabaseURL = "postgres://postgres@localhost:5432/inkpost_test?sslmode=disable"

// TestDatabaseURL is taken from TEST_DATABASE_URL, with a local default.
func TestDatabaseURL() string {
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	return defaultTestDatabaseURL
}

// PostgresPool connects to the test database, applies the migrations and
// wipes all the data, so every caller starts from empty tables.
func PostgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dsn := TestDatabaseURL()
	t.Logf("using test database: %s", dsn)

	pool, err := db.NewDBPool(ctx, db.NewDBPoolParams{
		ConnString:     dsn,
		TracingEnabled: false,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.MigratePool(ctx, pool))
	require.NoError(t, TruncateAll(ctx, pool))

	return pool
}

func TruncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE TABLE blogs, users RESTART IDENTITY CASCADE;`)
	return err
}
