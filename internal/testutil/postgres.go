// Package testutil starts throwaway backing services for integration tests.
// Every helper skips the test under -short.
package testutil

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/SirClappington/enqworker/internal/storage"
)

// TestDB is a migrated database in its own container.
type TestDB struct {
	Pool    *pgxpool.Pool
	ConnStr string
	Store   *storage.Store
}

// NewTestDB starts Postgres, applies the enq schema and returns a pool on it.
// The container and pool are cleaned up via t.Cleanup.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("enq_test"),
		tcpostgres.WithUsername("enq_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	st := storage.New(pool)
	if err := st.Migrate(ctx, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &TestDB{Pool: pool, ConnStr: connStr, Store: st}
}

// MakeRunnable clears the backoff on a job so the next lease can take it.
func (db *TestDB) MakeRunnable(t *testing.T, jobID int64) {
	t.Helper()
	if _, err := db.Pool.Exec(context.Background(),
		`update enq.jobs set run_at = now() - interval '1 second' where id = $1`, jobID); err != nil {
		t.Fatalf("reset run_at: %v", err)
	}
}
