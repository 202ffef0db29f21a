package postgres

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ledgerSchemaGlob is relative to this package; go test runs in the package dir.
const ledgerSchemaGlob = "../migrations/postgres/*.sql"

// newTestPool starts a disposable Postgres, applies the ledger schema and
// registers teardown on t.
func newTestPool(t *testing.T) *Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("ledger store tests need docker; skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("ledger"),
		tcpostgres.WithPassword("ledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	applyLedgerSchema(t, ctx, pool)
	return pool
}

// applyLedgerSchema reads the schema from disk: the migrations package
// imports this one, so its embedded copy cannot be used here.
func applyLedgerSchema(t *testing.T, ctx context.Context, pool *Pool) {
	t.Helper()

	files, err := filepath.Glob(ledgerSchemaGlob)
	require.NoError(t, err)
	require.NotEmpty(t, files, "no schema files match %s", ledgerSchemaGlob)

	for _, f := range files {
		ddl, err := os.ReadFile(f)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(ddl))
		require.NoError(t, err, "apply %s", filepath.Base(f))
	}
}
