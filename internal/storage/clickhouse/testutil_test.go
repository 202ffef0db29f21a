package clickhouse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// eventSchemaGlob is relative to this package; go test runs in the package dir.
const eventSchemaGlob = "../migrations/clickhouse/*.sql"

// newTestConn starts a disposable ClickHouse, applies the event schema and
// registers teardown on t.
func newTestConn(t *testing.T) *Conn {
	t.Helper()
	if testing.Short() {
		t.Skip("event store tests need docker; skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "clickhouse/clickhouse-server:24.8-alpine",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"CLICKHOUSE_DB":                        "events",
				"CLICKHOUSE_USER":                      "default",
				"CLICKHOUSE_PASSWORD":                  "",
				"CLICKHOUSE_DEFAULT_ACCESS_MANAGEMENT": "1",
			},
			WaitingFor: wait.ForListeningPort("9000/tcp").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err, "start clickhouse container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate clickhouse container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	conn, err := NewConn(ctx, fmt.Sprintf("clickhouse://default:@%s:%s/events", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	applyEventSchema(t, ctx, conn)
	return conn
}

// applyEventSchema runs the schema files one statement at a time; the native
// protocol rejects multi-statement queries.
func applyEventSchema(t *testing.T, ctx context.Context, conn *Conn) {
	t.Helper()

	files, err := filepath.Glob(eventSchemaGlob)
	require.NoError(t, err)
	require.NotEmpty(t, files, "no schema files match %s", eventSchemaGlob)

	for _, f := range files {
		ddl, err := os.ReadFile(f)
		require.NoError(t, err)
		for _, stmt := range strings.Split(string(ddl), ";") {
			if !hasSQL(stmt) {
				continue
			}
			require.NoError(t, conn.Exec(ctx, stmt), "apply %s", filepath.Base(f))
		}
	}
}

func hasSQL(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}
