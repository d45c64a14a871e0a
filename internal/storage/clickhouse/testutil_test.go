package clickhouse

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testDatabase = "candles_test"

// setupTestDB starts ClickHouse, loads the candle schema and returns an open
// connection plus the func that tears both down.
func setupTestDB(t *testing.T) (*Conn, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test: needs docker")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "clickhouse/clickhouse-server:24.3-alpine",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"CLICKHOUSE_DB":                        testDatabase,
				"CLICKHOUSE_DEFAULT_ACCESS_MANAGEMENT": "1",
			},
			WaitingFor: wait.ForListeningPort("9000/tcp").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "start clickhouse")

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "clickhouse")
	require.NoError(t, err)

	conn, err := NewConn(ctx, fmt.Sprintf("%s/%s?dial_timeout=30s", endpoint, testDatabase))
	require.NoError(t, err)

	loadSchema(t, conn)

	return conn, func() {
		_ = conn.Close()
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate clickhouse: %v", err)
		}
	}
}

// loadSchema runs the candle DDL one statement at a time; the migrations
// package imports this one, so its embedded copy is out of reach here.
func loadSchema(t *testing.T, conn *Conn) {
	t.Helper()

	ddl, err := os.ReadFile("../migrations/clickhouse/001_candles.sql")
	require.NoError(t, err)

	for _, stmt := range schemaStatements(string(ddl)) {
		require.NoError(t, conn.Exec(context.Background(), stmt), stmt)
	}
}

// schemaStatements strips "--" comment lines and cuts on ';'.
func schemaStatements(ddl string) []string {
	var stmts []string
	var cur strings.Builder
	sc := bufio.NewScanner(strings.NewReader(ddl))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(strings.TrimSpace(line), ";") {
			stmts = append(stmts, strings.TrimSuffix(strings.TrimSpace(cur.String()), ";"))
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		stmts = append(stmts, rest)
	}
	return stmts
}
