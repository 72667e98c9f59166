//go:build integration && (postgres || all_adapters)

package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sqlgate-io/sqlgate/pkg/apperrors"
	"github.com/sqlgate-io/sqlgate/pkg/guard"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "sqlgate",
				"POSTGRES_PASSWORD": "sqlgate",
				"POSTGRES_DB":       "sqlgate_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://sqlgate:sqlgate@%s:%s/sqlgate_test?sslmode=disable", host, port.Port())
}

func seed(t *testing.T, connString string) {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec(ctx, `CREATE TABLE customers (id INT PRIMARY KEY, org_id TEXT NOT NULL, name TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO customers (id, org_id, name) VALUES
		(1, 't-1', 'Acme'), (2, 't-1', 'Globex'), (3, 't-2', 'Initech')`)
	require.NoError(t, err)
}

func TestQueryExecutor_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test requires docker")
	}
	connString := startPostgres(t)
	seed(t, connString)

	ctx := context.Background()
	exec, err := NewQueryExecutor(ctx, connString, guard.New(nil))
	require.NoError(t, err)
	defer exec.Close()

	t.Run("query returns bounded results", func(t *testing.T) {
		result, err := exec.Query(ctx, "SELECT id, name FROM customers ORDER BY id", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, result.RowCount)
		require.Len(t, result.Columns, 2)
		assert.Equal(t, "INT4", result.Columns[0].Type)
		assert.Equal(t, "TEXT", result.Columns[1].Type)
	})

	t.Run("parameterized query", func(t *testing.T) {
		result, err := exec.QueryWithParams(ctx,
			"SELECT name FROM customers WHERE org_id = $1 ORDER BY id", []any{"t-1"}, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, result.RowCount)
		assert.Equal(t, "Acme", result.Rows[0]["name"])
	})

	t.Run("guard blocks mutations before io", func(t *testing.T) {
		_, err := exec.Query(ctx, "DELETE FROM customers", 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrMutationBlocked))

		var count int
		pool, perr := pgxpool.New(ctx, connString)
		require.NoError(t, perr)
		defer pool.Close()
		require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM customers").Scan(&count))
		assert.Equal(t, 3, count)
	})

	t.Run("session settings are visible in transaction", func(t *testing.T) {
		result, err := exec.QueryWithSession(ctx,
			"SELECT current_setting('app.tenant_id', true) AS tenant",
			nil, map[string]string{"app.tenant_id": "t-1"}, 0)
		require.NoError(t, err)
		require.Equal(t, 1, result.RowCount)
		assert.Equal(t, "t-1", result.Rows[0]["tenant"])
	})

	t.Run("quote identifier", func(t *testing.T) {
		assert.Equal(t, `"weird""name"`, exec.QuoteIdentifier(`weird"name`))
	})
}
