//go:build postgres || all_adapters

// Package postgres is the PostgreSQL datasource adapter. Every query runs
// through the read-only guard immediately before I/O and is wrapped with a
// row limit; there is no unguarded execution path.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sqlgate-io/sqlgate/pkg/adapters/datasource"
	"github.com/sqlgate-io/sqlgate/pkg/guard"
	"github.com/sqlgate-io/sqlgate/pkg/retry"
)

// QueryExecutor provides PostgreSQL query execution.
type QueryExecutor struct {
	pool  *pgxpool.Pool
	guard *guard.ReadOnlyGuard
}

// NewQueryExecutor connects to the datasource. Connection establishment is
// retried with backoff.
func NewQueryExecutor(ctx context.Context, connString string, g *guard.ReadOnlyGuard) (*QueryExecutor, error) {
	pool, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*pgxpool.Pool, error) {
		p, err := pgxpool.New(ctx, connString)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return &QueryExecutor{pool: pool, guard: g}, nil
}

// Query runs a SELECT statement and returns bounded results.
func (e *QueryExecutor) Query(ctx context.Context, sqlQuery string, limit int) (*datasource.QueryExecutionResult, error) {
	return e.QueryWithParams(ctx, sqlQuery, nil, limit)
}

// QueryWithParams runs a parameterized SELECT with bounded results. The SQL
// uses $1, $2, etc. for placeholders; pgx binds them natively.
func (e *QueryExecutor) QueryWithParams(ctx context.Context, sqlQuery string, params []any, limit int) (*datasource.QueryExecutionResult, error) {
	if err := e.guard.Enforce(sqlQuery, guard.DialectPostgres, true); err != nil {
		return nil, err
	}
	queryToRun := wrapWithLimit(sqlQuery, limit)

	rows, err := e.pool.Query(ctx, queryToRun, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	return collectRows(rows)
}

// QueryWithSession runs a parameterized SELECT inside a read-only
// transaction that first applies the session settings via set_config with
// transaction scope, so RLS policies keyed on them take effect.
func (e *QueryExecutor) QueryWithSession(ctx context.Context, sqlQuery string, params []any, session map[string]string, limit int) (*datasource.QueryExecutionResult, error) {
	if err := e.guard.Enforce(sqlQuery, guard.DialectPostgres, true); err != nil {
		return nil, err
	}
	queryToRun := wrapWithLimit(sqlQuery, limit)

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for name, value := range session {
		if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", name, value); err != nil {
			return nil, fmt.Errorf("apply session setting %s: %w", name, err)
		}
	}

	rows, err := tx.Query(ctx, queryToRun, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result, err := collectRows(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit read-only transaction: %w", err)
	}
	return result, nil
}

// QuoteIdentifier safely quotes a SQL identifier using PostgreSQL's
// standard double-quote quoting.
func (e *QueryExecutor) QuoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Close releases the connection pool.
func (e *QueryExecutor) Close() error {
	if e.pool != nil {
		e.pool.Close()
	}
	return nil
}

func wrapWithLimit(sqlQuery string, limit int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS _limited LIMIT %d",
		datasource.TrimStatement(sqlQuery), datasource.ClampLimit(limit))
}

func collectRows(rows pgx.Rows) (*datasource.QueryExecutionResult, error) {
	fieldDescs := rows.FieldDescriptions()
	columns := make([]datasource.ColumnInfo, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = datasource.ColumnInfo{
			Name: string(fd.Name),
			Type: pgTypeNameFromOID(fd.DataTypeOID),
		}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}

		rowMap := make(map[string]any)
		for i, col := range columns {
			rowMap[col.Name] = values[i]
		}
		resultRows = append(resultRows, rowMap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return &datasource.QueryExecutionResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
	}, nil
}

// pgTypeNameFromOID maps PostgreSQL type OIDs to human-readable type names.
// This covers the most common types; unknown types return "UNKNOWN".
func pgTypeNameFromOID(oid uint32) string {
	switch oid {
	case 16:
		return "BOOL"
	case 17:
		return "BYTEA"
	case 20:
		return "INT8"
	case 21:
		return "INT2"
	case 23:
		return "INT4"
	case 25:
		return "TEXT"
	case 114:
		return "JSON"
	case 700:
		return "FLOAT4"
	case 701:
		return "FLOAT8"
	case 1042:
		return "BPCHAR"
	case 1043:
		return "VARCHAR"
	case 1082:
		return "DATE"
	case 1083:
		return "TIME"
	case 1114:
		return "TIMESTAMP"
	case 1184:
		return "TIMESTAMPTZ"
	case 1186:
		return "INTERVAL"
	case 1700:
		return "NUMERIC"
	case 2950:
		return "UUID"
	case 3802:
		return "JSONB"
	case 1007:
		return "INT4[]"
	case 1016:
		return "INT8[]"
	case 1009:
		return "TEXT[]"
	default:
		return "UNKNOWN"
	}
}

var _ datasource.QueryExecutor = (*QueryExecutor)(nil)
