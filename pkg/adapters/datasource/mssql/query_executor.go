//go:build sqlserver || all_adapters

// Package mssql is the SQL Server datasource adapter. SQL Server has no
// AST-level rewrite support here; tenant isolation runs in restricted
// session mode via SESSION_CONTEXT, and the read-only guard screens every
// statement with the keyword scanner before I/O.
package mssql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/sqlgate-io/sqlgate/pkg/adapters/datasource"
	"github.com/sqlgate-io/sqlgate/pkg/guard"
	"github.com/sqlgate-io/sqlgate/pkg/retry"
)

// QueryExecutor provides SQL Server query execution.
type QueryExecutor struct {
	db    *sql.DB
	guard *guard.ReadOnlyGuard
}

// NewQueryExecutor connects to the datasource. Connection establishment is
// retried with backoff.
func NewQueryExecutor(ctx context.Context, connString string, g *guard.ReadOnlyGuard) (*QueryExecutor, error) {
	db, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*sql.DB, error) {
		d, err := sql.Open("sqlserver", connString)
		if err != nil {
			return nil, fmt.Errorf("open sqlserver connection: %w", err)
		}
		if err := d.PingContext(ctx); err != nil {
			d.Close()
			return nil, fmt.Errorf("ping sqlserver: %w", err)
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return &QueryExecutor{db: db, guard: g}, nil
}

// Query runs a SELECT statement and returns bounded results.
func (e *QueryExecutor) Query(ctx context.Context, sqlQuery string, limit int) (*datasource.QueryExecutionResult, error) {
	return e.QueryWithParams(ctx, sqlQuery, nil, limit)
}

// QueryWithParams runs a parameterized SELECT with bounded results using
// SQL Server's TOP clause.
func (e *QueryExecutor) QueryWithParams(ctx context.Context, sqlQuery string, params []any, limit int) (*datasource.QueryExecutionResult, error) {
	if err := e.guard.Enforce(sqlQuery, guard.DialectSQLServer, true); err != nil {
		return nil, err
	}
	queryToRun := wrapWithTop(sqlQuery, limit)

	rows, err := e.db.QueryContext(ctx, queryToRun, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	return collectRows(rows)
}

// QueryWithSession runs a parameterized SELECT inside a transaction that
// first sets SESSION_CONTEXT keys, so security policies keyed on them take
// effect. Settings die with the session; the transaction scopes their use.
func (e *QueryExecutor) QueryWithSession(ctx context.Context, sqlQuery string, params []any, session map[string]string, limit int) (*datasource.QueryExecutionResult, error) {
	if err := e.guard.Enforce(sqlQuery, guard.DialectSQLServer, true); err != nil {
		return nil, err
	}
	queryToRun := wrapWithTop(sqlQuery, limit)

	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for name, value := range session {
		if _, err := tx.ExecContext(ctx,
			"EXEC sp_set_session_context @key = @p1, @value = @p2, @read_only = 1",
			name, value); err != nil {
			return nil, fmt.Errorf("apply session setting %s: %w", name, err)
		}
	}

	rows, err := tx.QueryContext(ctx, queryToRun, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result, err := collectRows(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return result, nil
}

// QuoteIdentifier safely quotes a SQL identifier using SQL Server's
// bracket quoting.
func (e *QueryExecutor) QuoteIdentifier(name string) string {
	quoted := ""
	for _, r := range name {
		if r == ']' {
			quoted += "]]"
			continue
		}
		quoted += string(r)
	}
	return "[" + quoted + "]"
}

// Close releases the database connection.
func (e *QueryExecutor) Close() error {
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}

func wrapWithTop(sqlQuery string, limit int) string {
	return fmt.Sprintf("SELECT TOP (%d) * FROM (%s) AS _limited",
		datasource.ClampLimit(limit), datasource.TrimStatement(sqlQuery))
}

func collectRows(rows *sql.Rows) (*datasource.QueryExecutionResult, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read column types: %w", err)
	}
	columns := make([]datasource.ColumnInfo, len(colTypes))
	for i, ct := range colTypes {
		columns[i] = datasource.ColumnInfo{
			Name: ct.Name(),
			Type: ct.DatabaseTypeName(),
		}
	}

	resultRows := make([]map[string]any, 0)
	values := make([]any, len(columns))
	scanTargets := make([]any, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
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

var _ datasource.QueryExecutor = (*QueryExecutor)(nil)
