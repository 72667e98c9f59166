// Package datasource defines the executor interface and the capability
// registry for the databases sqlgate can front. Capabilities are data, not
// polymorphism: the enforcement layer branches on the capability record, so
// adding a provider means registering a record and an executor, never
// touching decision logic.
package datasource

import (
	"context"
	"strings"
)

// MaxQueryLimit is the hard cap on rows returned by Query methods.
// This protects against unbounded queries that could crash the server.
const MaxQueryLimit = 1000

// QueryExecutor executes read-only SQL against a datasource. Every
// implementation runs the read-only guard immediately before I/O and wraps
// queries with a dialect-specific row limit:
//   - PostgreSQL: SELECT * FROM (query) AS _limited LIMIT n
//   - SQL Server: SELECT TOP (n) * FROM (query) AS _limited
//
// Limit behavior: limit <= 0 or limit > MaxQueryLimit uses MaxQueryLimit.
// Each implementation owns its connection and must be closed when done.
type QueryExecutor interface {
	// Query runs a SELECT statement and returns bounded results.
	Query(ctx context.Context, sqlQuery string, limit int) (*QueryExecutionResult, error)

	// QueryWithParams runs a parameterized SELECT with bounded results.
	// Placeholders use the dialect's positional syntax ($1, @p1).
	QueryWithParams(ctx context.Context, sqlQuery string, params []any, limit int) (*QueryExecutionResult, error)

	// QueryWithSession runs a parameterized SELECT inside a transaction
	// that first applies the given session settings, for restricted
	// session enforcement. Settings are scoped to the transaction.
	QueryWithSession(ctx context.Context, sqlQuery string, params []any, session map[string]string, limit int) (*QueryExecutionResult, error)

	// QuoteIdentifier safely quotes a SQL identifier using the dialect's
	// quoting rules.
	QuoteIdentifier(name string) string

	// Close releases any resources held by the executor.
	Close() error
}

// ColumnInfo describes a result column with database-agnostic type
// information.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"` // database type name ("TEXT", "INT4", "VARCHAR")
}

// QueryExecutionResult holds the results from executing a query.
type QueryExecutionResult struct {
	Columns  []ColumnInfo     `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}

// ClampLimit applies the shared limit policy.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// TrimStatement strips trailing whitespace and the statement-terminating
// semicolon. A lone trailing semicolon is a valid single statement, but it
// cannot be embedded as a derived table, so every limit wrap trims first.
func TrimStatement(sqlQuery string) string {
	return strings.TrimRight(strings.TrimSpace(sqlQuery), "; \t\r\n")
}
