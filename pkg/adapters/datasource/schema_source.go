package datasource

import (
	"context"
	"fmt"
)

// ExecutorSchemaSource lists the tables a datasource exposes by querying
// information_schema through its own guarded executor. It backs the policy
// enforcer's table allowlist and works unchanged on PostgreSQL and SQL
// Server.
type ExecutorSchemaSource struct {
	exec QueryExecutor
}

// NewExecutorSchemaSource wraps an executor.
func NewExecutorSchemaSource(exec QueryExecutor) *ExecutorSchemaSource {
	return &ExecutorSchemaSource{exec: exec}
}

// ListTables returns every user table as both "table" and "schema.table"
// so unqualified and qualified references resolve against the same
// allowlist. System schemas are excluded.
func (s *ExecutorSchemaSource) ListTables(ctx context.Context) ([]string, error) {
	result, err := s.exec.Query(ctx,
		`SELECT table_schema, table_name
		 FROM information_schema.tables
		 WHERE table_type IN ('BASE TABLE', 'VIEW')
		   AND table_schema NOT IN ('pg_catalog', 'information_schema', 'sys')`,
		MaxQueryLimit)
	if err != nil {
		return nil, fmt.Errorf("introspect tables: %w", err)
	}

	tables := make([]string, 0, 2*len(result.Rows))
	for _, row := range result.Rows {
		schema, _ := row["table_schema"].(string)
		name, _ := row["table_name"].(string)
		if name == "" {
			continue
		}
		tables = append(tables, name)
		if schema != "" {
			tables = append(tables, schema+"."+name)
		}
	}
	return tables, nil
}
