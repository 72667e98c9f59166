package guard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlgate-io/sqlgate/pkg/apperrors"
)

func TestEnforce_Postgres(t *testing.T) {
	g := New(nil)

	tests := []struct {
		name    string
		sql     string
		blocked bool
	}{
		{"select", "SELECT * FROM customers WHERE id = 1", false},
		{"with over select", "WITH x AS (SELECT 1 AS n) SELECT n FROM x", false},
		{"union", "SELECT id FROM a UNION SELECT id FROM b", false},
		{"values", "VALUES (1), (2)", false},
		{"select with trailing semicolon", "SELECT 1;", false},
		{"delete", "DELETE FROM customers", true},
		{"update", "UPDATE customers SET name = 'x'", true},
		{"insert", "INSERT INTO customers (id) VALUES (1)", true},
		{"drop", "DROP TABLE customers", true},
		{"truncate", "TRUNCATE customers", true},
		{"delete nested in cte", "WITH gone AS (DELETE FROM audit_log RETURNING id) SELECT count(*) FROM gone", true},
		{"chained statements", "SELECT 1; DROP TABLE customers", true},
		{"empty", "   ", true},
		{"unparseable garbage", "); DROP TABLE customers; --", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Enforce(tt.sql, DialectPostgres, true)
			if tt.blocked {
				require.Error(t, err)
				assert.True(t, errors.Is(err, apperrors.ErrMutationBlocked))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnforce_ScannedDialects(t *testing.T) {
	g := New(nil)

	tests := []struct {
		name    string
		sql     string
		dialect Dialect
		blocked bool
	}{
		{"select", "SELECT TOP 10 * FROM customers", DialectSQLServer, false},
		{"table named updates passes", "SELECT * FROM updates", DialectGeneric, false},
		{"keyword inside string passes", "SELECT * FROM t WHERE note = 'please DELETE me'", DialectGeneric, false},
		{"keyword inside comment passes", "SELECT * FROM t -- drop later", DialectGeneric, false},
		{"drop", "DROP TABLE customers", DialectGeneric, true},
		{"exec", "EXEC sp_who", DialectSQLServer, true},
		{"dbcc", "SELECT 1 WHERE 1 = 1 DBCC CHECKDB", DialectSQLServer, true},
		{"chained", "SELECT 1; DELETE FROM t", DialectGeneric, true},
		{"non select first token", "SHOW TABLES", DialectGeneric, true},
		{"delete keyword mid statement", "SELECT * FROM t WHERE id IN (DELETE FROM t RETURNING id)", DialectGeneric, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Enforce(tt.sql, tt.dialect, true)
			if tt.blocked {
				require.Error(t, err)
				assert.True(t, errors.Is(err, apperrors.ErrMutationBlocked))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnforce_WritableDatasourceStandsDown(t *testing.T) {
	g := New(nil)

	assert.NoError(t, g.Enforce("DELETE FROM customers", DialectPostgres, false))
	assert.NoError(t, g.Enforce("DROP TABLE customers", DialectGeneric, false))
}

func TestIsMutating(t *testing.T) {
	g := New(nil)

	assert.False(t, g.IsMutating("SELECT 1", DialectPostgres))
	assert.True(t, g.IsMutating("DELETE FROM t", DialectPostgres))
	assert.True(t, g.IsMutating("UPDATE t SET a = 1", DialectGeneric))
}
