package sqlast

import (
	"testing"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
)

func TestCollectTables(t *testing.T) {
	stmt, err := Parse("SELECT o.id FROM orders o JOIN customers c ON c.id = o.customer_id")
	require.NoError(t, err)

	var names []string
	for _, rv := range CollectTables(stmt.Root) {
		names = append(names, rv.Relname)
	}
	assert.ElementsMatch(t, []string{"orders", "customers"}, names)
}

func TestCollectTables_IncludesSubqueriesAndCTEs(t *testing.T) {
	stmt, err := Parse(`WITH recent AS (SELECT * FROM events)
		SELECT * FROM recent WHERE user_id IN (SELECT id FROM users)`)
	require.NoError(t, err)

	var names []string
	for _, rv := range CollectTables(stmt.Root) {
		names = append(names, rv.Relname)
	}
	// "recent" appears as a reference; callers resolve it via CollectCTENames.
	assert.ElementsMatch(t, []string{"events", "recent", "users"}, names)
}

func TestCollectCTENames(t *testing.T) {
	stmt, err := Parse(`WITH a AS (SELECT 1), B AS (SELECT 2) SELECT * FROM a, b`)
	require.NoError(t, err)

	names := CollectCTENames(stmt.Root)
	assert.Contains(t, names, "a")
	assert.Contains(t, names, "b")
	assert.Len(t, names, 2)
}

func TestCollectFunctions_StripsSchemaQualification(t *testing.T) {
	stmt, err := Parse("SELECT pg_catalog.pg_sleep(10), count(*), UPPER(name) FROM t")
	require.NoError(t, err)

	fns := CollectFunctions(stmt.Root)
	assert.Contains(t, fns, "pg_sleep")
	assert.Contains(t, fns, "count")
	assert.Contains(t, fns, "upper")
}

func TestCollectColumns(t *testing.T) {
	stmt, err := Parse("SELECT t.org_id, name, * FROM t")
	require.NoError(t, err)

	cols := CollectColumns(stmt.Root)
	assert.Contains(t, cols, "t.org_id")
	assert.Contains(t, cols, "name")
	assert.Contains(t, cols, "*")
}

func TestCountJoins(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want int
	}{
		{"no joins", "SELECT * FROM a", 0},
		{"explicit join", "SELECT * FROM a JOIN b ON a.id = b.id", 1},
		{"two joins", "SELECT * FROM a JOIN b ON a.id = b.id JOIN c ON b.id = c.id", 2},
		{"comma join", "SELECT * FROM a, b", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, err := Parse(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.want, CountJoins(stmt.Root))
		})
	}
}

func TestCountNodes_Bounded(t *testing.T) {
	stmt, err := Parse("SELECT a, b, c FROM t WHERE a = 1 AND b = 2")
	require.NoError(t, err)

	count, exceeded := CountNodes(stmt.Root, 0)
	assert.False(t, exceeded)
	assert.Greater(t, count, 5)

	_, exceeded = CountNodes(stmt.Root, 3)
	assert.True(t, exceeded)
}

func TestFindMutations(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			name: "clean select",
			sql:  "SELECT * FROM t WHERE id = 1",
			want: nil,
		},
		{
			name: "delete in cte",
			sql:  "WITH gone AS (DELETE FROM audit_log RETURNING id) SELECT count(*) FROM gone",
			want: []string{"DELETE"},
		},
		{
			name: "top level insert",
			sql:  "INSERT INTO t (a) SELECT b FROM s",
			want: []string{"INSERT"},
		},
		{
			name: "update in cte under select",
			sql:  "WITH u AS (UPDATE t SET a = 1 RETURNING id) SELECT * FROM u",
			want: []string{"UPDATE"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, err := Parse(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.want, FindMutations(stmt.Root))
		})
	}
}

func TestTraverse_Stop(t *testing.T) {
	stmt, err := Parse("SELECT * FROM a WHERE id IN (SELECT id FROM b)")
	require.NoError(t, err)

	visits := 0
	completed := Traverse(stmt.Root.ProtoReflect(), func(m protoreflect.Message) Action {
		visits++
		return Stop
	})
	assert.False(t, completed)
	assert.Equal(t, 1, visits)
}

func TestTraverse_SkipChildren(t *testing.T) {
	stmt, err := Parse("SELECT * FROM a WHERE id IN (SELECT id FROM b)")
	require.NoError(t, err)

	// Skipping the sublink's subtree hides table b but not table a.
	var tables []string
	Traverse(stmt.Root.ProtoReflect(), func(m protoreflect.Message) Action {
		switch v := m.Interface().(type) {
		case *pg_query.SubLink:
			return SkipChildren
		case *pg_query.RangeVar:
			tables = append(tables, v.Relname)
		}
		return Continue
	})
	assert.Equal(t, []string{"a"}, tables)
}
