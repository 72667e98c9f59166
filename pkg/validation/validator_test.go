package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(violations []Violation) []ViolationKind {
	out := make([]ViolationKind, len(violations))
	for i, v := range violations {
		out[i] = v.Kind
	}
	return out
}

func TestValidate_ChainingIsSyntaxError(t *testing.T) {
	v := NewValidator(Config{})

	result := v.Validate("SELECT 1; DROP TABLE users")
	require.False(t, result.IsValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, ViolationSyntaxError, result.Violations[0].Kind)
	assert.Contains(t, result.Violations[0].Message, "chaining")
}

func TestValidate_SyntaxError(t *testing.T) {
	v := NewValidator(Config{})

	result := v.Validate("SELEKT * FORM users")
	require.False(t, result.IsValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, ViolationSyntaxError, result.Violations[0].Kind)
}

func TestValidate_InvalidRoots(t *testing.T) {
	v := NewValidator(Config{})

	tests := []struct {
		name string
		sql  string
		want []ViolationKind
	}{
		{
			name: "insert",
			sql:  "INSERT INTO t (a) VALUES (1)",
			want: []ViolationKind{ViolationInvalidRoot},
		},
		{
			name: "update",
			sql:  "UPDATE t SET a = 1",
			want: []ViolationKind{ViolationInvalidRoot},
		},
		{
			name: "denied command root is also forbidden",
			sql:  "TRUNCATE audit_log",
			want: []ViolationKind{ViolationInvalidRoot, ViolationForbiddenCommand},
		},
		{
			name: "set is denied",
			sql:  "SET search_path = public",
			want: []ViolationKind{ViolationInvalidRoot, ViolationForbiddenCommand},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(tt.sql)
			require.False(t, result.IsValid)
			assert.Equal(t, tt.want, kinds(result.Violations))
		})
	}
}

func TestValidate_NestedMutationIsForbiddenCommand(t *testing.T) {
	v := NewValidator(Config{})

	result := v.Validate("WITH gone AS (DELETE FROM audit_log RETURNING id) SELECT count(*) FROM gone")
	require.False(t, result.IsValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, ViolationForbiddenCommand, result.Violations[0].Kind)
	assert.Contains(t, result.Violations[0].Message, "DELETE")
}

func TestValidate_SensitiveColumns(t *testing.T) {
	v := NewValidator(Config{SensitiveColumns: []string{"ssn", "password_hash"}})

	result := v.Validate("SELECT name, u.ssn FROM users u")
	require.False(t, result.IsValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, ViolationSensitiveColumn, result.Violations[0].Kind)
	assert.Contains(t, result.Violations[0].Message, "ssn")

	// Clean query passes.
	assert.True(t, v.Validate("SELECT name FROM users").IsValid)
}

func TestValidate_CrossSchema(t *testing.T) {
	v := NewValidator(Config{AllowedSchemas: []string{"public", "analytics"}})

	result := v.Validate("SELECT * FROM internal.secrets")
	require.False(t, result.IsValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, ViolationCrossSchema, result.Violations[0].Kind)

	assert.True(t, v.Validate("SELECT * FROM analytics.events").IsValid)
	assert.True(t, v.Validate("SELECT * FROM events").IsValid)
}

func TestValidate_SetOperationRootIsValid(t *testing.T) {
	v := NewValidator(Config{})

	result := v.Validate("SELECT id FROM a UNION ALL SELECT id FROM b")
	assert.True(t, result.IsValid)
}

func TestValidate_Metadata(t *testing.T) {
	v := NewValidator(Config{})

	result := v.Validate(`WITH recent AS (SELECT * FROM events)
		SELECT r.user_id FROM recent r JOIN customers c ON c.id = r.user_id`)
	require.True(t, result.IsValid)
	require.NotNil(t, result.Metadata)

	// CTE alias resolved out of lineage; entities singularized.
	assert.Equal(t, []string{"customers", "events"}, result.Metadata.TableLineage)
	assert.Equal(t, []string{"customer", "event"}, result.Metadata.EntityNames)
	assert.Equal(t, 1, result.Metadata.JoinComplexity)
	assert.NotEmpty(t, result.ParsedSQL)
	assert.NotNil(t, result.Statement)
}

func TestValidate_MetadataDeduplicatesLineage(t *testing.T) {
	v := NewValidator(Config{})

	result := v.Validate("SELECT * FROM orders o1, orders o2 WHERE o1.id = o2.parent_id")
	require.True(t, result.IsValid)
	assert.Equal(t, []string{"orders"}, result.Metadata.TableLineage)
}

func TestValidate_CustomDeniedCommands(t *testing.T) {
	v := NewValidator(Config{DeniedCommands: []string{"VACUUM"}})

	result := v.Validate("TRUNCATE t")
	// TRUNCATE is still an invalid root, but not in the custom denylist.
	assert.Equal(t, []ViolationKind{ViolationInvalidRoot}, kinds(result.Violations))

	result = v.Validate("VACUUM t")
	assert.Equal(t, []ViolationKind{ViolationInvalidRoot, ViolationForbiddenCommand}, kinds(result.Violations))
}
