//go:build postgres || all_adapters

package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapWithLimit(t *testing.T) {
	tests := []struct {
		name  string
		sql   string
		limit int
		want  string
	}{
		{
			name:  "plain select with explicit limit",
			sql:   "SELECT * FROM customers",
			limit: 50,
			want:  "SELECT * FROM (SELECT * FROM customers) AS _limited LIMIT 50",
		},
		{
			name:  "zero limit clamps to the maximum",
			sql:   "SELECT id FROM customers",
			limit: 0,
			want:  "SELECT * FROM (SELECT id FROM customers) AS _limited LIMIT 1000",
		},
		{
			name:  "trailing semicolon is stripped before embedding",
			sql:   "SELECT * FROM public_table;",
			limit: 0,
			want:  "SELECT * FROM (SELECT * FROM public_table) AS _limited LIMIT 1000",
		},
		{
			name:  "trailing semicolon with whitespace",
			sql:   "SELECT * FROM public_table ;\n",
			limit: 25,
			want:  "SELECT * FROM (SELECT * FROM public_table) AS _limited LIMIT 25",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, wrapWithLimit(tt.sql, tt.limit))
		})
	}
}
