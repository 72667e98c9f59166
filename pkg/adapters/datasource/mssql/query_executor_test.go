//go:build sqlserver || all_adapters

package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapWithTop(t *testing.T) {
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
			want:  "SELECT TOP (50) * FROM (SELECT * FROM customers) AS _limited",
		},
		{
			name:  "zero limit clamps to the maximum",
			sql:   "SELECT id FROM customers",
			limit: 0,
			want:  "SELECT TOP (1000) * FROM (SELECT id FROM customers) AS _limited",
		},
		{
			name:  "trailing semicolon is stripped before embedding",
			sql:   "SELECT * FROM public_table;",
			limit: 0,
			want:  "SELECT TOP (1000) * FROM (SELECT * FROM public_table) AS _limited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, wrapWithTop(tt.sql, tt.limit))
		})
	}
}

func TestQuoteIdentifier(t *testing.T) {
	e := &QueryExecutor{}
	assert.Equal(t, "[orders]", e.QuoteIdentifier("orders"))
	assert.Equal(t, "[weird]]name]", e.QuoteIdentifier("weird]name"))
}
