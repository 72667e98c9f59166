package datasource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrimStatement(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{"no terminator", "SELECT 1", "SELECT 1"},
		{"trailing semicolon", "SELECT * FROM public_table;", "SELECT * FROM public_table"},
		{"semicolon then whitespace", "SELECT 1 ; \n", "SELECT 1"},
		{"multiple terminators", "SELECT 1;;", "SELECT 1"},
		{"interior semicolon untouched", "SELECT ';' AS s", "SELECT ';' AS s"},
		{"surrounding whitespace", "  SELECT 1  ", "SELECT 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TrimStatement(tt.sql))
		})
	}
}
