package sqlcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckParameterForInjection(t *testing.T) {
	tests := []struct {
		name  string
		value any
		sqli  bool
	}{
		{"classic or 1=1", "' OR '1'='1", true},
		{"union select", "1 UNION SELECT username, password FROM users--", true},
		{"comment termination", "admin'--", true},
		{"plain string", "Alice O'Brien", false},
		{"plain uuid", "7b3f7b1e-65a5-4fca-a2f4-7c2b1d1f9a10", false},
		{"integer is not checked", 42, false},
		{"bool is not checked", true, false},
		{"nil is not checked", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckParameterForInjection("p", tt.value)
			if !tt.sqli {
				assert.Nil(t, result)
				return
			}
			require.NotNil(t, result)
			assert.True(t, result.IsSQLi)
			assert.NotEmpty(t, result.Fingerprint)
			assert.Equal(t, "p", result.ParamName)
			assert.Equal(t, tt.value, result.ParamValue)
		})
	}
}

func TestCheckAllParameters(t *testing.T) {
	results := CheckAllParameters(map[string]any{
		"tenant_id": "t-1",
		"limit":     50,
		"filter":    "' OR '1'='1",
	})
	require.Len(t, results, 1)
	assert.Equal(t, "filter", results[0].ParamName)

	assert.Empty(t, CheckAllParameters(map[string]any{"a": "clean", "b": 7}))
	assert.Empty(t, CheckAllParameters(nil))
}
