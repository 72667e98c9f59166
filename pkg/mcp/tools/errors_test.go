package tools

import (
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeErrorResult(t *testing.T, result *mcp.CallToolResult) ErrorResponse {
	t.Helper()
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(text.Text), &resp))
	return resp
}

func TestNewErrorResult(t *testing.T) {
	result := NewErrorResult("validation_failed", "statement was rejected")
	assert.True(t, result.IsError)

	resp := decodeErrorResult(t, result)
	assert.True(t, resp.Error)
	assert.Equal(t, "validation_failed", resp.Code)
	assert.Equal(t, "statement was rejected", resp.Message)
	assert.Nil(t, resp.Details)
}

func TestNewErrorResultWithDetails(t *testing.T) {
	details := map[string]any{
		"outcome":             "REJECTED_UNSUPPORTED",
		"bounded_reason_code": "tenant_rewrite_failure_subquery_unsupported",
	}
	result := NewErrorResultWithDetails("enforcement_rejected", "statement cannot be scoped", details)
	assert.True(t, result.IsError)

	resp := decodeErrorResult(t, result)
	assert.Equal(t, "enforcement_rejected", resp.Code)
	require.NotNil(t, resp.Details)

	got, ok := resp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "REJECTED_UNSUPPORTED", got["outcome"])
}
