// Package tools provides the MCP tool implementations for sqlgate: SQL
// evaluation and guarded execution against a governed datasource.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/sqlgate-io/sqlgate/pkg/adapters/datasource"
	"github.com/sqlgate-io/sqlgate/pkg/audit"
	"github.com/sqlgate-io/sqlgate/pkg/enforcement"
	"github.com/sqlgate-io/sqlgate/pkg/logging"
	"github.com/sqlgate-io/sqlgate/pkg/policy"
	"github.com/sqlgate-io/sqlgate/pkg/sqlcheck"
	"github.com/sqlgate-io/sqlgate/pkg/validation"
)

// QueryToolDeps holds the pipeline dependencies shared by the query tools.
type QueryToolDeps struct {
	Validator    *validation.Validator
	Enforcer     *policy.Enforcer
	Enforcement  *enforcement.TenantEnforcementPolicy
	Executor     datasource.QueryExecutor
	Provider     datasource.Capability
	Auditor      *audit.SecurityAuditor
	Logger       *zap.Logger
	ScreenParams bool
}

// RegisterQueryTools registers evaluate_sql and guarded_query.
func RegisterQueryTools(s *server.MCPServer, deps *QueryToolDeps) {
	registerEvaluateSQLTool(s, deps)
	registerGuardedQueryTool(s, deps)
}

type evaluateResult struct {
	IsValid    bool                   `json:"is_valid"`
	Violations []validation.Violation `json:"violations,omitempty"`
	Metadata   *validation.Metadata   `json:"metadata,omitempty"`
	ParsedSQL  string                 `json:"parsed_sql,omitempty"`
}

// registerEvaluateSQLTool - validates a statement against structural rules
// and policy without executing it.
func registerEvaluateSQLTool(s *server.MCPServer, deps *QueryToolDeps) {
	tool := mcp.NewTool(
		"evaluate_sql",
		mcp.WithDescription(
			"Validate a SQL statement without executing it. Checks that the statement "+
				"is a single read-only query, references only allowed tables and functions, "+
				"and reports structural metadata (table lineage, join complexity). "+
				"Use guarded_query to actually run a statement.",
		),
		mcp.WithString(
			"sql",
			mcp.Required(),
			mcp.Description("The SQL statement to validate"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sqlText, err := req.RequireString("sql")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}

		result := deps.Validator.Validate(sqlText)
		out := evaluateResult{
			IsValid:    result.IsValid,
			Violations: result.Violations,
			Metadata:   result.Metadata,
			ParsedSQL:  result.ParsedSQL,
		}

		if result.IsValid {
			if err := deps.Enforcer.ValidateStatement(ctx, result.Statement); err != nil {
				var verr *policy.ViolationError
				if errors.As(err, &verr) {
					out.IsValid = false
					out.Violations = append(out.Violations, verr.Violation)
				} else {
					return nil, fmt.Errorf("policy check failed: %w", err)
				}
			}
		}

		jsonResult, _ := json.Marshal(out)
		return mcp.NewToolResultText(string(jsonResult)), nil
	})
}

type guardedQueryResult struct {
	Columns     []datasource.ColumnInfo `json:"columns"`
	Rows        []map[string]any        `json:"rows"`
	RowCount    int                     `json:"row_count"`
	Enforcement enforcementSummary      `json:"enforcement"`
}

type enforcementSummary struct {
	Outcome           string `json:"outcome"`
	PredicatesAdded   int    `json:"predicates_added"`
	WouldApplyRewrite bool   `json:"would_apply_rewrite"`
	Simulated         bool   `json:"simulated"`
}

// registerGuardedQueryTool - runs a statement through the full safety
// pipeline: parameter screening, validation, policy, tenant enforcement,
// and guarded execution.
func registerGuardedQueryTool(s *server.MCPServer, deps *QueryToolDeps) {
	tool := mcp.NewTool(
		"guarded_query",
		mcp.WithDescription(
			"Execute a read-only SQL query against the governed datasource. The statement "+
				"is validated, checked against table and function policy, automatically scoped "+
				"to the calling tenant's rows, and executed with a row limit. Mutations are "+
				"always rejected.",
		),
		mcp.WithString(
			"sql",
			mcp.Required(),
			mcp.Description("The SELECT statement to execute. Positional placeholders ($1, $2) may reference entries in params."),
		),
		mcp.WithString(
			"tenant_id",
			mcp.Required(),
			mcp.Description("Tenant whose rows the query is scoped to"),
		),
		mcp.WithArray(
			"params",
			mcp.Description("Optional positional parameter values for $1, $2, ..."),
		),
		mcp.WithNumber(
			"limit",
			mcp.Description("Maximum rows to return (capped at 1000)"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sqlText, err := req.RequireString("sql")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		tenantID, err := req.RequireString("tenant_id")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}

		var params []any
		limit := 0
		if args, ok := req.Params.Arguments.(map[string]any); ok {
			if rawParams, ok := args["params"].([]any); ok {
				params = rawParams
			}
			if rawLimit, ok := args["limit"].(float64); ok {
				limit = int(rawLimit)
			}
		}

		queryID := uuid.New()

		// Parameter screening runs first: an injection payload in a bound
		// value is an attack signal even though binding would neutralize it.
		if deps.ScreenParams {
			for i, value := range params {
				name := fmt.Sprintf("$%d", i+1)
				if hit := sqlcheck.CheckParameterForInjection(name, value); hit != nil {
					deps.Auditor.LogInjectionAttempt(tenantID, queryID, audit.SQLInjectionDetails{
						ParamName:   hit.ParamName,
						ParamValue:  fmt.Sprint(hit.ParamValue),
						Fingerprint: hit.Fingerprint,
					})
					return NewErrorResult("injection_detected",
						fmt.Sprintf("parameter %s matched a SQL injection fingerprint", name)), nil
				}
			}
		}

		result := deps.Validator.Validate(sqlText)
		if !result.IsValid {
			first := result.Violations[0]
			deps.Auditor.LogPolicyViolation(tenantID, queryID, audit.ViolationDetails{
				Kind:    string(first.Kind),
				Message: first.Message,
				Query:   sqlText,
			})
			return NewErrorResultWithDetails("validation_failed", first.Message,
				map[string]any{"violations": result.Violations}), nil
		}

		if err := deps.Enforcer.ValidateStatement(ctx, result.Statement); err != nil {
			var verr *policy.ViolationError
			if errors.As(err, &verr) {
				deps.Auditor.LogPolicyViolation(tenantID, queryID, audit.ViolationDetails{
					Kind:    string(verr.Violation.Kind),
					Message: verr.Violation.Message,
					Query:   sqlText,
				})
				return NewErrorResult("policy_violation", verr.Violation.Message), nil
			}
			return nil, fmt.Errorf("policy check failed: %w", err)
		}

		decision := deps.Enforcement.Evaluate(ctx, enforcement.Request{
			SQL:      sqlText,
			TenantID: tenantID,
			Provider: deps.Provider,
		})
		if !decision.Allowed() {
			return NewErrorResultWithDetails("enforcement_rejected",
				fmt.Sprintf("tenant enforcement rejected the statement: %s", decision.Outcome),
				map[string]any{
					"outcome":             string(decision.Outcome),
					"bounded_reason_code": decision.BoundedReasonCode(),
				}), nil
		}

		execParams := append(append([]any{}, params...), decision.Params...)
		var execResult *datasource.QueryExecutionResult
		if len(decision.SessionSettings) > 0 {
			execResult, err = deps.Executor.QueryWithSession(ctx, decision.ExecutableSQL, execParams, decision.SessionSettings, limit)
		} else {
			execResult, err = deps.Executor.QueryWithParams(ctx, decision.ExecutableSQL, execParams, limit)
		}
		if err != nil {
			msg := logging.SanitizeError(err)
			deps.Logger.Warn("guarded query execution failed",
				zap.String("query_id", queryID.String()),
				zap.String("error", msg))
			return NewErrorResult("execution_failed", msg), nil
		}

		out := guardedQueryResult{
			Columns:  execResult.Columns,
			Rows:     execResult.Rows,
			RowCount: execResult.RowCount,
			Enforcement: enforcementSummary{
				Outcome:           string(decision.Outcome),
				PredicatesAdded:   decision.PredicatesAdded,
				WouldApplyRewrite: decision.WouldApplyRewrite,
				Simulated:         decision.Simulated,
			},
		}
		jsonResult, _ := json.Marshal(out)
		return mcp.NewToolResultText(string(jsonResult)), nil
	})
}
