package audit

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedAuditor() (*SecurityAuditor, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return NewSecurityAuditor(zap.New(core)), logs
}

func eventFromEntry(t *testing.T, entry observer.LoggedEntry) SecurityEvent {
	t.Helper()
	var event SecurityEvent
	for _, f := range entry.Context {
		if f.Key == "event_json" {
			require.NoError(t, json.Unmarshal([]byte(f.String), &event))
			return event
		}
	}
	t.Fatal("entry has no event_json field")
	return event
}

func TestLogInjectionAttempt(t *testing.T) {
	auditor, logs := newObservedAuditor()
	queryID := uuid.New()

	auditor.LogInjectionAttempt("t-1", queryID, SQLInjectionDetails{
		ParamName:   "filter",
		ParamValue:  "' OR '1'='1",
		Fingerprint: "s&1c",
	})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, "security_audit", entry.LoggerName)

	event := eventFromEntry(t, entry)
	assert.Equal(t, EventSQLInjectionAttempt, event.EventType)
	assert.Equal(t, "critical", event.Severity)
	assert.Equal(t, "t-1", event.TenantID)
	assert.Equal(t, queryID, event.QueryID)
}

func TestLogPolicyViolation_SanitizesQuery(t *testing.T) {
	auditor, logs := newObservedAuditor()

	auditor.LogPolicyViolation("t-1", uuid.New(), ViolationDetails{
		Kind:    "FORBIDDEN_TABLE",
		Message: "Access to table 'pg_shadow' is not allowed.",
		Query:   "SELECT * FROM pg_shadow WHERE passwd = 'hunter2'",
	})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)

	event := eventFromEntry(t, entry)
	assert.Equal(t, EventPolicyViolation, event.EventType)
	raw, err := json.Marshal(event.Details)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
}

func TestLogMutationBlocked(t *testing.T) {
	auditor, logs := newObservedAuditor()

	auditor.LogMutationBlocked("t-1", uuid.New(), "DELETE FROM customers", "DELETE is not permitted")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)

	event := eventFromEntry(t, entry)
	assert.Equal(t, EventMutationBlocked, event.EventType)
	assert.Equal(t, "critical", event.Severity)
}

func TestLogEnforcementDecision_SeverityTracksOutcome(t *testing.T) {
	auditor, logs := newObservedAuditor()

	auditor.LogEnforcementDecision("t-1", uuid.New(), EnforcementDetails{
		Outcome: "APPLIED", Mode: "sql_rewrite", PredicatesAdded: 1,
	})
	auditor.LogEnforcementDecision("t-1", uuid.New(), EnforcementDetails{
		Outcome: "REJECTED_UNSUPPORTED", Reason: "tenant_rewrite_failure_subquery_unsupported", Mode: "sql_rewrite",
	})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)

	rejected := eventFromEntry(t, entries[1])
	assert.Equal(t, "warning", rejected.Severity)
	assert.Equal(t, EventTenantEnforcement, rejected.EventType)
}
