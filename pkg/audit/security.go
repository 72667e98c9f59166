// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy
// parsing and integration with security information and event management
// systems.
package audit

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sqlgate-io/sqlgate/pkg/logging"
)

// SecurityEventType categorizes security-relevant events for filtering and
// alerting.
type SecurityEventType string

const (
	// EventSQLInjectionAttempt is logged when libinjection detects SQL
	// injection patterns in a parameter value.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventPolicyViolation is logged when a statement is rejected by
	// validation or policy enforcement.
	EventPolicyViolation SecurityEventType = "policy_violation"
	// EventMutationBlocked is logged when the read-only guard refuses a
	// statement at the execution boundary.
	EventMutationBlocked SecurityEventType = "mutation_blocked"
	// EventTenantEnforcement is logged for every tenant enforcement
	// decision. High volume; severity tracks the outcome.
	EventTenantEnforcement SecurityEventType = "tenant_enforcement"
)

// SecurityEvent is one auditable event with the context a SIEM needs.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	TenantID  string            `json:"tenant_id,omitempty"`
	QueryID   uuid.UUID         `json:"query_id,omitempty"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// SQLInjectionDetails contains specifics of a detected injection attempt.
type SQLInjectionDetails struct {
	ParamName   string `json:"param_name"`
	ParamValue  string `json:"param_value"`
	Fingerprint string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
}

// ViolationDetails describes a rejected statement. Query text is sanitized
// and truncated before it lands here.
type ViolationDetails struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Query   string `json:"query"`
}

// EnforcementDetails records one tenant enforcement decision.
type EnforcementDetails struct {
	Outcome         string `json:"outcome"`
	Reason          string `json:"reason,omitempty"`
	Mode            string `json:"mode"`
	Simulated       bool   `json:"simulated"`
	PredicatesAdded int    `json:"predicates_added"`
}

// SecurityAuditor logs security events for SIEM consumption.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates an auditor with a dedicated logger namespace
// so SIEM pipelines can filter on "security_audit".
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogInjectionAttempt records a detected injection attempt. Logged at ERROR
// with "critical" severity for immediate alerting.
func (a *SecurityAuditor) LogInjectionAttempt(tenantID string, queryID uuid.UUID, details SQLInjectionDetails) {
	details.ParamValue = logging.TruncateString(details.ParamValue, logging.MaxQueryLogLength)
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventSQLInjectionAttempt,
		TenantID:  tenantID,
		QueryID:   queryID,
		Details:   details,
		Severity:  "critical",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", string(eventJSON)),
		zap.String("tenant_id", tenantID),
		zap.String("query_id", queryID.String()),
		zap.String("param_name", details.ParamName),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("severity", "critical"),
	)
}

// LogPolicyViolation records a statement rejected by validation or policy
// enforcement. Logged at WARN; most violations are agent mistakes, not
// attacks.
func (a *SecurityAuditor) LogPolicyViolation(tenantID string, queryID uuid.UUID, details ViolationDetails) {
	details.Query = logging.SanitizeQuery(details.Query)
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventPolicyViolation,
		TenantID:  tenantID,
		QueryID:   queryID,
		Details:   details,
		Severity:  "warning",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("Statement rejected by policy",
		zap.String("event_json", string(eventJSON)),
		zap.String("tenant_id", tenantID),
		zap.String("query_id", queryID.String()),
		zap.String("violation_kind", details.Kind),
		zap.String("severity", "warning"),
	)
}

// LogMutationBlocked records a statement the read-only guard stopped at the
// execution boundary. A mutation reaching the guard means every upstream
// layer missed it, so this logs at ERROR with "critical" severity.
func (a *SecurityAuditor) LogMutationBlocked(tenantID string, queryID uuid.UUID, query, reason string) {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventMutationBlocked,
		TenantID:  tenantID,
		QueryID:   queryID,
		Details: map[string]string{
			"query":  logging.SanitizeQuery(query),
			"reason": reason,
		},
		Severity: "critical",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("Mutation blocked at execution boundary",
		zap.String("event_json", string(eventJSON)),
		zap.String("tenant_id", tenantID),
		zap.String("query_id", queryID.String()),
		zap.String("reason", reason),
		zap.String("severity", "critical"),
	)
}

// LogEnforcementDecision records a tenant enforcement outcome. Applied and
// skipped decisions log at INFO, rejections at WARN.
func (a *SecurityAuditor) LogEnforcementDecision(tenantID string, queryID uuid.UUID, details EnforcementDetails) {
	severity := "info"
	if strings.HasPrefix(details.Outcome, "REJECTED") {
		severity = "warning"
	}
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventTenantEnforcement,
		TenantID:  tenantID,
		QueryID:   queryID,
		Details:   details,
		Severity:  severity,
	}
	eventJSON, _ := json.Marshal(event)

	fields := []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("tenant_id", tenantID),
		zap.String("query_id", queryID.String()),
		zap.String("outcome", details.Outcome),
		zap.String("reason", details.Reason),
		zap.Bool("simulated", details.Simulated),
		zap.String("severity", severity),
	}
	if severity == "warning" {
		a.logger.Warn("Tenant enforcement rejected statement", fields...)
		return
	}
	a.logger.Info("Tenant enforcement decision", fields...)
}
