// Package enforcement decides, per statement, how tenant isolation is
// applied before execution. The decision space is closed: every evaluation
// ends in exactly one outcome, rejections carry a bounded reason code, and
// anything the engine cannot prove safe is rejected rather than passed
// through.
package enforcement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sqlgate-io/sqlgate/pkg/adapters/datasource"
	"github.com/sqlgate-io/sqlgate/pkg/apperrors"
	"github.com/sqlgate-io/sqlgate/pkg/audit"
	"github.com/sqlgate-io/sqlgate/pkg/rewrite"
	"github.com/sqlgate-io/sqlgate/pkg/rowpolicy"
	"github.com/sqlgate-io/sqlgate/pkg/sqlast"
)

// Mode selects the isolation mechanism for a provider.
type Mode string

const (
	// ModeSQLRewrite injects tenant predicates into the statement text.
	ModeSQLRewrite Mode = "sql_rewrite"
	// ModeRLSSession sets a per-session tenant variable and relies on the
	// database's row-level security policies.
	ModeRLSSession Mode = "rls_session"
	// ModeNone disables enforcement. Statements touching governed tables
	// are rejected, not waved through.
	ModeNone Mode = "none"
)

// Outcome is the terminal state of one evaluation.
type Outcome string

const (
	OutcomeApplied             Outcome = "APPLIED"
	OutcomeSkippedNotRequired  Outcome = "SKIPPED_NOT_REQUIRED"
	OutcomeRejectedDisabled    Outcome = "REJECTED_DISABLED"
	OutcomeRejectedTimeout     Outcome = "REJECTED_TIMEOUT"
	OutcomeRejectedLimit       Outcome = "REJECTED_LIMIT"
	OutcomeRejectedUnsupported Outcome = "REJECTED_UNSUPPORTED"
)

// Reason refines a rejection. The set is closed so telemetry stays
// low-cardinality.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonTargetLimit         Reason = "TARGET_LIMIT_EXCEEDED"
	ReasonParamLimit          Reason = "PARAM_LIMIT_EXCEEDED"
	ReasonASTComplexity       Reason = "AST_COMPLEXITY_EXCEEDED"
	ReasonSubqueryUnsupported Reason = "SUBQUERY_UNSUPPORTED"
	ReasonMissingTenantColumn Reason = "MISSING_TENANT_COLUMN"
	ReasonCompletenessFailed  Reason = "COMPLETENESS_FAILED"
	ReasonProviderUnsupported Reason = "PROVIDER_UNSUPPORTED"
	ReasonParseError          Reason = "PARSE_ERROR"
)

// Limits bounds the work one evaluation may do. Zero fields take defaults.
type Limits struct {
	MaxTargets    int
	MaxParams     int
	MaxASTNodes   int
	HardTimeout   time.Duration
	WarnThreshold time.Duration
}

const (
	DefaultHardTimeout   = 200 * time.Millisecond
	DefaultWarnThreshold = 50 * time.Millisecond
)

func (l Limits) withDefaults() Limits {
	if l.MaxTargets <= 0 {
		l.MaxTargets = rewrite.DefaultMaxTargets
	}
	if l.MaxParams <= 0 {
		l.MaxParams = rewrite.DefaultMaxParams
	}
	if l.MaxASTNodes <= 0 {
		l.MaxASTNodes = rewrite.DefaultMaxNodes
	}
	if l.HardTimeout <= 0 {
		l.HardTimeout = DefaultHardTimeout
	}
	if l.WarnThreshold <= 0 {
		l.WarnThreshold = DefaultWarnThreshold
	}
	return l
}

// Config holds the per-provider enforcement settings.
type Config struct {
	Mode     Mode
	Simulate bool
	Limits   Limits
}

// Request is one statement to evaluate.
type Request struct {
	SQL      string
	TenantID any
	Provider datasource.Capability
}

// Decision is the full record of one evaluation. ExecutableSQL and Params
// are what the executor must run; in simulate mode they carry the original
// statement while Outcome and Reason record what enforcement would have
// decided.
type Decision struct {
	QueryID         uuid.UUID
	Outcome         Outcome
	Reason          Reason
	ExecutableSQL   string
	Params          []any
	SessionSettings map[string]string
	PredicatesAdded int
	// WouldApplyRewrite reports that statement rewriting succeeded. In
	// simulate mode it is the signal shadow-rollout consumers compare
	// against live behavior, since ExecutableSQL stays untouched there.
	WouldApplyRewrite bool
	Simulated         bool
	Diagnostic      string
	Elapsed         time.Duration
}

// Allowed reports whether the executor may proceed. Simulated decisions
// always proceed with the original statement; the read-only guard still
// stands between them and the connection.
func (d Decision) Allowed() bool {
	if d.Simulated {
		return true
	}
	return d.Outcome == OutcomeApplied || d.Outcome == OutcomeSkippedNotRequired
}

// BoundedReasonCode renders the decision as a low-cardinality telemetry
// token, e.g. tenant_rewrite_failure_parse_error. Empty when there is no
// rejection reason.
func (d Decision) BoundedReasonCode() string {
	if d.Reason == ReasonNone {
		return ""
	}
	return "tenant_rewrite_failure_" + strings.ToLower(string(d.Reason))
}

// TenantEnforcementPolicy evaluates statements against the configured mode
// for one provider.
type TenantEnforcementPolicy struct {
	cfg     Config
	store   *rowpolicy.Store
	logger  *zap.Logger
	auditor *audit.SecurityAuditor
}

// NewTenantEnforcementPolicy validates the configuration eagerly. An
// unknown mode, inverted thresholds, or a mode the provider capability
// record cannot honor is a construction error, not a per-request surprise.
func NewTenantEnforcementPolicy(cfg Config, provider datasource.Capability, store *rowpolicy.Store, logger *zap.Logger, auditor *audit.SecurityAuditor) (*TenantEnforcementPolicy, error) {
	switch cfg.Mode {
	case ModeSQLRewrite, ModeRLSSession, ModeNone:
	default:
		return nil, &apperrors.ConfigurationError{
			Field:  "enforcement.mode",
			Reason: fmt.Sprintf("unknown mode %q", cfg.Mode),
		}
	}
	cfg.Limits = cfg.Limits.withDefaults()
	if cfg.Limits.WarnThreshold > cfg.Limits.HardTimeout {
		return nil, &apperrors.ConfigurationError{
			Field:  "enforcement.limits",
			Reason: "warn threshold exceeds hard timeout",
		}
	}
	if cfg.Mode == ModeSQLRewrite && !provider.SupportsTenantRewrite {
		return nil, fmt.Errorf("%w: %s cannot apply sql_rewrite", apperrors.ErrProviderUnsupported, provider.Type)
	}
	if cfg.Mode == ModeRLSSession && !provider.SupportsRestrictedSession {
		return nil, fmt.Errorf("%w: %s cannot apply rls_session", apperrors.ErrProviderUnsupported, provider.Type)
	}
	return &TenantEnforcementPolicy{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		auditor: auditor,
	}, nil
}

// Evaluate renders one decision. It never returns an error: every failure
// path is a rejection outcome, keeping the decision space closed and the
// fail-closed guarantee in one place.
func (p *TenantEnforcementPolicy) Evaluate(ctx context.Context, req Request) Decision {
	start := time.Now()
	d := Decision{
		QueryID:       uuid.New(),
		ExecutableSQL: req.SQL,
		Simulated:     p.cfg.Simulate,
	}

	policies := p.store.GetPolicies(ctx)
	d = p.decide(req, policies, start, d)
	d.Elapsed = time.Since(start)

	// The hard timeout is checked on the monotonic clock after the fact as
	// well: a decision that took too long is not trusted even if every
	// internal deadline check happened to pass.
	if d.Outcome == OutcomeApplied && d.Elapsed > p.cfg.Limits.HardTimeout {
		d = p.reject(d, OutcomeRejectedTimeout, ReasonNone, "evaluation exceeded hard time budget")
	}
	if d.Elapsed > p.cfg.Limits.WarnThreshold && p.logger != nil {
		p.logger.Warn("tenant enforcement evaluation was slow",
			zap.Duration("elapsed", d.Elapsed),
			zap.Duration("warn_threshold", p.cfg.Limits.WarnThreshold),
			zap.String("outcome", string(d.Outcome)))
	}

	p.record(req, d)
	return d
}

func (p *TenantEnforcementPolicy) decide(req Request, policies map[string]rowpolicy.Definition, start time.Time, d Decision) Decision {
	stmt, err := sqlast.Parse(req.SQL)
	if err != nil {
		return p.reject(d, OutcomeRejectedUnsupported, ReasonParseError, err.Error())
	}

	if !rewrite.RequiresRewrite(stmt, policies) {
		d.Outcome = OutcomeSkippedNotRequired
		return d
	}

	switch p.cfg.Mode {
	case ModeNone:
		return p.reject(d, OutcomeRejectedDisabled, ReasonNone,
			"statement references governed tables but enforcement is disabled")

	case ModeRLSSession:
		if !req.Provider.SupportsRestrictedSession {
			return p.reject(d, OutcomeRejectedUnsupported, ReasonProviderUnsupported,
				fmt.Sprintf("provider %s does not support restricted sessions", req.Provider.Type))
		}
		d.Outcome = OutcomeApplied
		d.SessionSettings = map[string]string{"app.tenant_id": fmt.Sprint(req.TenantID)}
		return d

	case ModeSQLRewrite:
		if !req.Provider.SupportsTenantRewrite {
			return p.reject(d, OutcomeRejectedUnsupported, ReasonProviderUnsupported,
				fmt.Sprintf("provider %s does not support statement rewriting", req.Provider.Type))
		}
		attempt := rewrite.Rewrite(req.SQL, policies, req.TenantID, rewrite.Budget{
			MaxTargets: p.cfg.Limits.MaxTargets,
			MaxParams:  p.cfg.Limits.MaxParams,
			MaxNodes:   p.cfg.Limits.MaxASTNodes,
			Deadline:   start.Add(p.cfg.Limits.HardTimeout),
		})
		if attempt.Failed() {
			outcome, reason := mapFailure(attempt.Failure)
			return p.reject(d, outcome, reason, attempt.Diagnostic)
		}
		d.Outcome = OutcomeApplied
		d.PredicatesAdded = attempt.PredicatesAdded
		d.WouldApplyRewrite = true
		if !p.cfg.Simulate {
			d.ExecutableSQL = attempt.RewrittenSQL
			d.Params = attempt.BoundParams
		}
		return d
	}

	return p.reject(d, OutcomeRejectedDisabled, ReasonNone, "no enforcement mode configured")
}

// reject finalizes a rejection. In simulate mode the outcome and reason
// are preserved for telemetry parity while the original statement stays
// executable.
func (p *TenantEnforcementPolicy) reject(d Decision, outcome Outcome, reason Reason, diagnostic string) Decision {
	d.Outcome = outcome
	d.Reason = reason
	d.Diagnostic = diagnostic
	d.Params = nil
	d.SessionSettings = nil
	d.PredicatesAdded = 0
	d.WouldApplyRewrite = false
	if !p.cfg.Simulate {
		d.ExecutableSQL = ""
	}
	return d
}

func mapFailure(kind rewrite.FailureKind) (Outcome, Reason) {
	switch kind {
	case rewrite.FailureParse:
		return OutcomeRejectedUnsupported, ReasonParseError
	case rewrite.FailureUnsupported:
		return OutcomeRejectedUnsupported, ReasonSubqueryUnsupported
	case rewrite.FailureMissingTenantColumn:
		return OutcomeRejectedUnsupported, ReasonMissingTenantColumn
	case rewrite.FailureNoPredicates:
		return OutcomeRejectedUnsupported, ReasonCompletenessFailed
	case rewrite.FailureTargetLimit:
		return OutcomeRejectedLimit, ReasonTargetLimit
	case rewrite.FailureParamLimit:
		return OutcomeRejectedLimit, ReasonParamLimit
	case rewrite.FailureComplexity:
		return OutcomeRejectedLimit, ReasonASTComplexity
	case rewrite.FailureTimeout:
		return OutcomeRejectedTimeout, ReasonNone
	default:
		return OutcomeRejectedUnsupported, ReasonSubqueryUnsupported
	}
}

func (p *TenantEnforcementPolicy) record(req Request, d Decision) {
	if p.auditor != nil {
		p.auditor.LogEnforcementDecision(fmt.Sprint(req.TenantID), d.QueryID, audit.EnforcementDetails{
			Outcome:         string(d.Outcome),
			Reason:          d.BoundedReasonCode(),
			Mode:            string(p.cfg.Mode),
			Simulated:       d.Simulated,
			PredicatesAdded: d.PredicatesAdded,
		})
	}
	if p.logger == nil {
		return
	}
	// Telemetry carries only bounded attributes, never statement text.
	fields := []zap.Field{
		zap.String("query_id", d.QueryID.String()),
		zap.String("outcome", string(d.Outcome)),
		zap.String("mode", string(p.cfg.Mode)),
		zap.String("provider", req.Provider.Type),
		zap.Bool("simulated", d.Simulated),
		zap.Int("predicates_added", d.PredicatesAdded),
		zap.Duration("elapsed", d.Elapsed),
	}
	if code := d.BoundedReasonCode(); code != "" {
		fields = append(fields, zap.String("bounded_reason_code", code))
	}
	p.logger.Debug("tenant enforcement decision", fields...)
}
