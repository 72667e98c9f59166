// Package policy enforces table allowlists and function blocklists against
// parsed SQL. The enforcer only validates; it never mutates a query.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sqlgate-io/sqlgate/pkg/logging"
	"github.com/sqlgate-io/sqlgate/pkg/sqlast"
	"github.com/sqlgate-io/sqlgate/pkg/validation"
)

// DefaultAllowlistTTL is how long the introspected table allowlist is
// trusted before a refresh.
const DefaultAllowlistTTL = 5 * time.Minute

// SchemaSource lists the tables a datasource exposes. Implementations run
// a single read-only introspection query.
type SchemaSource interface {
	ListTables(ctx context.Context) ([]string, error)
}

// ViolationError wraps a validation.Violation as an error so callers can
// branch on kind without string matching.
type ViolationError struct {
	Violation validation.Violation
}

func (e *ViolationError) Error() string { return e.Violation.Message }

// DefaultBlockedFunctions covers file-system access, session introspection,
// sleep-style denial of service, and server-side link functions.
var DefaultBlockedFunctions = []string{
	"pg_read_file", "pg_read_binary_file", "pg_ls_dir", "pg_ls_logdir",
	"pg_ls_waldir", "pg_stat_file", "pg_logdir_ls",
	"pg_sleep", "pg_sleep_for", "pg_sleep_until",
	"pg_terminate_backend", "pg_cancel_backend", "pg_reload_conf",
	"pg_rotate_logfile", "pg_backend_pid",
	"lo_import", "lo_export",
	"dblink", "dblink_exec", "dblink_connect",
	"current_setting", "set_config",
	"inet_server_addr", "inet_server_port", "inet_client_addr", "inet_client_port",
	"query_to_xml", "database_to_xml", "table_to_xml",
	"version",
}

// Enforcer validates parsed SQL against a table allowlist sourced from
// schema introspection and a fixed function blocklist. The allowlist cache
// has its own TTL and clear operation, independent from the row-policy
// store's cache.
type Enforcer struct {
	source  SchemaSource
	ttl     time.Duration
	logger  *zap.Logger
	blocked map[string]struct{}

	mu       sync.RWMutex
	allowed  map[string]struct{}
	loadedAt time.Time

	group singleflight.Group
}

// NewEnforcer builds an enforcer over the given schema source. A zero ttl
// uses DefaultAllowlistTTL; empty blockedFunctions uses the default set.
func NewEnforcer(source SchemaSource, ttl time.Duration, blockedFunctions []string, logger *zap.Logger) *Enforcer {
	if ttl <= 0 {
		ttl = DefaultAllowlistTTL
	}
	if len(blockedFunctions) == 0 {
		blockedFunctions = DefaultBlockedFunctions
	}
	blocked := make(map[string]struct{}, len(blockedFunctions))
	for _, fn := range blockedFunctions {
		blocked[strings.ToLower(fn)] = struct{}{}
	}
	return &Enforcer{
		source:  source,
		ttl:     ttl,
		logger:  logger,
		blocked: blocked,
	}
}

// ValidateSQL parses sql and checks table and function references.
// Returns nil when the statement is allowed, a *ViolationError otherwise.
func (e *Enforcer) ValidateSQL(ctx context.Context, sql string) error {
	stmt, err := sqlast.Parse(sql)
	if err != nil {
		return &ViolationError{Violation: validation.Violation{
			Kind:    validation.ViolationSyntaxError,
			Message: fmt.Sprintf("statement could not be parsed: %v", err),
		}}
	}
	return e.ValidateStatement(ctx, stmt)
}

// ValidateStatement checks an already-parsed statement, letting the request
// path parse once and validate in every layer.
func (e *Enforcer) ValidateStatement(ctx context.Context, stmt *sqlast.ParsedStatement) error {
	allowed, err := e.allowedTables(ctx)
	if err != nil {
		return fmt.Errorf("table allowlist unavailable: %w", err)
	}

	// CTE aliases declared in this query's WITH clauses are legal targets
	// even when they shadow a disallowed table name.
	cteNames := sqlast.CollectCTENames(stmt.Root)

	for _, rv := range sqlast.CollectTables(stmt.Root) {
		name := strings.ToLower(rv.Relname)
		if _, isCTE := cteNames[name]; isCTE && rv.Schemaname == "" {
			continue
		}
		qualified := name
		if rv.Schemaname != "" {
			qualified = strings.ToLower(rv.Schemaname) + "." + name
		}
		if _, ok := allowed[qualified]; ok {
			continue
		}
		if _, ok := allowed[name]; ok && rv.Schemaname == "" {
			continue
		}
		return &ViolationError{Violation: validation.Violation{
			Kind:    validation.ViolationForbiddenTable,
			Message: fmt.Sprintf("Access to table '%s' is not allowed.", rv.Relname),
		}}
	}

	for _, fn := range sqlast.CollectFunctions(stmt.Root) {
		if _, blocked := e.blocked[fn]; blocked {
			return &ViolationError{Violation: validation.Violation{
				Kind:    validation.ViolationForbiddenFunction,
				Message: fmt.Sprintf("Use of function '%s' is not allowed.", fn),
			}}
		}
	}

	return nil
}

// ClearCache forces the next validation to re-introspect the schema.
func (e *Enforcer) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allowed = nil
	e.loadedAt = time.Time{}
}

// allowedTables returns the cached allowlist, refreshing it when empty or
// stale. Concurrent refreshes collapse into one introspection query; on
// refresh failure a previously loaded allowlist is retained.
func (e *Enforcer) allowedTables(ctx context.Context) (map[string]struct{}, error) {
	e.mu.RLock()
	fresh := e.allowed != nil && time.Since(e.loadedAt) <= e.ttl
	cached := e.allowed
	e.mu.RUnlock()
	if fresh {
		return cached, nil
	}

	result, err, _ := e.group.Do("allowlist", func() (any, error) {
		tables, err := e.source.ListTables(ctx)
		if err != nil {
			e.mu.RLock()
			prev := e.allowed
			e.mu.RUnlock()
			if prev != nil {
				if e.logger != nil {
					e.logger.Warn("schema introspection failed, retaining previous allowlist",
						zap.String("error", logging.SanitizeError(err)))
				}
				return prev, nil
			}
			return nil, err
		}

		next := make(map[string]struct{}, len(tables))
		for _, t := range tables {
			next[strings.ToLower(t)] = struct{}{}
		}

		e.mu.Lock()
		e.allowed = next
		e.loadedAt = time.Now()
		e.mu.Unlock()

		if e.logger != nil {
			e.logger.Debug("table allowlist refreshed", zap.Int("tables", len(next)))
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]struct{}), nil
}
