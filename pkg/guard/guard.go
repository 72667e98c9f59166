// Package guard is the last line of defense before SQL reaches a
// connection. Every execution path funnels through Enforce regardless of
// what upstream validation decided; a statement that mutates state is
// refused here even if every earlier layer was bypassed or wrong.
package guard

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sqlgate-io/sqlgate/pkg/apperrors"
	"github.com/sqlgate-io/sqlgate/pkg/logging"
	"github.com/sqlgate-io/sqlgate/pkg/sqlast"
)

// Dialect selects the inspection strategy. Postgres statements get a full
// parse; other dialects fall back to keyword scanning.
type Dialect string

const (
	DialectPostgres  Dialect = "postgres"
	DialectSQLServer Dialect = "sqlserver"
	DialectGeneric   Dialect = "generic"
)

// ReadOnlyGuard rejects statements that could change database state.
type ReadOnlyGuard struct {
	logger *zap.Logger
}

// New builds a guard. The logger may be nil.
func New(logger *zap.Logger) *ReadOnlyGuard {
	return &ReadOnlyGuard{logger: logger}
}

// Enforce returns nil only for a single read-only statement. Any mutation,
// statement chaining, or unrecognizable input yields an error wrapping
// apperrors.ErrMutationBlocked. When readOnly is false the datasource has
// been explicitly provisioned for writes and the guard stands down.
func (g *ReadOnlyGuard) Enforce(sql string, dialect Dialect, readOnly bool) error {
	if !readOnly {
		return nil
	}
	if strings.TrimSpace(sql) == "" {
		return fmt.Errorf("%w: empty statement", apperrors.ErrMutationBlocked)
	}
	if dialect == DialectPostgres {
		return g.enforceParsed(sql)
	}
	return g.enforceScanned(sql, dialect)
}

// IsMutating reports whether the statement would be blocked by Enforce.
func (g *ReadOnlyGuard) IsMutating(sql string, dialect Dialect) bool {
	return g.Enforce(sql, dialect, true) != nil
}

func (g *ReadOnlyGuard) enforceParsed(sql string) error {
	stmt, err := sqlast.Parse(sql)
	if err != nil {
		// A statement the parser rejects might still be something the
		// server would run, so fall through to the keyword scan instead
		// of allowing it.
		g.log("statement did not parse, falling back to keyword scan", DialectPostgres, sql)
		return g.enforceScanned(sql, DialectPostgres)
	}
	if !stmt.IsReadOnlyRoot() {
		g.log("blocked non-select root", DialectPostgres, sql)
		return fmt.Errorf("%w: %s is not permitted", apperrors.ErrMutationBlocked, stmt.RootCommandName())
	}
	if cmds := sqlast.FindMutations(stmt.Root); len(cmds) > 0 {
		g.log("blocked embedded mutation", DialectPostgres, sql)
		return fmt.Errorf("%w: statement embeds %s", apperrors.ErrMutationBlocked, strings.Join(cmds, ", "))
	}
	return nil
}

var (
	lineCommentPattern  = regexp.MustCompile(`--[^\n]*`)
	blockCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)
	stringPattern       = regexp.MustCompile(`'(?:[^']|'')*'`)

	mutatingKeywords = []string{
		"INSERT", "UPDATE", "DELETE", "MERGE", "UPSERT",
		"DROP", "CREATE", "ALTER", "TRUNCATE", "RENAME",
		"GRANT", "REVOKE", "COPY", "CALL", "EXEC", "EXECUTE", "DO",
		"SET", "RESET", "LOCK", "VACUUM", "ANALYZE", "CLUSTER", "REINDEX",
		"REFRESH", "PREPARE", "DEALLOCATE", "LISTEN", "NOTIFY", "UNLISTEN",
		"DISCARD", "COMMENT", "BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT",
		"BACKUP", "RESTORE", "BULK", "OPENROWSET", "OPENQUERY",
		"SHUTDOWN", "KILL", "DBCC", "USE",
	}
)

// enforceScanned is the dialect-independent fallback: strip comments and
// string literals, then look for mutating keywords at word boundaries. It
// over-rejects; a SELECT aliasing a column as "update" must quote the
// identifier to pass.
func (g *ReadOnlyGuard) enforceScanned(sql string, dialect Dialect) error {
	cleaned := blockCommentPattern.ReplaceAllString(sql, " ")
	cleaned = lineCommentPattern.ReplaceAllString(cleaned, " ")
	cleaned = stringPattern.ReplaceAllString(cleaned, "''")
	upper := strings.ToUpper(cleaned)

	if strings.Contains(strings.TrimRight(strings.TrimSpace(upper), ";"), ";") {
		g.log("blocked chained statements", dialect, sql)
		return fmt.Errorf("%w: statement chaining is not permitted", apperrors.ErrMutationBlocked)
	}

	fields := strings.FieldsFunc(upper, func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_')
	})
	if len(fields) == 0 {
		return fmt.Errorf("%w: statement has no recognizable form", apperrors.ErrMutationBlocked)
	}
	if fields[0] != "SELECT" && fields[0] != "WITH" && fields[0] != "VALUES" && fields[0] != "TABLE" {
		g.log("blocked non-select statement", dialect, sql)
		return fmt.Errorf("%w: %s is not permitted", apperrors.ErrMutationBlocked, fields[0])
	}
	for _, word := range fields {
		for _, kw := range mutatingKeywords {
			if word == kw {
				g.log("blocked mutating keyword", dialect, sql)
				return fmt.Errorf("%w: statement contains %s", apperrors.ErrMutationBlocked, kw)
			}
		}
	}
	return nil
}

func (g *ReadOnlyGuard) log(msg string, dialect Dialect, sql string) {
	if g.logger == nil {
		return
	}
	g.logger.Warn(msg,
		zap.String("dialect", string(dialect)),
		zap.String("query", logging.SanitizeQuery(sql)))
}
