// Package validation implements structural SQL validation for LLM-generated
// queries: statement classification, forbidden-command detection, and audit
// metadata extraction. Results are returned as values, never panics or
// exceptions, so the agent's correction loop can branch on violation kind.
package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/sqlgate-io/sqlgate/pkg/sqlast"
)

// ViolationKind categorizes why a statement was rejected.
type ViolationKind string

const (
	ViolationSyntaxError       ViolationKind = "SYNTAX_ERROR"
	ViolationInvalidRoot       ViolationKind = "INVALID_ROOT"
	ViolationForbiddenTable    ViolationKind = "FORBIDDEN_TABLE"
	ViolationForbiddenFunction ViolationKind = "FORBIDDEN_FUNCTION"
	ViolationForbiddenCommand  ViolationKind = "FORBIDDEN_COMMAND"
	ViolationSensitiveColumn   ViolationKind = "SENSITIVE_COLUMN"
	ViolationCrossSchema       ViolationKind = "CROSS_SCHEMA"
)

// Violation is a single reason a statement failed validation.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Message string        `json:"message"`
}

// Metadata carries audit attributes extracted from a valid statement.
// Table lineage is deduplicated with CTE aliases resolved out; entity names
// are singularized table names for ontology and telemetry grouping.
type Metadata struct {
	TableLineage   []string `json:"table_lineage"`
	ColumnUsage    []string `json:"column_usage"`
	EntityNames    []string `json:"entity_names"`
	JoinComplexity int      `json:"join_complexity"`
}

// Result is the outcome of validating one SQL string.
type Result struct {
	IsValid    bool
	Violations []Violation
	Metadata   *Metadata

	// ParsedSQL is the normalized statement (deparsed from the AST).
	// Empty when validation failed before a parse succeeded.
	ParsedSQL string

	// Statement is the successful parse, reusable by downstream layers so
	// the request path parses each query once. Nil on any parse failure.
	Statement *sqlast.ParsedStatement
}

// Config controls validator behavior. The zero value gives the default
// denied-command set with no sensitive-column or schema restrictions.
type Config struct {
	// DeniedCommands are command keywords rejected with FORBIDDEN_COMMAND
	// wherever they appear, including nested in CTEs and subqueries.
	DeniedCommands []string

	// SensitiveColumns are column names that may never be referenced.
	SensitiveColumns []string

	// AllowedSchemas restricts explicit schema qualification. Empty means
	// no cross-schema restriction.
	AllowedSchemas []string
}

// DefaultDeniedCommands is the built-in command denylist applied when the
// config does not provide one.
var DefaultDeniedCommands = []string{
	"TRUNCATE", "GRANT", "COPY", "DO", "CALL", "SET", "LOCK", "VACUUM",
}

// Validator parses SQL text and classifies its structure for safety.
type Validator struct {
	denied    map[string]struct{}
	sensitive map[string]struct{}
	schemas   map[string]struct{}
}

// NewValidator builds a validator from config. Configuration is read once;
// the validator is safe for concurrent use.
func NewValidator(cfg Config) *Validator {
	denied := cfg.DeniedCommands
	if len(denied) == 0 {
		denied = DefaultDeniedCommands
	}
	v := &Validator{
		denied:    make(map[string]struct{}, len(denied)),
		sensitive: make(map[string]struct{}, len(cfg.SensitiveColumns)),
		schemas:   make(map[string]struct{}, len(cfg.AllowedSchemas)),
	}
	for _, c := range denied {
		v.denied[strings.ToUpper(c)] = struct{}{}
	}
	for _, c := range cfg.SensitiveColumns {
		v.sensitive[strings.ToLower(c)] = struct{}{}
	}
	for _, s := range cfg.AllowedSchemas {
		v.schemas[strings.ToLower(s)] = struct{}{}
	}
	return v
}

// Validate parses sql and checks its structure. Any violation makes the
// statement invalid; metadata is produced only for valid statements.
func (v *Validator) Validate(sql string) Result {
	stmt, err := sqlast.Parse(sql)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, sqlast.ErrStatementChaining) {
			msg = fmt.Sprintf("statement chaining is not allowed: %v", err)
		}
		return Result{
			IsValid:    false,
			Violations: []Violation{{Kind: ViolationSyntaxError, Message: msg}},
		}
	}

	var violations []Violation

	if !stmt.IsReadOnlyRoot() {
		cmd := stmt.RootCommandName()
		violations = append(violations, Violation{
			Kind:    ViolationInvalidRoot,
			Message: fmt.Sprintf("invalid root statement %s: only SELECT, set operations, and WITH over SELECT are permitted", cmd),
		})
		if _, denied := v.denied[cmd]; denied {
			violations = append(violations, Violation{
				Kind:    ViolationForbiddenCommand,
				Message: fmt.Sprintf("forbidden command %s", cmd),
			})
		}
	} else {
		// The root is read-only, so any mutating node found by the
		// recursive scan is nested inside a CTE or subquery.
		for _, cmd := range sqlast.FindMutations(stmt.Root) {
			violations = append(violations, Violation{
				Kind:    ViolationForbiddenCommand,
				Message: fmt.Sprintf("forbidden command %s nested inside a read-only statement", cmd),
			})
		}
	}

	violations = append(violations, v.checkSensitiveColumns(stmt)...)
	violations = append(violations, v.checkCrossSchema(stmt)...)

	if len(violations) > 0 {
		return Result{IsValid: false, Violations: violations, Statement: stmt}
	}

	normalized, err := stmt.Deparse()
	if err != nil {
		// Deparse failure on a tree we just parsed is a parser round-trip
		// defect; fail closed rather than pass through unverified text.
		return Result{
			IsValid:    false,
			Violations: []Violation{{Kind: ViolationSyntaxError, Message: fmt.Sprintf("statement could not be normalized: %v", err)}},
			Statement:  stmt,
		}
	}

	return Result{
		IsValid:   true,
		Metadata:  v.extractMetadata(stmt),
		ParsedSQL: normalized,
		Statement: stmt,
	}
}

func (v *Validator) checkSensitiveColumns(stmt *sqlast.ParsedStatement) []Violation {
	if len(v.sensitive) == 0 {
		return nil
	}
	var out []Violation
	seen := make(map[string]struct{})
	for _, col := range sqlast.CollectColumns(stmt.Root) {
		parts := strings.Split(col, ".")
		leaf := strings.ToLower(parts[len(parts)-1])
		if _, bad := v.sensitive[leaf]; !bad {
			continue
		}
		if _, dup := seen[leaf]; dup {
			continue
		}
		seen[leaf] = struct{}{}
		out = append(out, Violation{
			Kind:    ViolationSensitiveColumn,
			Message: fmt.Sprintf("column '%s' is restricted", leaf),
		})
	}
	return out
}

func (v *Validator) checkCrossSchema(stmt *sqlast.ParsedStatement) []Violation {
	if len(v.schemas) == 0 {
		return nil
	}
	var out []Violation
	seen := make(map[string]struct{})
	for _, rv := range sqlast.CollectTables(stmt.Root) {
		schema := strings.ToLower(rv.Schemaname)
		if schema == "" {
			continue
		}
		if _, ok := v.schemas[schema]; ok {
			continue
		}
		if _, dup := seen[schema]; dup {
			continue
		}
		seen[schema] = struct{}{}
		out = append(out, Violation{
			Kind:    ViolationCrossSchema,
			Message: fmt.Sprintf("schema '%s' is outside the permitted set", schema),
		})
	}
	return out
}

// extractMetadata computes audit attributes: deduplicated table lineage
// with CTE names resolved out, column usage, join complexity, and
// singularized entity names.
func (v *Validator) extractMetadata(stmt *sqlast.ParsedStatement) *Metadata {
	cteNames := sqlast.CollectCTENames(stmt.Root)

	lineageSet := make(map[string]struct{})
	for _, rv := range sqlast.CollectTables(stmt.Root) {
		name := strings.ToLower(rv.Relname)
		if _, isCTE := cteNames[name]; isCTE && rv.Schemaname == "" {
			continue
		}
		if rv.Schemaname != "" {
			name = strings.ToLower(rv.Schemaname) + "." + name
		}
		lineageSet[name] = struct{}{}
	}
	lineage := make([]string, 0, len(lineageSet))
	for name := range lineageSet {
		lineage = append(lineage, name)
	}
	sort.Strings(lineage)

	entities := make([]string, 0, len(lineage))
	for _, name := range lineage {
		parts := strings.Split(name, ".")
		entities = append(entities, inflection.Singular(parts[len(parts)-1]))
	}

	columnSet := make(map[string]struct{})
	for _, col := range sqlast.CollectColumns(stmt.Root) {
		columnSet[strings.ToLower(col)] = struct{}{}
	}
	columns := make([]string, 0, len(columnSet))
	for col := range columnSet {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	return &Metadata{
		TableLineage:   lineage,
		ColumnUsage:    columns,
		EntityNames:    entities,
		JoinComplexity: sqlast.CountJoins(stmt.Root),
	}
}
