package rewrite

import (
	"fmt"
	"strings"
	"time"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/sqlgate-io/sqlgate/pkg/rowpolicy"
	"github.com/sqlgate-io/sqlgate/pkg/sqlast"
)

// FailureKind names why a rewrite attempt did not produce a usable query.
// The zero value means success.
type FailureKind string

const (
	FailureNone                FailureKind = ""
	FailureParse               FailureKind = "PARSE_FAILED"
	FailureUnsupported         FailureKind = "SUBQUERY_UNSUPPORTED"
	FailureTargetLimit         FailureKind = "TARGET_LIMIT_EXCEEDED"
	FailureParamLimit          FailureKind = "PARAM_LIMIT_EXCEEDED"
	FailureComplexity          FailureKind = "AST_COMPLEXITY_EXCEEDED"
	FailureMissingTenantColumn FailureKind = "MISSING_TENANT_COLUMN"
	FailureTimeout             FailureKind = "TIME_BUDGET_EXCEEDED"
	FailureNoPredicates        FailureKind = "NO_PREDICATES_PRODUCED"
)

// Budget bounds a single rewrite attempt. Zero fields take the defaults.
// Deadline is an absolute wall-clock cutoff checked between bounded units
// of work, never mid-node.
type Budget struct {
	MaxTargets int
	MaxParams  int
	MaxNodes   int
	Deadline   time.Time
}

const (
	DefaultMaxTargets = 25
	DefaultMaxParams  = 50
	DefaultMaxNodes   = 1000
)

func (b Budget) withDefaults() Budget {
	if b.MaxTargets <= 0 {
		b.MaxTargets = DefaultMaxTargets
	}
	if b.MaxParams <= 0 {
		b.MaxParams = DefaultMaxParams
	}
	if b.MaxNodes <= 0 {
		b.MaxNodes = DefaultMaxNodes
	}
	return b
}

// Attempt is the full record of one rewrite, successful or not. On success
// RewrittenSQL is the deparsed query and BoundParams carries the tenant
// value once per injected predicate, ordered by placeholder number.
type Attempt struct {
	OriginalSQL     string
	RewrittenSQL    string
	BoundParams     []any
	PredicatesAdded int
	Failure         FailureKind
	Diagnostic      string
}

// Failed reports whether the attempt produced no usable rewrite.
func (a Attempt) Failed() bool { return a.Failure != FailureNone }

// RequiresRewrite reports whether the statement references any governed
// table as a real relation. CTE aliases shadowing governed names do not
// count; the alias is a per-query namespace, not the base table.
func RequiresRewrite(stmt *sqlast.ParsedStatement, policies map[string]rowpolicy.Definition) bool {
	cteNames := sqlast.CollectCTENames(stmt.Root)
	for _, rv := range sqlast.CollectTables(stmt.Root) {
		name := strings.ToLower(rv.Relname)
		if _, isCTE := cteNames[name]; isCTE && rv.Schemaname == "" {
			continue
		}
		if _, governed := policies[name]; governed {
			return true
		}
	}
	return false
}

// Rewrite parses sql and wraps every governed table reference in a derived
// table carrying the policy's tenant predicate, bound to tenantID through a
// positional parameter. Already-scoped references are left untouched, so
// rewriting a rewritten query is a no-op.
func Rewrite(sql string, policies map[string]rowpolicy.Definition, tenantID any, budget Budget) Attempt {
	attempt := Attempt{OriginalSQL: sql}
	budget = budget.withDefaults()

	stmt, err := sqlast.Parse(sql)
	if err != nil {
		attempt.Failure = FailureParse
		attempt.Diagnostic = err.Error()
		return attempt
	}
	if _, exceeded := sqlast.CountNodes(stmt.Root, budget.MaxNodes); exceeded {
		attempt.Failure = FailureComplexity
		attempt.Diagnostic = fmt.Sprintf("parse tree exceeds %d nodes", budget.MaxNodes)
		return attempt
	}
	if c := Classify(stmt, policies); !c.Supported {
		attempt.Failure = FailureUnsupported
		attempt.Diagnostic = c.Reason
		return attempt
	}

	st := &rewriteState{
		policies:  policies,
		tenantID:  tenantID,
		budget:    budget,
		cteNames:  sqlast.CollectCTENames(stmt.Root),
		nextParam: maxParamRef(stmt.Root) + 1,
	}

	if err := st.rewriteSelect(stmt.Select()); err != nil {
		attempt.Failure = st.failure
		attempt.Diagnostic = err.Error()
		return attempt
	}

	if st.injected == 0 {
		// Nothing was injected. That is fine when every governed reference
		// was already scoped by a previous pass (or none exist); a governed
		// table left bare is a logic gap that must not pass silently.
		if len(UnscopedTables(stmt.Root, policies)) == 0 {
			attempt.RewrittenSQL = sql
			return attempt
		}
		attempt.Failure = FailureNoPredicates
		attempt.Diagnostic = "governed tables present but no predicate was injected"
		return attempt
	}

	if missing := UnscopedTables(stmt.Root, policies); len(missing) > 0 {
		attempt.Failure = FailureNoPredicates
		attempt.Diagnostic = fmt.Sprintf("tables left unscoped after rewrite: %s", strings.Join(missing, ", "))
		return attempt
	}

	rewritten, err := stmt.Deparse()
	if err != nil {
		attempt.Failure = FailureParse
		attempt.Diagnostic = fmt.Sprintf("deparse failed: %v", err)
		return attempt
	}

	attempt.RewrittenSQL = rewritten
	attempt.BoundParams = st.params
	attempt.PredicatesAdded = st.injected
	return attempt
}

// UnscopedTables returns governed base tables not wrapped in a tenant
// scope, in traversal order. Empty means the rewrite is complete.
func UnscopedTables(root *pg_query.Node, policies map[string]rowpolicy.Definition) []string {
	if root == nil {
		return nil
	}
	cteNames := sqlast.CollectCTENames(root)
	var missing []string
	sqlast.Traverse(root.ProtoReflect(), func(m protoreflect.Message) sqlast.Action {
		switch v := m.Interface().(type) {
		case *pg_query.RangeSubselect:
			if IsTenantScopedSubselect(v, policies) {
				return sqlast.SkipChildren
			}
		case *pg_query.RangeVar:
			name := strings.ToLower(v.Relname)
			if _, isCTE := cteNames[name]; isCTE && v.Schemaname == "" {
				return sqlast.Continue
			}
			if _, governed := policies[name]; governed {
				missing = append(missing, name)
			}
		}
		return sqlast.Continue
	})
	return missing
}

type rewriteState struct {
	policies map[string]rowpolicy.Definition
	tenantID any
	budget   Budget
	cteNames map[string]struct{}

	nextParam int32
	params    []any
	injected  int
	failure   FailureKind
}

func (st *rewriteState) fail(kind FailureKind, format string, args ...any) error {
	st.failure = kind
	return fmt.Errorf(format, args...)
}

func (st *rewriteState) checkDeadline() error {
	if !st.budget.Deadline.IsZero() && time.Now().After(st.budget.Deadline) {
		return st.fail(FailureTimeout, "rewrite exceeded its time budget")
	}
	return nil
}

func (st *rewriteState) rewriteSelect(sel *pg_query.SelectStmt) error {
	if sel == nil {
		return st.fail(FailureUnsupported, "statement has no select body")
	}
	if err := st.checkDeadline(); err != nil {
		return err
	}

	if sel.Op != pg_query.SetOperation_SETOP_NONE {
		if err := st.rewriteSelect(sel.Larg); err != nil {
			return err
		}
		return st.rewriteSelect(sel.Rarg)
	}

	if sel.WithClause != nil {
		for _, c := range sel.WithClause.Ctes {
			cte, ok := c.Node.(*pg_query.Node_CommonTableExpr)
			if !ok {
				return st.fail(FailureUnsupported, "malformed with clause")
			}
			if err := st.checkDeadline(); err != nil {
				return err
			}
			if err := st.rewriteSelect(selectFromNode(cte.CommonTableExpr.Ctequery)); err != nil {
				return err
			}
		}
	}

	for i, item := range sel.FromClause {
		replaced, err := st.rewriteFromItem(item)
		if err != nil {
			return err
		}
		sel.FromClause[i] = replaced
	}

	exprs := make([]*pg_query.Node, 0, len(sel.TargetList)+2)
	exprs = append(exprs, sel.WhereClause, sel.HavingClause)
	exprs = append(exprs, sel.TargetList...)
	for _, expr := range exprs {
		if err := st.rewriteSublinks(expr); err != nil {
			return err
		}
	}
	return nil
}

func (st *rewriteState) rewriteFromItem(item *pg_query.Node) (*pg_query.Node, error) {
	switch n := item.Node.(type) {
	case *pg_query.Node_RangeVar:
		return st.rewriteTable(item, n.RangeVar)
	case *pg_query.Node_JoinExpr:
		if n.JoinExpr.Larg != nil {
			replaced, err := st.rewriteFromItem(n.JoinExpr.Larg)
			if err != nil {
				return nil, err
			}
			n.JoinExpr.Larg = replaced
		}
		if n.JoinExpr.Rarg != nil {
			replaced, err := st.rewriteFromItem(n.JoinExpr.Rarg)
			if err != nil {
				return nil, err
			}
			n.JoinExpr.Rarg = replaced
		}
		if err := st.rewriteSublinks(n.JoinExpr.Quals); err != nil {
			return nil, err
		}
		return item, nil
	case *pg_query.Node_RangeSubselect:
		if IsTenantScopedSubselect(n.RangeSubselect, st.policies) {
			return item, nil
		}
		if err := st.rewriteSelect(selectFromNode(n.RangeSubselect.Subquery)); err != nil {
			return nil, err
		}
		return item, nil
	default:
		return nil, st.fail(FailureUnsupported, "unsupported from item")
	}
}

// rewriteSublinks descends into sublink bodies found inside an expression
// and rewrites their FROM clauses in place.
func (st *rewriteState) rewriteSublinks(expr *pg_query.Node) error {
	if expr == nil {
		return nil
	}
	var walkErr error
	sqlast.Traverse(expr.ProtoReflect(), func(m protoreflect.Message) sqlast.Action {
		sub, ok := m.Interface().(*pg_query.SubLink)
		if !ok {
			return sqlast.Continue
		}
		if err := st.rewriteSelect(selectFromNode(sub.Subselect)); err != nil {
			walkErr = err
			return sqlast.Stop
		}
		return sqlast.SkipChildren
	})
	return walkErr
}

// rewriteTable replaces a governed base-table reference with a derived
// table carrying the tenant predicate. Ungoverned tables and CTE aliases
// pass through unchanged.
func (st *rewriteState) rewriteTable(item *pg_query.Node, rv *pg_query.RangeVar) (*pg_query.Node, error) {
	name := strings.ToLower(rv.Relname)
	if _, isCTE := st.cteNames[name]; isCTE && rv.Schemaname == "" {
		return item, nil
	}
	def, governed := st.policies[name]
	if !governed {
		return item, nil
	}

	if err := st.checkDeadline(); err != nil {
		return nil, err
	}
	if st.injected+1 > st.budget.MaxTargets {
		return nil, st.fail(FailureTargetLimit, "rewrite targets exceed limit of %d", st.budget.MaxTargets)
	}
	if len(st.params)+1 > st.budget.MaxParams {
		return nil, st.fail(FailureParamLimit, "bound parameters exceed limit of %d", st.budget.MaxParams)
	}
	if strings.TrimSpace(def.TenantColumn) == "" {
		return nil, st.fail(FailureMissingTenantColumn, "policy for table %q names no tenant column", rv.Relname)
	}

	scoped, err := buildScopedTable(rv, def, st.nextParam)
	if err != nil {
		return nil, st.fail(FailureParse, "building scoped reference for %q: %v", rv.Relname, err)
	}

	st.params = append(st.params, st.tenantID)
	st.nextParam++
	st.injected++
	return scoped, nil
}

// buildScopedTable constructs (SELECT * FROM t WHERE <predicate>) AS alias
// by parsing a rendered snippet and lifting its derived-table node out.
// Parsing instead of assembling protobufs by hand keeps the node shape in
// lockstep with the grammar.
func buildScopedTable(rv *pg_query.RangeVar, def rowpolicy.Definition, param int32) (*pg_query.Node, error) {
	table := quoteIdent(rv.Relname)
	if rv.Schemaname != "" {
		table = quoteIdent(rv.Schemaname) + "." + table
	}
	predicate, err := renderPredicate(def, param)
	if err != nil {
		return nil, err
	}
	alias := rv.Relname
	if rv.Alias != nil && rv.Alias.Aliasname != "" {
		alias = rv.Alias.Aliasname
	}

	snippet := fmt.Sprintf("SELECT * FROM (SELECT * FROM %s WHERE %s) AS %s",
		table, predicate, quoteIdent(alias))
	parsed, err := pg_query.Parse(snippet)
	if err != nil {
		return nil, fmt.Errorf("scoped snippet did not parse: %w", err)
	}
	sel := parsed.Stmts[0].Stmt.GetSelectStmt()
	if sel == nil || len(sel.FromClause) != 1 {
		return nil, fmt.Errorf("scoped snippet has unexpected shape")
	}
	node := sel.FromClause[0]
	rss := node.GetRangeSubselect()
	if rss == nil {
		return nil, fmt.Errorf("scoped snippet is not a derived table")
	}
	if rv.Alias != nil {
		// Preserve the original alias node wholesale so column aliases
		// survive the wrap.
		rss.Alias = rv.Alias
	}
	return node, nil
}

// renderPredicate expands a policy template into SQL text. {column} becomes
// the quoted tenant column and :tenant_id the positional placeholder.
func renderPredicate(def rowpolicy.Definition, param int32) (string, error) {
	template := def.PredicateTemplate
	if strings.TrimSpace(template) == "" {
		template = "{column} = :tenant_id"
	}
	if !strings.Contains(template, ":tenant_id") {
		return "", fmt.Errorf("predicate template for %q binds no tenant value", def.TableName)
	}
	rendered := strings.ReplaceAll(template, "{column}", quoteIdent(def.TenantColumn))
	rendered = strings.ReplaceAll(rendered, ":tenant_id", fmt.Sprintf("$%d", param))
	return rendered, nil
}

// maxParamRef returns the highest $N placeholder already present, so
// injected parameters never collide with caller-supplied ones.
func maxParamRef(root *pg_query.Node) int32 {
	var max int32
	if root == nil {
		return 0
	}
	sqlast.Traverse(root.ProtoReflect(), func(m protoreflect.Message) sqlast.Action {
		if p, ok := m.Interface().(*pg_query.ParamRef); ok && p.Number > max {
			max = p.Number
		}
		return sqlast.Continue
	})
	return max
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
