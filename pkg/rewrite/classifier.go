// Package rewrite classifies query shapes for rewrite safety and injects
// tenant predicates into governed table references. Classification is
// deliberately conservative: one-pass predicate injection is only provably
// correct for simple shapes, so anything nested is rejected rather than
// guessed at.
package rewrite

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/sqlgate-io/sqlgate/pkg/rowpolicy"
	"github.com/sqlgate-io/sqlgate/pkg/sqlast"
)

// SubqueryClassification is a pure function of subquery AST shape.
type SubqueryClassification string

const (
	SafeSimpleSubquery  SubqueryClassification = "SAFE_SIMPLE_SUBQUERY"
	UnsupportedSubquery SubqueryClassification = "UNSUPPORTED_SUBQUERY"
)

// CTEClassification is a pure function of CTE body shape.
type CTEClassification string

const (
	SafeSimpleCTE  CTEClassification = "SAFE_SIMPLE_CTE"
	UnsupportedCTE CTEClassification = "UNSUPPORTED_CTE"
)

// QueryClassification is the whole-query verdict. Unsupported short-circuits
// the rewrite; Reason is a stable lowercase token safe for telemetry.
type QueryClassification struct {
	Supported bool
	Reason    string
}

// ClassifySubquery classifies a subquery body (the Subselect of a sublink
// or the body of a derived table). SAFE_SIMPLE means: selects directly from
// base tables, no nested subquery, no CTE, no set operation at that level.
func ClassifySubquery(node *pg_query.Node, policies map[string]rowpolicy.Definition) SubqueryClassification {
	sel := selectFromNode(node)
	if sel == nil {
		return UnsupportedSubquery
	}
	if sel.Op != pg_query.SetOperation_SETOP_NONE {
		return UnsupportedSubquery
	}
	if sel.WithClause != nil {
		return UnsupportedSubquery
	}
	if !fromItemsSimple(sel.FromClause, policies) {
		return UnsupportedSubquery
	}
	if containsNesting(node, policies) {
		return UnsupportedSubquery
	}
	return SafeSimpleSubquery
}

// ClassifyCTE classifies one CTE declaration. SAFE_SIMPLE requires a
// non-recursive body selecting from base tables only: a CTE whose body
// reads another CTE (chained CTEs) is UNSUPPORTED. That is intentional;
// proving predicate completeness across chained CTEs is out of scope.
func ClassifyCTE(cte *pg_query.CommonTableExpr, recursive bool, cteNames map[string]struct{}, policies map[string]rowpolicy.Definition) CTEClassification {
	if cte == nil || recursive || cte.Cterecursive {
		return UnsupportedCTE
	}
	sel := selectFromNode(cte.Ctequery)
	if sel == nil {
		return UnsupportedCTE
	}
	if sel.Op != pg_query.SetOperation_SETOP_NONE || sel.WithClause != nil {
		return UnsupportedCTE
	}
	if !fromItemsSimple(sel.FromClause, policies) {
		return UnsupportedCTE
	}
	if containsNesting(cte.Ctequery, policies) {
		return UnsupportedCTE
	}
	for _, rv := range sqlast.CollectTables(cte.Ctequery) {
		if rv.Schemaname != "" {
			continue
		}
		if _, chained := cteNames[strings.ToLower(rv.Relname)]; chained {
			return UnsupportedCTE
		}
	}
	return SafeSimpleCTE
}

// Classify renders the whole-query verdict. The query is UNSUPPORTED if any
// constituent CTE or subquery is, or if a FROM item is a shape the rewriter
// cannot reason about (functions in FROM, table samples, XML tables).
func Classify(stmt *sqlast.ParsedStatement, policies map[string]rowpolicy.Definition) QueryClassification {
	sel := stmt.Select()
	if sel == nil {
		return QueryClassification{Supported: false, Reason: "root_not_select"}
	}
	return classifySelect(sel, policies)
}

func classifySelect(sel *pg_query.SelectStmt, policies map[string]rowpolicy.Definition) QueryClassification {
	// Set operations at the root are valid read-only roots; each branch is
	// classified independently.
	if sel.Op != pg_query.SetOperation_SETOP_NONE {
		if sel.WithClause != nil {
			return QueryClassification{Supported: false, Reason: "cte_over_set_operation"}
		}
		for _, branch := range []*pg_query.SelectStmt{sel.Larg, sel.Rarg} {
			if branch == nil {
				return QueryClassification{Supported: false, Reason: "malformed_set_operation"}
			}
			if c := classifySelect(branch, policies); !c.Supported {
				return c
			}
		}
		return QueryClassification{Supported: true}
	}

	if sel.WithClause != nil {
		cteNames := make(map[string]struct{}, len(sel.WithClause.Ctes))
		for _, c := range sel.WithClause.Ctes {
			if cte, ok := c.Node.(*pg_query.Node_CommonTableExpr); ok {
				cteNames[strings.ToLower(cte.CommonTableExpr.Ctename)] = struct{}{}
			}
		}
		for _, c := range sel.WithClause.Ctes {
			cte, ok := c.Node.(*pg_query.Node_CommonTableExpr)
			if !ok {
				return QueryClassification{Supported: false, Reason: "malformed_cte"}
			}
			if ClassifyCTE(cte.CommonTableExpr, sel.WithClause.Recursive, cteNames, policies) != SafeSimpleCTE {
				return QueryClassification{Supported: false, Reason: "cte_unsupported"}
			}
		}
	}

	for _, item := range sel.FromClause {
		if c := classifyFromItem(item, policies); !c.Supported {
			return c
		}
	}

	for _, expr := range []*pg_query.Node{sel.WhereClause, sel.HavingClause} {
		if c := classifyExpr(expr, policies); !c.Supported {
			return c
		}
	}
	for _, target := range sel.TargetList {
		if c := classifyExpr(target, policies); !c.Supported {
			return c
		}
	}

	return QueryClassification{Supported: true}
}

func classifyFromItem(item *pg_query.Node, policies map[string]rowpolicy.Definition) QueryClassification {
	switch n := item.Node.(type) {
	case *pg_query.Node_RangeVar:
		return QueryClassification{Supported: true}
	case *pg_query.Node_JoinExpr:
		for _, arm := range []*pg_query.Node{n.JoinExpr.Larg, n.JoinExpr.Rarg} {
			if arm == nil {
				continue
			}
			if c := classifyFromItem(arm, policies); !c.Supported {
				return c
			}
		}
		return classifyExpr(n.JoinExpr.Quals, policies)
	case *pg_query.Node_RangeSubselect:
		if IsTenantScopedSubselect(n.RangeSubselect, policies) {
			return QueryClassification{Supported: true}
		}
		if ClassifySubquery(n.RangeSubselect.Subquery, policies) != SafeSimpleSubquery {
			return QueryClassification{Supported: false, Reason: "subquery_unsupported"}
		}
		return QueryClassification{Supported: true}
	default:
		// RangeFunction, RangeTableSample, RangeTableFunc and friends:
		// predicate injection cannot be proven complete for these.
		return QueryClassification{Supported: false, Reason: "from_item_unsupported"}
	}
}

// classifyExpr scans an expression tree for sublinks and classifies each
// sublink body.
func classifyExpr(expr *pg_query.Node, policies map[string]rowpolicy.Definition) QueryClassification {
	if expr == nil {
		return QueryClassification{Supported: true}
	}
	result := QueryClassification{Supported: true}
	sqlast.Traverse(expr.ProtoReflect(), func(m protoreflect.Message) sqlast.Action {
		if sub, ok := m.Interface().(*pg_query.SubLink); ok {
			if ClassifySubquery(sub.Subselect, policies) != SafeSimpleSubquery {
				result = QueryClassification{Supported: false, Reason: "subquery_unsupported"}
				return sqlast.Stop
			}
			// The body is flat; nothing below it needs a second look.
			return sqlast.SkipChildren
		}
		return sqlast.Continue
	})
	return result
}

// fromItemsSimple requires every FROM leaf to be a base table or an
// already-injected tenant scope; joins of base tables are permitted.
func fromItemsSimple(items []*pg_query.Node, policies map[string]rowpolicy.Definition) bool {
	for _, item := range items {
		switch n := item.Node.(type) {
		case *pg_query.Node_RangeVar:
		case *pg_query.Node_JoinExpr:
			arms := []*pg_query.Node{n.JoinExpr.Larg, n.JoinExpr.Rarg}
			if !fromItemsSimple(arms, policies) {
				return false
			}
		case *pg_query.Node_RangeSubselect:
			if !IsTenantScopedSubselect(n.RangeSubselect, policies) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// containsNesting reports whether a subquery or CTE body contains another
// sublink, derived table, or CTE. Tenant scopes injected by a previous
// rewrite pass are exempt so rewritten queries stay classifiable.
func containsNesting(body *pg_query.Node, policies map[string]rowpolicy.Definition) bool {
	if body == nil {
		return false
	}
	nested := false
	first := true
	sqlast.Traverse(body.ProtoReflect(), func(m protoreflect.Message) sqlast.Action {
		if first {
			first = false
			return sqlast.Continue
		}
		switch v := m.Interface().(type) {
		case *pg_query.SubLink, *pg_query.CommonTableExpr, *pg_query.WithClause:
			nested = true
			return sqlast.Stop
		case *pg_query.RangeSubselect:
			if IsTenantScopedSubselect(v, policies) {
				return sqlast.SkipChildren
			}
			nested = true
			return sqlast.Stop
		case *pg_query.SelectStmt:
			if v.Op != pg_query.SetOperation_SETOP_NONE {
				nested = true
				return sqlast.Stop
			}
		}
		return sqlast.Continue
	})
	return nested
}

// IsTenantScopedSubselect recognizes the derived-table shape this package
// injects: SELECT * from exactly one governed table with a parameterized
// predicate on its tenant column. Recognizing it keeps Rewrite idempotent.
func IsTenantScopedSubselect(rss *pg_query.RangeSubselect, policies map[string]rowpolicy.Definition) bool {
	if rss == nil || rss.Subquery == nil {
		return false
	}
	sel := selectFromNode(rss.Subquery)
	if sel == nil || sel.Op != pg_query.SetOperation_SETOP_NONE || sel.WithClause != nil {
		return false
	}
	if len(sel.TargetList) != 1 || !isStarTarget(sel.TargetList[0]) {
		return false
	}
	if len(sel.FromClause) != 1 {
		return false
	}
	rv, ok := sel.FromClause[0].Node.(*pg_query.Node_RangeVar)
	if !ok {
		return false
	}
	def, governed := policies[strings.ToLower(rv.RangeVar.Relname)]
	if !governed || sel.WhereClause == nil {
		return false
	}

	// The predicate must bind a parameter against the policy's tenant
	// column; template details beyond that are not re-verified.
	hasParam := false
	hasTenantColumn := false
	tenantColumn := strings.ToLower(def.TenantColumn)
	sqlast.Traverse(sel.WhereClause.ProtoReflect(), func(m protoreflect.Message) sqlast.Action {
		switch v := m.Interface().(type) {
		case *pg_query.ParamRef:
			hasParam = true
		case *pg_query.ColumnRef:
			for _, f := range v.Fields {
				if s, ok := f.Node.(*pg_query.Node_String_); ok && strings.ToLower(s.String_.Sval) == tenantColumn {
					hasTenantColumn = true
				}
			}
		}
		return sqlast.Continue
	})
	return hasParam && hasTenantColumn
}

func isStarTarget(node *pg_query.Node) bool {
	rt, ok := node.Node.(*pg_query.Node_ResTarget)
	if !ok || rt.ResTarget.Val == nil {
		return false
	}
	cr, ok := rt.ResTarget.Val.Node.(*pg_query.Node_ColumnRef)
	if !ok || len(cr.ColumnRef.Fields) != 1 {
		return false
	}
	_, star := cr.ColumnRef.Fields[0].Node.(*pg_query.Node_AStar)
	return star
}

func selectFromNode(node *pg_query.Node) *pg_query.SelectStmt {
	if node == nil {
		return nil
	}
	if sel, ok := node.Node.(*pg_query.Node_SelectStmt); ok {
		return sel.SelectStmt
	}
	return nil
}
