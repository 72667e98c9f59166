// Package sqlast wraps the PostgreSQL parser with the small surface the
// validation, policy, and rewrite layers need: single-statement parsing,
// root-kind classification, and generic tree traversal.
package sqlast

import (
	"errors"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

var (
	// ErrStatementChaining indicates more than one top-level statement.
	ErrStatementChaining = errors.New("statement chaining detected; only a single statement is permitted")

	// ErrEmptyInput indicates the SQL contained no statements at all.
	ErrEmptyInput = errors.New("no SQL statement found")
)

// StatementKind classifies the root of a parsed statement.
type StatementKind int

const (
	KindUnknown StatementKind = iota
	KindSelect
	KindSetOperation
	KindInsert
	KindUpdate
	KindDelete
	KindMerge
	KindUtility
)

// String returns the kind name for logs and telemetry attributes.
func (k StatementKind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindSetOperation:
		return "set_operation"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindMerge:
		return "merge"
	case KindUtility:
		return "utility"
	default:
		return "unknown"
	}
}

// ParsedStatement is an immutable parse of exactly one SQL statement.
// The tree is retained whole so the rewriter can deparse it after mutation.
type ParsedStatement struct {
	Tree *pg_query.ParseResult
	Root *pg_query.Node
	Kind StatementKind

	// HasCTE is true when the root statement carries a WITH clause.
	HasCTE bool
}

// Parse parses SQL and requires exactly one top-level statement.
// Multiple statements return ErrStatementChaining; the parser diagnostic is
// preserved for syntax errors.
func Parse(sql string) (*ParsedStatement, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return nil, ErrEmptyInput
	}

	tree, err := pg_query.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if len(tree.Stmts) == 0 {
		return nil, ErrEmptyInput
	}
	if len(tree.Stmts) > 1 {
		return nil, fmt.Errorf("%w: found %d statements", ErrStatementChaining, len(tree.Stmts))
	}

	root := tree.Stmts[0].Stmt
	kind, hasCTE := classifyRoot(root)

	return &ParsedStatement{
		Tree:   tree,
		Root:   root,
		Kind:   kind,
		HasCTE: hasCTE,
	}, nil
}

// Deparse renders the (possibly mutated) tree back to SQL text.
func (p *ParsedStatement) Deparse() (string, error) {
	out, err := pg_query.Deparse(p.Tree)
	if err != nil {
		return "", fmt.Errorf("deparse: %w", err)
	}
	return out, nil
}

// Select returns the root SelectStmt, or nil when the root is not a SELECT.
func (p *ParsedStatement) Select() *pg_query.SelectStmt {
	if sel, ok := p.Root.Node.(*pg_query.Node_SelectStmt); ok {
		return sel.SelectStmt
	}
	return nil
}

// IsReadOnlyRoot reports whether the root kind is in the read-only set:
// SELECT, set operations over SELECTs, and WITH wrapping a SELECT.
func (p *ParsedStatement) IsReadOnlyRoot() bool {
	return p.Kind == KindSelect || p.Kind == KindSetOperation
}

func classifyRoot(node *pg_query.Node) (StatementKind, bool) {
	if node == nil {
		return KindUnknown, false
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		hasCTE := n.SelectStmt.WithClause != nil
		if n.SelectStmt.Op != pg_query.SetOperation_SETOP_NONE {
			return KindSetOperation, hasCTE
		}
		return KindSelect, hasCTE
	case *pg_query.Node_InsertStmt:
		return KindInsert, n.InsertStmt.WithClause != nil
	case *pg_query.Node_UpdateStmt:
		return KindUpdate, n.UpdateStmt.WithClause != nil
	case *pg_query.Node_DeleteStmt:
		return KindDelete, n.DeleteStmt.WithClause != nil
	case *pg_query.Node_MergeStmt:
		return KindMerge, n.MergeStmt.WithClause != nil
	default:
		return KindUtility, false
	}
}

// RootCommandName returns the SQL command keyword for the root statement,
// e.g. "INSERT" or "TRUNCATE". Used in violation messages.
func (p *ParsedStatement) RootCommandName() string {
	return CommandName(p.Root)
}

// CommandName maps an AST node to its SQL command keyword. Unrecognized
// utility nodes report "DDL".
func CommandName(node *pg_query.Node) string {
	if node == nil {
		return "UNKNOWN"
	}
	switch node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		return "SELECT"
	case *pg_query.Node_InsertStmt:
		return "INSERT"
	case *pg_query.Node_UpdateStmt:
		return "UPDATE"
	case *pg_query.Node_DeleteStmt:
		return "DELETE"
	case *pg_query.Node_MergeStmt:
		return "MERGE"
	case *pg_query.Node_DropStmt, *pg_query.Node_DropdbStmt:
		return "DROP"
	case *pg_query.Node_TruncateStmt:
		return "TRUNCATE"
	case *pg_query.Node_AlterTableStmt, *pg_query.Node_AlterSystemStmt, *pg_query.Node_RenameStmt:
		return "ALTER"
	case *pg_query.Node_CreateStmt, *pg_query.Node_CreateTableAsStmt, *pg_query.Node_CreateSchemaStmt,
		*pg_query.Node_CreateSeqStmt, *pg_query.Node_ViewStmt, *pg_query.Node_IndexStmt,
		*pg_query.Node_CreateFunctionStmt, *pg_query.Node_CreateTrigStmt, *pg_query.Node_CreateExtensionStmt:
		return "CREATE"
	case *pg_query.Node_GrantStmt, *pg_query.Node_GrantRoleStmt:
		return "GRANT"
	case *pg_query.Node_CopyStmt:
		return "COPY"
	case *pg_query.Node_DoStmt:
		return "DO"
	case *pg_query.Node_CallStmt:
		return "CALL"
	case *pg_query.Node_VariableSetStmt:
		return "SET"
	case *pg_query.Node_TransactionStmt:
		return "TRANSACTION"
	case *pg_query.Node_LockStmt:
		return "LOCK"
	case *pg_query.Node_VacuumStmt:
		return "VACUUM"
	case *pg_query.Node_ExplainStmt:
		return "EXPLAIN"
	case *pg_query.Node_PrepareStmt:
		return "PREPARE"
	case *pg_query.Node_ExecuteStmt:
		return "EXECUTE"
	default:
		return "DDL"
	}
}
