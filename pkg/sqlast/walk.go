package sqlast

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Action directs a Traverse walk at each visited message.
type Action int

const (
	// Continue descends into the message's children.
	Continue Action = iota
	// SkipChildren visits siblings but not this message's subtree.
	SkipChildren
	// Stop ends the whole walk.
	Stop
)

// Traverse walks every populated message in the parse tree depth-first.
// Traversal over protobuf reflection guarantees no node kind is silently
// skipped by a security check: new parser node types are visited without
// code changes.
func Traverse(m protoreflect.Message, visit func(protoreflect.Message) Action) bool {
	switch visit(m) {
	case Stop:
		return false
	case SkipChildren:
		return true
	}

	cont := true
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Kind() != protoreflect.MessageKind || fd.IsMap() {
			return true
		}
		if fd.IsList() {
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				if !Traverse(list.Get(i).Message(), visit) {
					cont = false
					return false
				}
			}
			return true
		}
		if !Traverse(v.Message(), visit) {
			cont = false
			return false
		}
		return true
	})
	return cont
}

// CollectTables returns every table reference in the tree, in traversal
// order. References to CTE aliases appear here as well; callers resolve
// them against CollectCTENames before treating them as real tables.
func CollectTables(node *pg_query.Node) []*pg_query.RangeVar {
	var out []*pg_query.RangeVar
	if node == nil {
		return out
	}
	Traverse(node.ProtoReflect(), func(m protoreflect.Message) Action {
		if rv, ok := m.Interface().(*pg_query.RangeVar); ok {
			out = append(out, rv)
		}
		return Continue
	})
	return out
}

// CollectCTENames returns the set of CTE names declared anywhere in the
// tree, lowercased for case-insensitive resolution.
func CollectCTENames(node *pg_query.Node) map[string]struct{} {
	names := make(map[string]struct{})
	if node == nil {
		return names
	}
	Traverse(node.ProtoReflect(), func(m protoreflect.Message) Action {
		if cte, ok := m.Interface().(*pg_query.CommonTableExpr); ok {
			names[strings.ToLower(cte.Ctename)] = struct{}{}
		}
		return Continue
	})
	return names
}

// CollectFunctions returns the canonical (lowercase, schema-stripped) names
// of every function call in the tree.
func CollectFunctions(node *pg_query.Node) []string {
	var out []string
	if node == nil {
		return out
	}
	Traverse(node.ProtoReflect(), func(m protoreflect.Message) Action {
		if fc, ok := m.Interface().(*pg_query.FuncCall); ok {
			if name := FunctionName(fc); name != "" {
				out = append(out, name)
			}
		}
		return Continue
	})
	return out
}

// FunctionName resolves a function call to its canonical lowercase name,
// stripping any schema qualification (pg_catalog.pg_sleep -> pg_sleep).
func FunctionName(fc *pg_query.FuncCall) string {
	if fc == nil || len(fc.Funcname) == 0 {
		return ""
	}
	last := fc.Funcname[len(fc.Funcname)-1]
	if s, ok := last.Node.(*pg_query.Node_String_); ok {
		return strings.ToLower(s.String_.Sval)
	}
	return ""
}

// CollectColumns returns every column reference in the tree as a dotted
// path ("t.org_id", "*"). Used for audit metadata only.
func CollectColumns(node *pg_query.Node) []string {
	var out []string
	if node == nil {
		return out
	}
	Traverse(node.ProtoReflect(), func(m protoreflect.Message) Action {
		cr, ok := m.Interface().(*pg_query.ColumnRef)
		if !ok {
			return Continue
		}
		parts := make([]string, 0, len(cr.Fields))
		for _, f := range cr.Fields {
			switch fn := f.Node.(type) {
			case *pg_query.Node_String_:
				parts = append(parts, fn.String_.Sval)
			case *pg_query.Node_AStar:
				parts = append(parts, "*")
			}
		}
		if len(parts) > 0 {
			out = append(out, strings.Join(parts, "."))
		}
		return Continue
	})
	return out
}

// CountJoins returns the number of explicit join nodes in the tree plus the
// number of implicit comma joins in FROM clauses.
func CountJoins(node *pg_query.Node) int {
	joins := 0
	if node == nil {
		return 0
	}
	Traverse(node.ProtoReflect(), func(m protoreflect.Message) Action {
		switch v := m.Interface().(type) {
		case *pg_query.JoinExpr:
			joins++
		case *pg_query.SelectStmt:
			if n := len(v.FromClause); n > 1 {
				joins += n - 1
			}
		}
		return Continue
	})
	return joins
}

// CountNodes counts AST nodes up to max. The second return is true when the
// tree exceeds max; counting stops there, so the returned count is a floor.
func CountNodes(node *pg_query.Node, max int) (int, bool) {
	if node == nil {
		return 0, false
	}
	count := 0
	exceeded := false
	Traverse(node.ProtoReflect(), func(m protoreflect.Message) Action {
		count++
		if max > 0 && count > max {
			exceeded = true
			return Stop
		}
		return Continue
	})
	return count, exceeded
}

// mutatingNodeNames maps parser node descriptor names to the SQL command
// they represent. Any occurrence anywhere in a tree marks the statement
// mutating; the set deliberately includes session and maintenance commands.
var mutatingNodeNames = map[protoreflect.FullName]string{
	"pg_query.InsertStmt":           "INSERT",
	"pg_query.UpdateStmt":           "UPDATE",
	"pg_query.DeleteStmt":           "DELETE",
	"pg_query.MergeStmt":            "MERGE",
	"pg_query.DropStmt":             "DROP",
	"pg_query.DropdbStmt":           "DROP",
	"pg_query.TruncateStmt":         "TRUNCATE",
	"pg_query.AlterTableStmt":       "ALTER",
	"pg_query.AlterSystemStmt":      "ALTER",
	"pg_query.RenameStmt":           "ALTER",
	"pg_query.AlterRoleStmt":        "ALTER",
	"pg_query.AlterSeqStmt":         "ALTER",
	"pg_query.CreateStmt":           "CREATE",
	"pg_query.CreateTableAsStmt":    "CREATE",
	"pg_query.CreateSchemaStmt":     "CREATE",
	"pg_query.CreateSeqStmt":        "CREATE",
	"pg_query.CreateRoleStmt":       "CREATE",
	"pg_query.CreateFunctionStmt":   "CREATE",
	"pg_query.CreateTrigStmt":       "CREATE",
	"pg_query.CreateExtensionStmt":  "CREATE",
	"pg_query.ViewStmt":             "CREATE",
	"pg_query.IndexStmt":            "CREATE",
	"pg_query.RuleStmt":             "CREATE",
	"pg_query.DropRoleStmt":         "DROP",
	"pg_query.GrantStmt":            "GRANT",
	"pg_query.GrantRoleStmt":        "GRANT",
	"pg_query.CopyStmt":             "COPY",
	"pg_query.DoStmt":               "DO",
	"pg_query.CallStmt":             "CALL",
	"pg_query.VariableSetStmt":      "SET",
	"pg_query.TransactionStmt":      "TRANSACTION",
	"pg_query.LockStmt":             "LOCK",
	"pg_query.VacuumStmt":           "VACUUM",
	"pg_query.ClusterStmt":          "CLUSTER",
	"pg_query.ReindexStmt":          "REINDEX",
	"pg_query.RefreshMatViewStmt":   "REFRESH",
	"pg_query.PrepareStmt":          "PREPARE",
	"pg_query.ExecuteStmt":          "EXECUTE",
	"pg_query.DeallocateStmt":       "DEALLOCATE",
	"pg_query.ListenStmt":           "LISTEN",
	"pg_query.NotifyStmt":           "NOTIFY",
	"pg_query.UnlistenStmt":         "UNLISTEN",
	"pg_query.DiscardStmt":          "DISCARD",
	"pg_query.CommentStmt":          "COMMENT",
	"pg_query.CreatedbStmt":         "CREATE",
	"pg_query.AlterDatabaseStmt":    "ALTER",
	"pg_query.AlterDatabaseSetStmt": "ALTER",
	"pg_query.AlterRoleSetStmt":     "ALTER",
	"pg_query.SecLabelStmt":         "SECURITY LABEL",
	"pg_query.DefineStmt":           "CREATE",
	"pg_query.CreateDomainStmt":     "CREATE",
	"pg_query.CompositeTypeStmt":    "CREATE",
}

// FindMutations returns the distinct mutating commands found anywhere in
// the tree, in discovery order. The scan is recursive: a DELETE buried in a
// CTE or sublink is reported the same as a top-level DELETE.
func FindMutations(node *pg_query.Node) []string {
	var out []string
	if node == nil {
		return out
	}
	seen := make(map[string]struct{})
	Traverse(node.ProtoReflect(), func(m protoreflect.Message) Action {
		name := m.Descriptor().FullName()
		if cmd, ok := mutatingNodeNames[name]; ok {
			if _, dup := seen[cmd]; !dup {
				seen[cmd] = struct{}{}
				out = append(out, cmd)
			}
		}
		return Continue
	})
	return out
}
