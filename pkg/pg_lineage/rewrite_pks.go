package pg_lineage

import (
	"fmt"
	"sort"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// KeyColumn is a primary key column appended to a SELECT list.
type KeyColumn struct {
	Alias  string `json:"alias"`
	Table  string `json:"table"`
	Column string `json:"column"`
	Name   string `json:"name"`
}

// RewriteSelectInjectPKs appends "_pk_<alias>_<pk>" outputs for every base
// table of a top-level SELECT, so each result row carries the keys of the
// rows it was built from.
//
// Statements whose rows do not map back to base rows (aggregates, DISTINCT,
// set operations, CTEs, derived tables, tables without a primary key) are
// returned unchanged with no keys.
func RewriteSelectInjectPKs(sql string, cat Catalog) (string, []KeyColumn, error) {
	shape, err := Analyze(sql)
	if err != nil {
		return "", nil, err
	}
	if shape.Aggregate {
		return sql, nil, nil
	}

	tree, err := pg_query.Parse(sql)
	if err != nil {
		return "", nil, fmt.Errorf("parse: %w", err)
	}
	sel := tree.GetStmts()[0].GetStmt().GetSelectStmt()
	if sel.GetOp() != pg_query.SetOperation_SETOP_NONE ||
		sel.GetWithClause() != nil ||
		len(sel.GetDistinctClause()) > 0 ||
		len(sel.GetValuesLists()) > 0 {
		return sql, nil, nil
	}

	scope, ok := collectAliases(sel.GetFromClause())
	if !ok || len(scope) == 0 {
		return sql, nil, nil
	}

	existingNames := make(map[string]struct{}, len(sel.GetTargetList()))
	for _, n := range sel.GetTargetList() {
		if rt := n.GetResTarget(); rt != nil && rt.GetName() != "" {
			existingNames[rt.GetName()] = struct{}{}
		}
	}

	var (
		added   []*pg_query.Node
		keyCols []KeyColumn
	)
	for _, src := range scope {
		pks, ok := cat.PrimaryKeys(src.table)
		if !ok || len(pks) == 0 {
			// one keyless source makes the whole row keyless
			return sql, nil, nil
		}
		for _, pk := range pks {
			targetName := fmt.Sprintf("_pk_%s_%s", src.alias, pk)
			if _, exists := existingNames[targetName]; exists {
				continue
			}
			existingNames[targetName] = struct{}{}
			added = append(added, node(makeResTargetForAliasCol(src.alias, pk, targetName)))
			keyCols = append(keyCols, KeyColumn{Alias: src.alias, Table: src.table, Column: pk, Name: targetName})
		}
	}

	// Deterministic order: only the injected tail is sorted, user targets stay put.
	sort.SliceStable(added, func(i, j int) bool {
		return added[i].GetResTarget().GetName() < added[j].GetResTarget().GetName()
	})
	sort.SliceStable(keyCols, func(i, j int) bool { return keyCols[i].Name < keyCols[j].Name })
	sel.TargetList = append(sel.TargetList, added...)

	out, err := pg_query.Deparse(tree)
	if err != nil {
		return "", nil, fmt.Errorf("deparse: %w", err)
	}
	return out, keyCols, nil
}

type source struct {
	alias string // name the relation is exposed as
	table string // name Analyze reports
}

// collectAliases returns the base relations of one FROM clause. ok is false
// when the clause has anything other than tables and joins.
func collectAliases(from []*pg_query.Node) ([]source, bool) {
	var out []source
	for _, n := range from {
		switch {
		case n.GetRangeVar() != nil:
			rv := n.GetRangeVar()
			rel := rv.GetRelname()
			if sch := rv.GetSchemaname(); sch != "" && sch != "public" {
				rel = sch + "." + rel
			}
			alias := rv.GetRelname()
			if rv.GetAlias() != nil && rv.GetAlias().GetAliasname() != "" {
				alias = rv.GetAlias().GetAliasname()
			}
			out = append(out, source{alias: alias, table: rel})

		case n.GetJoinExpr() != nil:
			je := n.GetJoinExpr()
			if je.GetAlias() != nil {
				// aliased join hides its inputs' names
				return nil, false
			}
			for _, side := range []*pg_query.Node{je.GetLarg(), je.GetRarg()} {
				if side == nil {
					continue
				}
				inner, ok := collectAliases([]*pg_query.Node{side})
				if !ok {
					return nil, false
				}
				out = append(out, inner...)
			}

		default:
			return nil, false
		}
	}
	return out, true
}

// Helpers
func makeResTargetForAliasCol(alias, col, name string) *pg_query.ResTarget {
	colref := &pg_query.ColumnRef{
		Fields: []*pg_query.Node{strNode(alias), strNode(col)},
	}
	return &pg_query.ResTarget{
		Name: name,
		Val:  node(colref),
	}
}

func strNode(s string) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_String_{
			String_: &pg_query.String{Sval: s},
		},
	}
}

func node(x any) *pg_query.Node {
	switch v := x.(type) {
	case *pg_query.ResTarget:
		return &pg_query.Node{Node: &pg_query.Node_ResTarget{ResTarget: v}}
	case *pg_query.ColumnRef:
		return &pg_query.Node{Node: &pg_query.Node_ColumnRef{ColumnRef: v}}
	default:
		panic("unsupported node helper")
	}
}
