package pg_lineage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// ColumnRef is a column read by a statement. Table is empty when the
// reference was unqualified in a single-table statement.
type ColumnRef struct {
	Table string `json:"table,omitempty"`
	Name  string `json:"name"`
}

func (c ColumnRef) String() string {
	if c.Table == "" {
		return c.Name
	}
	return c.Table + "." + c.Name
}

// Shape is what a SELECT reads, as far as the text alone can prove.
//
// Tables lists every base relation referenced anywhere in the statement
// (CTE names excluded). Columns is only meaningful when Opaque is false.
type Shape struct {
	Tables    []string    `json:"tables"`
	Columns   []ColumnRef `json:"columns"`
	Star      bool        `json:"star,omitempty"`
	Aggregate bool        `json:"aggregate,omitempty"`
	Opaque    bool        `json:"opaque,omitempty"`
}

// SingleTable returns the only table of a simple statement.
func (s *Shape) SingleTable() (string, bool) {
	if len(s.Tables) != 1 {
		return "", false
	}
	return s.Tables[0], true
}

var aggregates = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"array_agg": true, "string_agg": true, "json_agg": true, "jsonb_agg": true,
	"bool_and": true, "bool_or": true, "every": true,
}

// Analysis context.
type ctx struct {
	scope  map[string]string // alias -> base table
	ctes   map[string]bool
	tables map[string]struct{}
	cols   map[ColumnRef]struct{}
	shape  *Shape
}

// ----------------- Entry point -----------------

func Analyze(sql string) (*Shape, error) {
	raw, err := pg_query.ParseToJSON(sql)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	var tree map[string]any
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil, fmt.Errorf("invalid json ast: %w", err)
	}

	stmts, _ := tree["stmts"].([]any)
	if len(stmts) == 0 {
		return nil, fmt.Errorf("no statements")
	}
	if len(stmts) > 1 {
		return nil, fmt.Errorf("multiple statements")
	}
	stmt, _ := stmts[0].(map[string]any)["stmt"].(map[string]any)

	selectStmt, ok := stmt["SelectStmt"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("only SELECT supported")
	}

	c := &ctx{
		scope:  map[string]string{},
		ctes:   map[string]bool{},
		tables: map[string]struct{}{},
		cols:   map[ColumnRef]struct{}{},
		shape:  &Shape{},
	}
	c.analyzeSelect(selectStmt)
	return c.finish(), nil
}

// ----------------- SELECT analysis -----------------

func (c *ctx) analyzeSelect(sel map[string]any) {
	// CTE names shadow tables; their bodies still read base tables.
	c.deriveCTEs(sel)

	// Every RangeVar anywhere is a table the result may depend on.
	c.collectTables(sel)

	if op, _ := sel["op"].(string); op != "" && op != "SETOP_NONE" {
		c.shape.Opaque = true
		return
	}
	if sel["groupClause"] != nil || sel["havingClause"] != nil || sel["windowClause"] != nil {
		c.shape.Aggregate = true
	}
	if sel["distinctClause"] != nil {
		c.shape.Opaque = true
	}

	if fromClause, ok := sel["fromClause"].([]any); ok {
		c.buildScope(fromClause)
	}
	c.checkTargets(sel)

	for key, v := range sel {
		switch key {
		case "withClause", "larg", "rarg", "fromClause":
			continue
		}
		c.collectRefs(v)
	}
	// join conditions live inside the FROM clause
	if fromClause, ok := sel["fromClause"].([]any); ok {
		for _, n := range fromClause {
			if node, ok := n.(map[string]any); ok {
				if je, ok := node["JoinExpr"].(map[string]any); ok {
					c.collectJoinQuals(je)
				}
			}
		}
	}
}

// checkTargets marks computed select targets opaque. Plain columns,
// constants and aggregate calls keep column granularity.
func (c *ctx) checkTargets(sel map[string]any) {
	targets, _ := sel["targetList"].([]any)
	for _, t := range targets {
		rt, _ := t.(map[string]any)["ResTarget"].(map[string]any)
		val, _ := rt["val"].(map[string]any)
		for kind, body := range val {
			switch kind {
			case "ColumnRef", "A_Const":
			case "FuncCall":
				if fn, _ := body.(map[string]any); !isAggregate(fn) {
					c.shape.Opaque = true
				}
			default:
				c.shape.Opaque = true
			}
		}
	}
}

func (c *ctx) collectJoinQuals(je map[string]any) {
	if q := je["quals"]; q != nil {
		c.collectRefs(q)
	}
	for _, side := range []string{"larg", "rarg"} {
		if node, ok := je[side].(map[string]any); ok {
			if inner, ok := node["JoinExpr"].(map[string]any); ok {
				c.collectJoinQuals(inner)
			}
		}
	}
	if je["usingClause"] != nil || je["isNatural"] == true {
		// USING/NATURAL columns are implicit
		c.shape.Opaque = true
	}
}

func (c *ctx) deriveCTEs(sel map[string]any) {
	with, ok := sel["withClause"].(map[string]any)
	if !ok {
		return
	}
	ctes, ok := with["ctes"].([]any)
	if !ok {
		return
	}
	c.shape.Opaque = true
	for _, it := range ctes {
		cte, _ := it.(map[string]any)["CommonTableExpr"].(map[string]any)
		if name, ok := cte["ctename"].(string); ok {
			c.ctes[name] = true
		}
	}
}

// ----------------- BUILD SCOPE -----------------

func (c *ctx) buildScope(from []any) {
	for _, n := range from {
		node, _ := n.(map[string]any)
		switch {
		case node["RangeVar"] != nil:
			c.addRangeVar(node["RangeVar"].(map[string]any))
		case node["JoinExpr"] != nil:
			je := node["JoinExpr"].(map[string]any)
			if larg := je["larg"]; larg != nil {
				c.buildScope([]any{larg})
			}
			if rarg := je["rarg"]; rarg != nil {
				c.buildScope([]any{rarg})
			}
		default:
			// RangeSubselect, RangeFunction, VALUES lists...
			c.shape.Opaque = true
		}
	}
}

func (c *ctx) addRangeVar(rv map[string]any) {
	rel := relName(rv)
	alias := rel
	if a, ok := rv["alias"].(map[string]any); ok {
		if an, ok := a["aliasname"].(string); ok && an != "" {
			alias = an
		}
	}
	if c.ctes[rel] {
		c.shape.Opaque = true
		return
	}
	c.scope[alias] = rel
	if rn, _ := rv["relname"].(string); rn != alias {
		// unqualified name still reachable as a qualifier
		if _, taken := c.scope[rn]; !taken && alias == rel {
			c.scope[rn] = rel
		}
	}
}

func relName(rv map[string]any) string {
	rel, _ := rv["relname"].(string)
	if sch, ok := rv["schemaname"].(string); ok && sch != "" && sch != "public" {
		rel = sch + "." + rel
	}
	return rel
}

// collectTables walks the whole tree for RangeVar nodes.
func (c *ctx) collectTables(node any) {
	switch v := node.(type) {
	case map[string]any:
		if rv, ok := v["RangeVar"].(map[string]any); ok {
			rel := relName(rv)
			if _, isCTE := c.ctes[rel]; !isCTE && rel != "" {
				c.tables[rel] = struct{}{}
			}
		}
		if _, ok := v["SubLink"]; ok {
			c.shape.Opaque = true
		}
		for _, child := range v {
			c.collectTables(child)
		}
	case []any:
		for _, it := range v {
			c.collectTables(it)
		}
	}
}

// ----------------- RESOLUTION -----------------

// collectRefs walks maps/lists generically, resolving any ColumnRef it finds
// and noting aggregate calls.
func (c *ctx) collectRefs(node any) {
	switch v := node.(type) {
	case map[string]any:
		if colref, ok := v["ColumnRef"].(map[string]any); ok {
			c.addColumnRef(colref)
			return
		}
		if fn, ok := v["FuncCall"].(map[string]any); ok {
			if isAggregate(fn) {
				c.shape.Aggregate = true
			}
		}
		for _, child := range v {
			c.collectRefs(child)
		}
	case []any:
		for _, it := range v {
			c.collectRefs(it)
		}
	}
}

func (c *ctx) addColumnRef(colref map[string]any) {
	if isStar(colref) {
		c.shape.Star = true
		return
	}
	parts := extractFields(colref)
	switch len(parts) {
	case 0:
		return
	case 1:
		if _, ok := c.scope[parts[0]]; ok {
			// whole-row reference: SELECT u FROM users u, row_to_json(u)
			c.shape.Star = true
			return
		}
		c.cols[ColumnRef{Name: parts[0]}] = struct{}{}
	default:
		qual := strings.Join(parts[:len(parts)-1], ".")
		tbl, ok := c.scope[qual]
		if !ok {
			// correlated or unknown qualifier
			c.shape.Opaque = true
			return
		}
		c.cols[ColumnRef{Table: tbl, Name: parts[len(parts)-1]}] = struct{}{}
	}
}

func (c *ctx) finish() *Shape {
	s := c.shape
	s.Tables = make([]string, 0, len(c.tables))
	for t := range c.tables {
		s.Tables = append(s.Tables, t)
	}
	sort.Strings(s.Tables)

	// unqualified refs belong to the single source, if there is one
	single, _ := s.SingleTable()
	seen := map[ColumnRef]struct{}{}
	for ref := range c.cols {
		if ref.Table == "" {
			if single == "" {
				s.Opaque = true
				break
			}
			ref.Table = single
		}
		seen[ref] = struct{}{}
	}
	if s.Opaque {
		s.Columns = []ColumnRef{}
		return s
	}
	s.Columns = make([]ColumnRef, 0, len(seen))
	for ref := range seen {
		s.Columns = append(s.Columns, ref)
	}
	sort.Slice(s.Columns, func(i, j int) bool {
		return s.Columns[i].String() < s.Columns[j].String()
	})
	return s
}

// ----------------- UTIL -----------------

func isAggregate(fn map[string]any) bool {
	return fn["agg_star"] == true || aggregates[strings.ToLower(funcName(fn))] || fn["over"] != nil
}

func funcName(fn map[string]any) string {
	if nlist, ok := fn["funcname"].([]any); ok {
		last := ""
		for _, n := range nlist {
			if s, ok := n.(map[string]any)["String"].(map[string]any); ok {
				if v, ok := s["sval"].(string); ok {
					last = v
				} else if v, ok := s["str"].(string); ok {
					last = v
				}
			}
		}
		return last
	}
	return ""
}

func extractFields(colref map[string]any) []string {
	raw, ok := colref["fields"].([]any)
	if !ok {
		return nil
	}
	var fields []string
	for _, f := range raw {
		if s, ok := f.(map[string]any)["String"].(map[string]any); ok {
			if v, ok := s["sval"].(string); ok {
				fields = append(fields, v)
			} else if v, ok := s["str"].(string); ok {
				fields = append(fields, v)
			}
		}
	}
	return fields
}

func isStar(colref map[string]any) bool {
	raw, ok := colref["fields"].([]any)
	if !ok {
		return false
	}
	for _, f := range raw {
		if _, ok := f.(map[string]any)["A_Star"]; ok {
			return true
		}
	}
	return false
}
