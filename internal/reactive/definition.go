package reactive

import (
	"fmt"
	"sort"
	"strings"
)

// ColumnRef names a column, optionally qualified by a table name or alias.
// An empty Table means the definition's source table.
type ColumnRef struct {
	Table string `json:"table,omitempty"`
	Name  string `json:"name"`
}

// Col is shorthand for an unqualified ColumnRef.
func Col(name string) ColumnRef { return ColumnRef{Name: name} }

func (c ColumnRef) String() string {
	if c.Table == "" {
		return c.Name
	}
	return c.Table + "." + c.Name
}

// Column is one entry of a select list. Exactly one of Ref, Star, Expr is
// meaningful; Func marks Ref as an aggregate argument (COUNT(Ref) etc).
type Column struct {
	Ref   ColumnRef `json:"ref"`
	Star  bool      `json:"star,omitempty"`
	Expr  string    `json:"expr,omitempty"`
	Func  string    `json:"func,omitempty"`
	Alias string    `json:"alias,omitempty"`
}

// Named selects plain columns of the source table.
func Named(names ...string) []Column {
	out := make([]Column, len(names))
	for i, n := range names {
		out[i] = Column{Ref: Col(n)}
	}
	return out
}

type JoinKind string

const (
	InnerJoin JoinKind = "INNER"
	LeftJoin  JoinKind = "LEFT"
	RightJoin JoinKind = "RIGHT"
	FullJoin  JoinKind = "FULL"
	CrossJoin JoinKind = "CROSS"
)

type Join struct {
	Kind  JoinKind  `json:"kind"`
	Table string    `json:"table"`
	Alias string    `json:"alias,omitempty"`
	On    Predicate `json:"-"`
}

type Order struct {
	Col        ColumnRef `json:"col"`
	Desc       bool      `json:"desc,omitempty"`
	NullsFirst bool      `json:"nullsFirst,omitempty"`
}

// RawSQL carries an opaque SQL statement produced upstream. Tables and
// Columns are whatever the query-builder layer could prove the statement
// reads; Opaque is set when that proof failed for part of the statement.
type RawSQL struct {
	SQL     string
	Args    []any
	Tables  []string
	Columns []ColumnRef
	Opaque  bool
}

// Definition is an immutable query shape. Build it once and pass it by value;
// nothing in this package mutates a Definition it was handed.
type Definition struct {
	Table   string
	Alias   string
	Columns []Column
	Joins   []Join
	Where   Predicate
	GroupBy []ColumnRef
	OrderBy []Order
	Limit   int
	Offset  int

	Raw *RawSQL
}

// Select starts a single-table definition over table.
func Select(table string, columns ...string) Definition {
	return Definition{Table: table, Columns: Named(columns...)}
}

// Tables returns every relation the definition touches, source first.
func (d Definition) Tables() []string {
	if d.Raw != nil {
		return normalizeTables(d.Raw.Tables)
	}
	seen := map[string]struct{}{}
	var out []string
	add := func(t string) {
		t = NormalizeTable(t)
		if t == "" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	add(d.Table)
	for _, j := range d.Joins {
		add(j.Table)
	}
	return out
}

// resolveTable maps a qualifier (table name or alias) back to a table name.
func (d Definition) resolveTable(qualifier string) string {
	switch i := d.relation(qualifier); {
	case i == 0:
		return NormalizeTable(d.Table)
	case i > 0:
		return NormalizeTable(d.Joins[i-1].Table)
	}
	return NormalizeTable(qualifier)
}

// relation returns the position of the relation a qualifier names: 0 for the
// source, i+1 for join i, -1 when nothing matches. Aliases win over table
// names so self-joins resolve to the right side.
func (d Definition) relation(qualifier string) int {
	q := normIdent(qualifier)
	if q == "" {
		return 0
	}
	if d.Alias != "" && q == normIdent(d.Alias) {
		return 0
	}
	for i, j := range d.Joins {
		if j.Alias != "" && q == normIdent(j.Alias) {
			return i + 1
		}
	}
	q = NormalizeTable(q)
	if q == NormalizeTable(d.Table) {
		return 0
	}
	for i, j := range d.Joins {
		if q == NormalizeTable(j.Table) {
			return i + 1
		}
	}
	return -1
}

// canonQualifier renders a qualifier by relation position. The source folds to
// its table name; joins render as j1, j2, ... so swapped sides of a self-join
// stay distinct.
func (d Definition) canonQualifier(qualifier string) string {
	switch i := d.relation(qualifier); {
	case i == 0:
		return NormalizeTable(d.Table)
	case i > 0:
		return fmt.Sprintf("j%d", i)
	}
	return "?" + normIdent(qualifier)
}

// Equal reports whether two definitions are materially the same query.
func (d Definition) Equal(o Definition) bool {
	return d.Fingerprint() == o.Fingerprint()
}

// Fingerprint renders the normalized definition. Two definitions that differ
// only in identifier case, redundant qualifiers, surrounding whitespace or
// And/Or nesting produce the same fingerprint.
func (d Definition) Fingerprint() string {
	var b strings.Builder
	if d.Raw != nil {
		b.WriteString("raw:")
		b.WriteString(strings.Join(strings.Fields(d.Raw.SQL), " "))
		for _, a := range d.Raw.Args {
			fmt.Fprintf(&b, "|%T:%v", a, a)
		}
		return b.String()
	}
	b.WriteString("from:")
	b.WriteString(NormalizeTable(d.Table))
	b.WriteString(" cols:")
	if len(d.Columns) == 0 {
		b.WriteString("*")
	}
	for i, c := range d.Columns {
		if i > 0 {
			b.WriteByte(',')
		}
		switch {
		case c.Star:
			if c.Ref.Table != "" {
				b.WriteString(d.canonQualifier(c.Ref.Table) + ".")
			}
			b.WriteString("*")
		case c.Expr != "":
			b.WriteString("expr(" + strings.Join(strings.Fields(c.Expr), " ") + ")")
		default:
			if c.Func != "" {
				b.WriteString(strings.ToLower(c.Func) + "(")
			}
			b.WriteString(d.canonRef(c.Ref))
			if c.Func != "" {
				b.WriteString(")")
			}
		}
		if c.Alias != "" {
			b.WriteString(" as " + normIdent(c.Alias))
		}
	}
	for i, j := range d.Joins {
		fmt.Fprintf(&b, " join:j%d:%s:%s", i+1, strings.ToLower(string(j.Kind)), NormalizeTable(j.Table))
		if j.On != nil {
			b.WriteString(" on ")
			canonPredicate(&b, d, j.On)
		}
	}
	if d.Where != nil {
		b.WriteString(" where ")
		canonPredicate(&b, d, d.Where)
	}
	if len(d.GroupBy) > 0 {
		b.WriteString(" group:")
		for i, g := range d.GroupBy {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(d.canonRef(g))
		}
	}
	if len(d.OrderBy) > 0 {
		b.WriteString(" order:")
		for i, o := range d.OrderBy {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(d.canonRef(o.Col))
			if o.Desc {
				b.WriteString(" desc")
			}
			if o.NullsFirst {
				b.WriteString(" nullsfirst")
			}
		}
	}
	if d.Limit > 0 {
		fmt.Fprintf(&b, " limit:%d", d.Limit)
	}
	if d.Offset > 0 {
		fmt.Fprintf(&b, " offset:%d", d.Offset)
	}
	return b.String()
}

func (d Definition) canonRef(c ColumnRef) string {
	return d.canonQualifier(c.Table) + "." + normIdent(c.Name)
}

func normIdent(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeTable folds a table name to the form used in dependency keys:
// lower case, trimmed, without the default public schema.
func NormalizeTable(s string) string {
	s = normIdent(s)
	if rest, ok := strings.CutPrefix(s, "public."); ok {
		return rest
	}
	return s
}

func normalizeTables(ts []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		t = NormalizeTable(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
