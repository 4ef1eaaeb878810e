package reactive

import (
	"fmt"
	"sort"
	"strings"
)

// Predicate is a node of a filter or join condition tree. The set of node
// types is closed; compilers switch over the concrete types below.
type Predicate interface {
	// refs appends the columns read by the predicate. ok is false when the
	// predicate contains something whose reads cannot be named.
	refs(dst []ColumnRef) (out []ColumnRef, ok bool)
	canon(b *strings.Builder, d Definition)
}

// Cmp compares a column against a literal: Col Op Value.
type Cmp struct {
	Col   ColumnRef
	Op    string
	Value any
}

// ColCmp compares two columns, typically a join condition.
type ColCmp struct {
	Left  ColumnRef
	Op    string
	Right ColumnRef
}

type And []Predicate

type Or []Predicate

type Not struct{ P Predicate }

type IsNull struct {
	Col    ColumnRef
	Negate bool
}

type In struct {
	Col    ColumnRef
	Values []any
}

// RawPredicate is an opaque SQL fragment. Its reads are unknown, so any
// definition using it is analyzed at table granularity.
type RawPredicate struct {
	SQL  string
	Args []any
}

// Where helpers keep call sites short.
func Eq(col string, v any) Cmp  { return Cmp{Col: Col(col), Op: "=", Value: v} }
func Gt(col string, v any) Cmp  { return Cmp{Col: Col(col), Op: ">", Value: v} }
func Lt(col string, v any) Cmp  { return Cmp{Col: Col(col), Op: "<", Value: v} }
func Gte(col string, v any) Cmp { return Cmp{Col: Col(col), Op: ">=", Value: v} }
func Lte(col string, v any) Cmp { return Cmp{Col: Col(col), Op: "<=", Value: v} }

func (p Cmp) refs(dst []ColumnRef) ([]ColumnRef, bool) { return append(dst, p.Col), true }

func (p ColCmp) refs(dst []ColumnRef) ([]ColumnRef, bool) {
	return append(dst, p.Left, p.Right), true
}

func (p IsNull) refs(dst []ColumnRef) ([]ColumnRef, bool) { return append(dst, p.Col), true }

func (p In) refs(dst []ColumnRef) ([]ColumnRef, bool) { return append(dst, p.Col), true }

func (p RawPredicate) refs(dst []ColumnRef) ([]ColumnRef, bool) { return dst, false }

func (p Not) refs(dst []ColumnRef) ([]ColumnRef, bool) {
	if p.P == nil {
		return dst, true
	}
	return p.P.refs(dst)
}

func (p And) refs(dst []ColumnRef) ([]ColumnRef, bool) { return refsAll(dst, p) }

func (p Or) refs(dst []ColumnRef) ([]ColumnRef, bool) { return refsAll(dst, p) }

func refsAll(dst []ColumnRef, ps []Predicate) ([]ColumnRef, bool) {
	ok := true
	for _, c := range ps {
		if c == nil {
			continue
		}
		var cok bool
		dst, cok = c.refs(dst)
		ok = ok && cok
	}
	return dst, ok
}

func (p Cmp) canon(b *strings.Builder, d Definition) {
	fmt.Fprintf(b, "%s %s %s", d.canonRef(p.Col), strings.ToLower(strings.TrimSpace(p.Op)), canonValue(p.Value))
}

func (p ColCmp) canon(b *strings.Builder, d Definition) {
	fmt.Fprintf(b, "%s %s %s", d.canonRef(p.Left), strings.ToLower(strings.TrimSpace(p.Op)), d.canonRef(p.Right))
}

func (p IsNull) canon(b *strings.Builder, d Definition) {
	b.WriteString(d.canonRef(p.Col))
	if p.Negate {
		b.WriteString(" is not null")
	} else {
		b.WriteString(" is null")
	}
}

func (p In) canon(b *strings.Builder, d Definition) {
	b.WriteString(d.canonRef(p.Col) + " in (")
	for i, v := range p.Values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(canonValue(v))
	}
	b.WriteString(")")
}

func (p RawPredicate) canon(b *strings.Builder, _ Definition) {
	b.WriteString("raw(" + strings.Join(strings.Fields(p.SQL), " "))
	for _, a := range p.Args {
		b.WriteString("|" + canonValue(a))
	}
	b.WriteString(")")
}

func (p Not) canon(b *strings.Builder, d Definition) {
	b.WriteString("not(")
	if p.P != nil {
		canonPredicate(b, d, p.P)
	}
	b.WriteString(")")
}

func (p And) canon(b *strings.Builder, d Definition) { canonGroup(b, d, "and", p) }

func (p Or) canon(b *strings.Builder, d Definition) { canonGroup(b, d, "or", p) }

// canonPredicate collapses single-child groups before rendering.
func canonPredicate(b *strings.Builder, d Definition, p Predicate) {
	switch v := p.(type) {
	case And:
		if kids := flatten(v, true); len(kids) == 1 {
			canonPredicate(b, d, kids[0])
			return
		}
	case Or:
		if kids := flatten(v, false); len(kids) == 1 {
			canonPredicate(b, d, kids[0])
			return
		}
	}
	p.canon(b, d)
}

func canonGroup(b *strings.Builder, d Definition, op string, ps []Predicate) {
	kids := flatten(ps, op == "and")
	parts := make([]string, 0, len(kids))
	for _, k := range kids {
		var sb strings.Builder
		canonPredicate(&sb, d, k)
		parts = append(parts, sb.String())
	}
	// conjunction and disjunction are commutative
	sort.Strings(parts)
	b.WriteString(op + "(" + strings.Join(parts, ";") + ")")
}

// flatten lifts nested groups of the same kind and drops nil children.
func flatten(ps []Predicate, and bool) []Predicate {
	var out []Predicate
	for _, p := range ps {
		switch v := p.(type) {
		case nil:
		case And:
			if and {
				out = append(out, flatten(v, true)...)
				continue
			}
			out = append(out, v)
		case Or:
			if !and {
				out = append(out, flatten(v, false)...)
				continue
			}
			out = append(out, v)
		default:
			out = append(out, p)
		}
	}
	return out
}

func canonValue(v any) string {
	return fmt.Sprintf("%T:%v", v, v)
}
