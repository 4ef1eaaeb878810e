package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/zoravur/livequery/internal/reactive"
)

var allowedOps = map[string]string{
	"=":           "=",
	"==":          "=",
	"!=":          "<>",
	"<>":          "<>",
	"<":           "<",
	"<=":          "<=",
	">":           ">",
	">=":          ">=",
	"like":        "LIKE",
	"not like":    "NOT LIKE",
	"ilike":       "ILIKE",
	"not ilike":   "NOT ILIKE",
	"is distinct": "IS DISTINCT FROM",
}

var allowedFuncs = map[string]bool{
	"count": true,
	"sum":   true,
	"avg":   true,
	"min":   true,
	"max":   true,
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// Compile renders def as a single PostgreSQL SELECT with $n placeholders.
// Raw definitions pass through untouched.
func Compile(def reactive.Definition) (string, []any, error) {
	if def.Raw != nil {
		return def.Raw.SQL, def.Raw.Args, nil
	}
	if strings.TrimSpace(def.Table) == "" {
		return "", nil, fmt.Errorf("compile: definition has no source table")
	}
	c := &compiler{}
	if err := c.selectStmt(def); err != nil {
		return "", nil, fmt.Errorf("compile: %w", err)
	}
	return c.b.String(), c.args, nil
}

type compiler struct {
	b    strings.Builder
	args []any
}

func (c *compiler) bind(v any) string {
	c.args = append(c.args, v)
	return "$" + strconv.Itoa(len(c.args))
}

func (c *compiler) selectStmt(d reactive.Definition) error {
	c.b.WriteString("SELECT ")
	if len(d.Columns) == 0 {
		c.b.WriteString("*")
	}
	for i, col := range d.Columns {
		if i > 0 {
			c.b.WriteString(", ")
		}
		if err := c.column(col); err != nil {
			return err
		}
	}

	c.b.WriteString(" FROM ")
	c.b.WriteString(QuoteTable(d.Table))
	if d.Alias != "" {
		c.b.WriteString(" AS " + pq.QuoteIdentifier(d.Alias))
	}

	for _, j := range d.Joins {
		if err := c.join(j); err != nil {
			return err
		}
	}
	if d.Where != nil {
		c.b.WriteString(" WHERE ")
		if err := c.predicate(d.Where); err != nil {
			return err
		}
	}
	if len(d.GroupBy) > 0 {
		c.b.WriteString(" GROUP BY ")
		for i, g := range d.GroupBy {
			if i > 0 {
				c.b.WriteString(", ")
			}
			c.b.WriteString(quoteRef(g))
		}
	}
	if len(d.OrderBy) > 0 {
		c.b.WriteString(" ORDER BY ")
		for i, o := range d.OrderBy {
			if i > 0 {
				c.b.WriteString(", ")
			}
			c.b.WriteString(quoteRef(o.Col))
			if o.Desc {
				c.b.WriteString(" DESC")
			}
			if o.NullsFirst {
				c.b.WriteString(" NULLS FIRST")
			}
		}
	}
	if d.Limit > 0 {
		fmt.Fprintf(&c.b, " LIMIT %d", d.Limit)
	}
	if d.Offset > 0 {
		fmt.Fprintf(&c.b, " OFFSET %d", d.Offset)
	}
	return nil
}

func (c *compiler) column(col reactive.Column) error {
	switch {
	case col.Star:
		if col.Ref.Table != "" {
			c.b.WriteString(pq.QuoteIdentifier(col.Ref.Table) + ".")
		}
		c.b.WriteString("*")
	case col.Expr != "":
		c.b.WriteString("(" + col.Expr + ")")
	case col.Func != "":
		fn := strings.ToLower(col.Func)
		if !allowedFuncs[fn] {
			return fmt.Errorf("unsupported aggregate %q", col.Func)
		}
		arg := "*"
		if col.Ref.Name != "" {
			arg = quoteRef(col.Ref)
		}
		c.b.WriteString(strings.ToUpper(fn) + "(" + arg + ")")
	default:
		if col.Ref.Name == "" {
			return fmt.Errorf("empty column reference")
		}
		c.b.WriteString(quoteRef(col.Ref))
	}
	if col.Alias != "" {
		c.b.WriteString(" AS " + pq.QuoteIdentifier(col.Alias))
	}
	return nil
}

func (c *compiler) join(j reactive.Join) error {
	kind := strings.ToUpper(string(j.Kind))
	if kind == "" {
		kind = string(reactive.InnerJoin)
	}
	switch reactive.JoinKind(kind) {
	case reactive.InnerJoin, reactive.LeftJoin, reactive.RightJoin, reactive.FullJoin, reactive.CrossJoin:
	default:
		return fmt.Errorf("unsupported join kind %q", j.Kind)
	}
	c.b.WriteString(" " + kind + " JOIN " + QuoteTable(j.Table))
	if j.Alias != "" {
		c.b.WriteString(" AS " + pq.QuoteIdentifier(j.Alias))
	}
	if reactive.JoinKind(kind) == reactive.CrossJoin {
		return nil
	}
	if j.On == nil {
		return fmt.Errorf("%s join on %s has no condition", strings.ToLower(kind), j.Table)
	}
	c.b.WriteString(" ON ")
	return c.predicate(j.On)
}

func (c *compiler) predicate(p reactive.Predicate) error {
	switch v := p.(type) {
	case reactive.Cmp:
		op, err := sqlOp(v.Op)
		if err != nil {
			return err
		}
		if v.Value == nil {
			switch op {
			case "=":
				c.b.WriteString(quoteRef(v.Col) + " IS NULL")
				return nil
			case "<>":
				c.b.WriteString(quoteRef(v.Col) + " IS NOT NULL")
				return nil
			}
		}
		c.b.WriteString(quoteRef(v.Col) + " " + op + " " + c.bind(v.Value))
	case reactive.ColCmp:
		op, err := sqlOp(v.Op)
		if err != nil {
			return err
		}
		c.b.WriteString(quoteRef(v.Left) + " " + op + " " + quoteRef(v.Right))
	case reactive.And:
		return c.group(" AND ", "TRUE", v)
	case reactive.Or:
		return c.group(" OR ", "FALSE", v)
	case reactive.Not:
		if v.P == nil {
			c.b.WriteString("FALSE")
			return nil
		}
		c.b.WriteString("NOT (")
		if err := c.predicate(v.P); err != nil {
			return err
		}
		c.b.WriteString(")")
	case reactive.IsNull:
		c.b.WriteString(quoteRef(v.Col))
		if v.Negate {
			c.b.WriteString(" IS NOT NULL")
		} else {
			c.b.WriteString(" IS NULL")
		}
	case reactive.In:
		if len(v.Values) == 0 {
			c.b.WriteString("FALSE")
			return nil
		}
		c.b.WriteString(quoteRef(v.Col) + " IN (")
		for i, x := range v.Values {
			if i > 0 {
				c.b.WriteString(", ")
			}
			c.b.WriteString(c.bind(x))
		}
		c.b.WriteString(")")
	case reactive.RawPredicate:
		// renumber the fragment's own $n after the args bound so far
		offset := len(c.args)
		frag := placeholderRe.ReplaceAllStringFunc(v.SQL, func(m string) string {
			n, _ := strconv.Atoi(m[1:])
			return "$" + strconv.Itoa(n+offset)
		})
		c.args = append(c.args, v.Args...)
		c.b.WriteString("(" + frag + ")")
	case nil:
		c.b.WriteString("TRUE")
	default:
		return fmt.Errorf("unsupported predicate %T", p)
	}
	return nil
}

func (c *compiler) group(sep, empty string, ps []reactive.Predicate) error {
	var kids []reactive.Predicate
	for _, p := range ps {
		if p != nil {
			kids = append(kids, p)
		}
	}
	if len(kids) == 0 {
		c.b.WriteString(empty)
		return nil
	}
	c.b.WriteString("(")
	for i, p := range kids {
		if i > 0 {
			c.b.WriteString(sep)
		}
		if err := c.predicate(p); err != nil {
			return err
		}
	}
	c.b.WriteString(")")
	return nil
}

func sqlOp(op string) (string, error) {
	s, ok := allowedOps[strings.ToLower(strings.TrimSpace(op))]
	if !ok {
		return "", fmt.Errorf("unsupported operator %q", op)
	}
	return s, nil
}

func quoteRef(r reactive.ColumnRef) string {
	if r.Table == "" {
		return pq.QuoteIdentifier(r.Name)
	}
	return pq.QuoteIdentifier(r.Table) + "." + pq.QuoteIdentifier(r.Name)
}

// QuoteTable quotes a possibly schema-qualified table name.
func QuoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(strings.TrimSpace(p))
	}
	return strings.Join(parts, ".")
}
