package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/common"
	"github.com/zoravur/livequery/internal/reactive"
	"github.com/zoravur/livequery/pkg/pg_lineage"
)

// KeyPrefix marks columns injected to carry source primary keys.
const KeyPrefix = "_pk_"

// RawQuery is a SELECT statement prepared for live execution.
type RawQuery struct {
	Def   reactive.Definition
	Shape *pg_lineage.Shape
	Keys  []pg_lineage.KeyColumn
}

// ParseSQL analyzes stmt and wraps it in a raw Definition. With a catalog,
// primary keys of every source table are appended to the select list so rows
// can be identified and edited; cat may be nil.
func ParseSQL(stmt string, cat pg_lineage.Catalog, args ...any) (*RawQuery, error) {
	shape, err := pg_lineage.Analyze(stmt)
	if err != nil {
		return nil, err
	}

	text := stmt
	var keys []pg_lineage.KeyColumn
	if cat != nil {
		if text, keys, err = pg_lineage.RewriteSelectInjectPKs(stmt, cat); err != nil {
			return nil, err
		}
	}

	cols := make([]reactive.ColumnRef, len(shape.Columns))
	for i, c := range shape.Columns {
		cols[i] = reactive.ColumnRef{Table: c.Table, Name: c.Name}
	}
	def := reactive.Definition{Raw: &reactive.RawSQL{
		SQL:     text,
		Args:    args,
		Tables:  shape.Tables,
		Columns: cols,
		Opaque:  shape.Opaque || shape.Star || shape.Aggregate,
	}}
	return &RawQuery{Def: def, Shape: shape, Keys: keys}, nil
}

// Identity keys rows by the injected primary keys, one handle per source
// table. Without keys rows are identified by content.
func (q *RawQuery) Identity() reactive.IdentityFunc {
	keys := q.Keys
	return func(r reactive.Row) reactive.Identity {
		var version string
		if v, ok := r[reactive.VersionColumn]; ok && v != nil {
			version = fmt.Sprint(deref(v))
		}
		if len(keys) == 0 {
			return reactive.Identity{Version: version}
		}
		var handles []string
		for _, g := range groupKeys(keys) {
			vals := make([]any, len(g))
			cols := make([]string, len(g))
			for i, k := range g {
				cols[i] = k.Column
				vals[i] = r[k.Name]
			}
			handles = append(handles, common.EncodeHandle(g[0].Table, cols, vals))
		}
		return reactive.Identity{Key: strings.Join(handles, ","), Version: version}
	}
}

// EditHandle returns the row handle of a single-source row, or "" when the
// row is built from several tables or carries no keys.
func (q *RawQuery) EditHandle(r reactive.Row) string {
	groups := groupKeys(q.Keys)
	if len(groups) != 1 {
		return ""
	}
	g := groups[0]
	cols := make([]string, len(g))
	vals := make([]any, len(g))
	for i, k := range g {
		cols[i] = k.Column
		vals[i] = r[k.Name]
	}
	return common.EncodeHandle(g[0].Table, cols, vals)
}

// Visible returns r without the injected key columns.
func (q *RawQuery) Visible(r reactive.Row) reactive.Row {
	out := make(reactive.Row, len(r))
	for k, v := range r {
		if strings.HasPrefix(k, KeyPrefix) && q.injected(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func (q *RawQuery) injected(name string) bool {
	for _, k := range q.Keys {
		if k.Name == name {
			return true
		}
	}
	return false
}

// groupKeys splits key columns by the relation alias they came from,
// keeping first-seen order.
func groupKeys(keys []pg_lineage.KeyColumn) [][]pg_lineage.KeyColumn {
	var (
		out   [][]pg_lineage.KeyColumn
		index = map[string]int{}
	)
	for _, k := range keys {
		i, ok := index[k.Alias]
		if !ok {
			i = len(out)
			index[k.Alias] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], k)
	}
	return out
}

// Catalog returns the primary key catalog, loading it on first use.
func (s *Store) Catalog(ctx context.Context) (pg_lineage.Catalog, error) {
	s.catMu.Lock()
	defer s.catMu.Unlock()
	if s.cat != nil {
		return s.cat, nil
	}
	cat, err := pg_lineage.NewCatalogFromDB(ctx, s.db, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalog, err)
	}
	s.cat = cat
	s.log.Debug("catalog loaded", zap.Strings("tables", cat.Tables()))
	return s.cat, nil
}

// ReloadCatalog drops the cached catalog after schema changes.
func (s *Store) ReloadCatalog() {
	s.catMu.Lock()
	s.cat = nil
	s.catMu.Unlock()
}

// Prepare parses stmt against the store's catalog.
func (s *Store) Prepare(ctx context.Context, stmt string, args ...any) (*RawQuery, error) {
	cat, err := s.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return ParseSQL(stmt, cat, args...)
}
