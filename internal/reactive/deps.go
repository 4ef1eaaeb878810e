package reactive

import (
	"sort"
	"strings"
)

// AllTables is the wildcard table name. A query depending on it is refreshed
// by every notification.
const AllTables = "*"

// Key is an index key of the manager. An empty Column is the bare table key.
type Key struct {
	Table  string
	Column string
}

func (k Key) String() string {
	if k.Column == "" {
		return k.Table
	}
	return k.Table + "." + k.Column
}

// DependencySet is the set of tables and columns whose change invalidates a
// query. It may over-approximate; it must never under-approximate.
type DependencySet struct {
	wild map[string]struct{}
	cols map[Key]struct{}
}

// Wildcard depends on every column of every given table.
func Wildcard(tables ...string) DependencySet {
	s := DependencySet{wild: map[string]struct{}{}}
	for _, t := range tables {
		if t = NormalizeTable(t); t != "" {
			s.wild[t] = struct{}{}
		}
	}
	if len(s.wild) == 0 {
		s.wild[AllTables] = struct{}{}
	}
	return s
}

// ColumnSet depends on exactly the given (table, column) pairs.
func ColumnSet(keys ...Key) DependencySet {
	s := DependencySet{cols: map[Key]struct{}{}}
	for _, k := range keys {
		s.cols[Key{Table: NormalizeTable(k.Table), Column: normIdent(k.Column)}] = struct{}{}
	}
	return s
}

// IsWildcard reports whether table is tracked at table granularity.
func (s DependencySet) IsWildcard(table string) bool {
	if _, ok := s.wild[AllTables]; ok {
		return true
	}
	_, ok := s.wild[NormalizeTable(table)]
	return ok
}

// Covers reports whether a change to (table, column) lies within the set.
// An empty column stands for a row-level change (insert, delete) that may
// affect any column of the table.
func (s DependencySet) Covers(table, column string) bool {
	table = NormalizeTable(table)
	if s.IsWildcard(table) {
		return true
	}
	if column == "" {
		for k := range s.cols {
			if k.Table == table {
				return true
			}
		}
		return false
	}
	_, ok := s.cols[Key{Table: table, Column: normIdent(column)}]
	return ok
}

// Keys returns the index keys for the set, sorted. Wildcard tables map to
// bare table keys.
func (s DependencySet) Keys() []Key {
	out := make([]Key, 0, len(s.wild)+len(s.cols))
	for t := range s.wild {
		out = append(out, Key{Table: t})
	}
	for k := range s.cols {
		if _, ok := s.wild[k.Table]; ok {
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].Column < out[j].Column
	})
	return out
}

// Tables returns the distinct tables mentioned by the set, sorted.
func (s DependencySet) Tables() []string {
	seen := map[string]struct{}{}
	for t := range s.wild {
		seen[t] = struct{}{}
	}
	for k := range s.cols {
		seen[k.Table] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s DependencySet) Equal(o DependencySet) bool {
	a, b := s.Keys(), o.Keys()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s DependencySet) String() string {
	keys := s.Keys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		if k.Column == "" {
			parts[i] = "Wildcard(" + k.Table + ")"
		} else {
			parts[i] = k.String()
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
