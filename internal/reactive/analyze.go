package reactive

// Analyze infers the dependency set of a definition. It never fails: any
// shape whose column reads cannot be isolated falls back to a wildcard over
// every table the definition touches.
func Analyze(d Definition) DependencySet {
	if d.Raw != nil {
		return analyzeRaw(d.Raw)
	}
	tables := d.Tables()
	if len(tables) == 0 {
		return Wildcard(AllTables)
	}
	// joins, grouping and SELECT * are table-level
	if len(tables) > 1 || len(d.Joins) > 0 || len(d.GroupBy) > 0 || len(d.Columns) == 0 {
		return Wildcard(tables...)
	}

	source := tables[0]
	refs := make([]ColumnRef, 0, len(d.Columns)+len(d.OrderBy))
	for _, c := range d.Columns {
		if c.Star || c.Expr != "" || c.Func != "" {
			return Wildcard(tables...)
		}
		refs = append(refs, c.Ref)
	}
	if d.Where != nil {
		var ok bool
		if refs, ok = d.Where.refs(refs); !ok {
			return Wildcard(tables...)
		}
	}
	for _, o := range d.OrderBy {
		refs = append(refs, o.Col)
	}

	keys := make([]Key, 0, len(refs))
	for _, r := range refs {
		name := normIdent(r.Name)
		if name == "" || name == "*" {
			return Wildcard(tables...)
		}
		if t := d.resolveTable(r.Table); t != source {
			// qualifier we cannot place: correlated reference or typo
			return Wildcard(tables...)
		}
		keys = append(keys, Key{Table: source, Column: name})
	}
	return ColumnSet(keys...)
}

func analyzeRaw(r *RawSQL) DependencySet {
	tables := normalizeTables(r.Tables)
	if len(tables) == 0 {
		return Wildcard(AllTables)
	}
	if r.Opaque || len(tables) != 1 || len(r.Columns) == 0 {
		return Wildcard(tables...)
	}
	keys := make([]Key, 0, len(r.Columns))
	for _, c := range r.Columns {
		t := NormalizeTable(c.Table)
		if t != "" && t != tables[0] {
			return Wildcard(tables...)
		}
		name := normIdent(c.Name)
		if name == "" || name == "*" {
			return Wildcard(tables...)
		}
		keys = append(keys, Key{Table: tables[0], Column: name})
	}
	return ColumnSet(keys...)
}
