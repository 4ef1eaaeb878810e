package reactive

// cache holds the mapped rows of the last applied result together with the
// comparison state of each row. A cache without states replays fine but
// never matches or lends objects to a later result.
type cache[T any] struct {
	rows   []T
	states []rowState
}

// reconcile maps raw rows against prev. When every row matches prev by
// identity, version and content in order, changed is false and prev should
// be kept. Otherwise rows that match some previous row reuse its mapped
// object and only the rest go through mapper.
func reconcile[T any](prev *cache[T], raw []Row, mapper Mapper[T], ident IdentityFunc) (next cache[T], changed bool, err error) {
	states := make([]rowState, len(raw))
	for i, r := range raw {
		states[i] = rowState{id: ident(r), sum: digest(r)}
	}
	if prev != nil && prev.states != nil && sameStates(prev.states, states) {
		return *prev, false, nil
	}

	pool := prev.pool()
	rows := make([]T, len(raw))
	for i, r := range raw {
		k := states[i].key()
		if objs := pool[k]; len(objs) > 0 {
			rows[i] = objs[0]
			pool[k] = objs[1:]
			continue
		}
		v, err := mapper(r)
		if err != nil {
			return cache[T]{}, false, err
		}
		rows[i] = v
	}
	return cache[T]{rows: rows, states: states}, true, nil
}

// pool indexes mapped objects by comparison key. Duplicate keys queue up in
// result order.
func (c *cache[T]) pool() map[string][]T {
	out := map[string][]T{}
	if c == nil {
		return out
	}
	for i, s := range c.states {
		k := s.key()
		out[k] = append(out[k], c.rows[i])
	}
	return out
}

// rebase swaps in objects from cur for rows that cur also holds. Used when
// another result was applied while this one was being computed.
func (c *cache[T]) rebase(cur *cache[T]) {
	// c.rows may be shared with an emitted snapshot
	c.rows = append([]T(nil), c.rows...)
	pool := cur.pool()
	for i, s := range c.states {
		k := s.key()
		if objs := pool[k]; len(objs) > 0 {
			c.rows[i] = objs[0]
			pool[k] = objs[1:]
		}
	}
}

func sameStates(a, b []rowState) bool {
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
