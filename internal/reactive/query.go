package reactive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Query is a live, cached, subscribable query. It executes lazily on first
// subscription, re-executes when the manager routes a relevant change to it,
// and emits to its observers only when the result actually changed.
type Query[T any] struct {
	id  string
	m   *Manager
	log *zap.Logger

	mu          sync.Mutex
	def         Definition
	mapper      Mapper[T]
	ident       IdentityFunc
	customIdent bool
	deps        DependencySet
	state       State
	subs        map[uint64]*mailbox[T]
	nextSub     uint64
	cache       *cache[T]
	seq         uint64

	// Refresh generations. A result is applied only if its generation is
	// newer than both the last applied one and the last invalidation.
	issued  uint64
	applied uint64
	floor   uint64
}

type queryOptions struct {
	ident IdentityFunc
}

type QueryOption func(*queryOptions)

// WithIdentity overrides the stable row identity extractor.
func WithIdentity(fn IdentityFunc) QueryOption {
	return func(o *queryOptions) { o.ident = fn }
}

// NewQuery wraps def in a live query owned by m. The dependency set is
// computed here; nothing executes until the first Subscribe.
func NewQuery[T any](m *Manager, def Definition, mapper Mapper[T], opts ...QueryOption) *Query[T] {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	q := &Query[T]{
		id:     uuid.NewString(),
		m:      m,
		def:    def,
		mapper: mapper,
		deps:   Analyze(def),
		state:  StateCreated,
		subs:   map[uint64]*mailbox[T]{},
	}
	if o.ident != nil {
		q.ident, q.customIdent = o.ident, true
	} else {
		q.ident = defaultIdentity(def)
	}
	q.log = m.log.With(zap.String("query_id", q.id))
	m.track(q)
	q.log.Debug("live query created", zap.Stringer("deps", q.deps))
	return q
}

func (q *Query[T]) ID() string { return q.id }

func (q *Query[T]) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Query[T]) Dependencies() DependencySet {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deps
}

func (q *Query[T]) Definition() Definition {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.def
}

// Snapshot returns the cached result, if any.
func (q *Query[T]) Snapshot() (Snapshot[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cache == nil {
		return Snapshot[T]{}, false
	}
	return Snapshot[T]{Seq: q.seq, Rows: q.cache.rows}, true
}

// Info describes the query for listings.
func (q *Query[T]) Info() LiveInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := q.deps.Keys()
	ks := make([]string, len(keys))
	for i, k := range keys {
		ks[i] = k.String()
	}
	return LiveInfo{
		ID:          q.id,
		State:       q.state.String(),
		Keys:        ks,
		Subscribers: len(q.subs),
		Seq:         q.seq,
		Definition:  q.def.Fingerprint(),
	}
}

// Subscribe attaches obs. A cached result, if one exists, is delivered to
// obs immediately. The first subscriber registers the query with the
// manager and triggers an initial refresh.
func (q *Query[T]) Subscribe(obs Observer[T]) (*Subscription, error) {
	id, first, n, err := q.attach(obs)
	if err != nil {
		return nil, err
	}
	q.log.Debug("subscribed", zap.Int("subscribers", n))
	if first {
		q.m.refreshAsync(q)
	}
	return &Subscription{cancel: func() { q.unsubscribe(id) }}, nil
}

func (q *Query[T]) attach(obs Observer[T]) (id uint64, first bool, n int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateDisposed {
		return 0, false, 0, ErrDisposed
	}
	// registration may panic on a duplicate id; nothing is attached yet
	if first = len(q.subs) == 0; first {
		if err := q.m.Register(q, q.deps); err != nil {
			return 0, false, 0, err
		}
		q.state = StateActive
	}

	mb := newMailbox[T](obs)
	if q.cache != nil {
		mb.push(event[T]{snap: &Snapshot[T]{Seq: q.seq, Rows: q.cache.rows}})
	}
	id = q.nextSub
	q.nextSub++
	q.subs[id] = mb
	return id, first, len(q.subs), nil
}

func (q *Query[T]) unsubscribe(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mb, ok := q.subs[id]
	if !ok {
		return
	}
	delete(q.subs, id)
	mb.stop()
	if len(q.subs) == 0 && q.state == StateActive {
		q.state = StateInactive
		// an in-flight refresh now has nobody to report to
		q.floor = q.issued
		q.m.Unregister(q.id)
		q.log.Debug("last subscriber left; cache kept")
	}
}

// Refresh executes the current definition and emits the result if it
// differs from the cache. Execution failures go to observers as
// *ExecutionError and are also returned; the cache is left untouched.
func (q *Query[T]) Refresh(ctx context.Context) error {
	q.mu.Lock()
	if q.state == StateDisposed {
		q.mu.Unlock()
		return ErrDisposed
	}
	q.issued++
	gen := q.issued
	def, mapper, ident, prev := q.def, q.mapper, q.ident, q.cache
	q.mu.Unlock()

	start := time.Now()
	next, changed, err := q.execute(ctx, def, mapper, ident, prev)
	q.m.rec.Refreshed(time.Since(start), err)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateDisposed || gen <= q.applied || gen <= q.floor {
		q.log.Debug("refresh result superseded", zap.Uint64("gen", gen))
		return nil
	}
	if err != nil {
		xerr := &ExecutionError{QueryID: q.id, Err: err}
		for _, mb := range q.subs {
			mb.push(event[T]{err: xerr})
		}
		q.log.Warn("refresh failed", zap.Error(err))
		return xerr
	}
	q.applied = gen

	if cur := q.cache; cur != prev && cur != nil {
		// another result landed while this one ran; compare against it
		if cur.states != nil && sameStates(cur.states, next.states) {
			return nil
		}
		next.rebase(cur)
		changed = true
	}
	if !changed {
		return nil
	}
	q.cache = &next
	q.seq++
	snap := &Snapshot[T]{Seq: q.seq, Rows: next.rows}
	for _, mb := range q.subs {
		mb.push(event[T]{snap: snap})
	}
	q.m.rec.Emitted()
	q.log.Debug("emitted", zap.Uint64("seq", q.seq), zap.Int("rows", len(next.rows)), zap.Int("subscribers", len(q.subs)))
	return nil
}

func (q *Query[T]) execute(ctx context.Context, def Definition, mapper Mapper[T], ident IdentityFunc, prev *cache[T]) (cache[T], bool, error) {
	raw, err := q.m.exec.Execute(ctx, def)
	if err != nil {
		return cache[T]{}, false, err
	}
	return reconcile(prev, raw, mapper, ident)
}

// UpdateDefinition swaps in a new definition (and mapper, when non-nil).
// A definition that normalizes to the current one with no new mapper is a
// no-op and reports false. Otherwise dependencies are recomputed, the query
// is re-indexed if they moved, and a refresh is forced.
func (q *Query[T]) UpdateDefinition(def Definition, mapper Mapper[T]) (bool, error) {
	q.mu.Lock()
	if q.state == StateDisposed {
		q.mu.Unlock()
		return false, ErrDisposed
	}
	if mapper == nil && q.def.Equal(def) {
		q.mu.Unlock()
		return false, nil
	}

	q.def = def
	if mapper != nil {
		q.mapper = mapper
		if q.cache != nil {
			// still replayable, but its objects came from the old mapper
			q.cache = &cache[T]{rows: q.cache.rows}
		}
	}
	if !q.customIdent {
		q.ident = defaultIdentity(def)
	}
	if deps := Analyze(def); !deps.Equal(q.deps) {
		q.deps = deps
		if q.state == StateActive {
			q.m.reindex(q, deps)
		}
	}
	q.floor = q.issued
	refresh := q.state == StateActive || q.state == StateInactive
	q.mu.Unlock()

	q.log.Debug("definition updated", zap.Bool("refresh", refresh))
	if refresh {
		q.m.refreshAsync(q)
	}
	return true, nil
}

// Dispose permanently retires the query. Further operations return
// ErrDisposed; observers receive nothing more.
func (q *Query[T]) Dispose() {
	q.mu.Lock()
	if q.state == StateDisposed {
		q.mu.Unlock()
		return
	}
	q.state = StateDisposed
	for _, mb := range q.subs {
		mb.stop()
	}
	q.subs = map[uint64]*mailbox[T]{}
	q.cache = nil
	q.floor = q.issued
	q.m.Unregister(q.id)
	q.mu.Unlock()

	q.m.untrack(q.id)
	q.log.Debug("disposed")
}
