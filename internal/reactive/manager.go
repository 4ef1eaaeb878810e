package reactive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchWindow    = 15 * time.Millisecond
	DefaultMaxConcurrency = 16
)

// Recorder observes manager activity. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	Notified(changes int)
	Dispatched(keys, queries int)
	Refreshed(d time.Duration, err error)
	Emitted()
	LiveQueries(n int)
}

type nopRecorder struct{}

func (nopRecorder) Notified(int) {}
func (nopRecorder) Dispatched(int, int) {}
func (nopRecorder) Refreshed(time.Duration, error) {}
func (nopRecorder) Emitted() {}
func (nopRecorder) LiveQueries(int) {}

type ManagerOption func(*Manager)

func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// WithBatchWindow sets how long notifications are coalesced before dispatch.
// Zero dispatches every notification on its own.
func WithBatchWindow(d time.Duration) ManagerOption {
	return func(m *Manager) { m.window = d }
}

// WithMaxConcurrency bounds concurrent refreshes within one dispatch.
func WithMaxConcurrency(n int) ManagerOption {
	return func(m *Manager) { m.limit = n }
}

func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.rec = r }
}

type indexEntry struct {
	q    Live
	keys []Key
}

// Manager routes committed change notifications to the live queries whose
// dependency sets cover them. One Manager belongs to one data store
// connection and lives as long as it does.
type Manager struct {
	exec   Executor
	log    *zap.Logger
	rec    Recorder
	window time.Duration
	limit  int

	reg *Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	indexed  map[string]indexEntry
	byKey    map[Key]map[string]struct{}
	byTable  map[string]map[string]struct{}
	pending  map[Key]struct{}
	timer    *time.Timer
	inflight int
	idle     []chan struct{}
}

func NewManager(exec Executor, opts ...ManagerOption) *Manager {
	m := &Manager{
		exec:    exec,
		log:     zap.NewNop(),
		rec:     nopRecorder{},
		window:  DefaultBatchWindow,
		limit:   DefaultMaxConcurrency,
		reg:     NewRegistry(),
		indexed: map[string]indexEntry{},
		byKey:   map[Key]map[string]struct{}{},
		byTable: map[string]map[string]struct{}{},
		pending: map[Key]struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.limit <= 0 {
		m.limit = DefaultMaxConcurrency
	}
	m.log = m.log.Named("reactive")
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Registry exposes the live query registry for listings.
func (m *Manager) Registry() *Registry { return m.reg }

func (m *Manager) track(q Live) {
	m.reg.Register(q)
	m.rec.LiveQueries(m.reg.Len())
}

func (m *Manager) untrack(id string) {
	if m.reg.Unregister(id) {
		m.rec.LiveQueries(m.reg.Len())
	}
}

// Register indexes q under every key of deps. A wildcard indexes under the
// bare table key only. Registering an id twice is a caller bug and panics.
func (m *Manager) Register(q Live, deps DependencySet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	id := q.ID()
	if _, dup := m.indexed[id]; dup {
		panic(fmt.Errorf("%w: query %s registered twice", ErrRegistration, id))
	}
	m.indexLocked(q, deps)
	m.log.Debug("registered", zap.String("query_id", id), zap.Stringer("deps", deps))
	return nil
}

// Unregister drops every index entry for id. Unknown ids are ignored.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unindexLocked(id) {
		m.log.Debug("unregistered", zap.String("query_id", id))
	}
}

func (m *Manager) reindex(q Live, deps DependencySet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.unindexLocked(q.ID())
	m.indexLocked(q, deps)
}

func (m *Manager) indexLocked(q Live, deps DependencySet) {
	id := q.ID()
	keys := deps.Keys()
	for _, k := range keys {
		set := m.byKey[k]
		if set == nil {
			set = map[string]struct{}{}
			m.byKey[k] = set
		}
		set[id] = struct{}{}

		ts := m.byTable[k.Table]
		if ts == nil {
			ts = map[string]struct{}{}
			m.byTable[k.Table] = ts
		}
		ts[id] = struct{}{}
	}
	m.indexed[id] = indexEntry{q: q, keys: keys}
}

func (m *Manager) unindexLocked(id string) bool {
	e, ok := m.indexed[id]
	if !ok {
		return false
	}
	for _, k := range e.keys {
		if set := m.byKey[k]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(m.byKey, k)
			}
		}
		if ts := m.byTable[k.Table]; ts != nil {
			delete(ts, id)
			if len(ts) == 0 {
				delete(m.byTable, k.Table)
			}
		}
	}
	delete(m.indexed, id)
	return true
}

// NotifyChanged reports a committed write to table, and to column when it
// is known. It never blocks on the refreshes it causes.
func (m *Manager) NotifyChanged(table, column string) {
	m.enqueue([]Key{{Table: NormalizeTable(table), Column: normIdent(column)}})
}

// NotifyMany reports row-level writes to each table; the effect equals one
// NotifyChanged(table, "") per distinct table.
func (m *Manager) NotifyMany(tables ...string) {
	keys := make([]Key, 0, len(tables))
	for _, t := range tables {
		keys = append(keys, Key{Table: NormalizeTable(t)})
	}
	m.enqueue(keys)
}

// NotifyChanges reports a committed batch of changes, typically everything
// one transaction wrote.
func (m *Manager) NotifyChanges(changes []Change) {
	keys := make([]Key, 0, len(changes))
	for _, c := range changes {
		keys = append(keys, Key{Table: NormalizeTable(c.Table), Column: normIdent(c.Column)})
	}
	m.enqueue(keys)
}

func (m *Manager) enqueue(keys []Key) {
	if len(keys) == 0 {
		return
	}
	m.rec.Notified(len(keys))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	for _, k := range keys {
		if k.Table == "" {
			continue
		}
		m.pending[k] = struct{}{}
	}
	if m.timer != nil || len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	m.inflight++
	if m.window <= 0 {
		batch := m.takeLocked()
		m.mu.Unlock()
		go m.dispatch(batch)
		return
	}
	m.timer = time.AfterFunc(m.window, m.fire)
	m.mu.Unlock()
}

func (m *Manager) fire() {
	m.mu.Lock()
	m.timer = nil
	batch := m.takeLocked()
	m.mu.Unlock()
	m.dispatch(batch)
}

// Flush dispatches pending notifications now instead of at the end of the
// batch window.
func (m *Manager) Flush() {
	m.mu.Lock()
	if m.timer == nil || !m.timer.Stop() {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	batch := m.takeLocked()
	m.mu.Unlock()
	go m.dispatch(batch)
}

func (m *Manager) takeLocked() []Key {
	batch := make([]Key, 0, len(m.pending))
	for k := range m.pending {
		batch = append(batch, k)
	}
	m.pending = map[Key]struct{}{}
	return batch
}

// resolve maps a batch to the distinct queries it affects. A bare table key
// reaches every query on that table; a column key reaches wildcard queries
// on the table and queries indexed under that exact column.
func (m *Manager) resolve(batch []Key) []Live {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := map[string]struct{}{}
	add := func(set map[string]struct{}) {
		for id := range set {
			ids[id] = struct{}{}
		}
	}
	for _, k := range batch {
		add(m.byKey[Key{Table: AllTables}])
		if k.Column == "" {
			add(m.byTable[k.Table])
			continue
		}
		add(m.byKey[Key{Table: k.Table}])
		add(m.byKey[k])
	}
	out := make([]Live, 0, len(ids))
	for id := range ids {
		if e, ok := m.indexed[id]; ok {
			out = append(out, e.q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// dispatch refreshes every affected query concurrently. A failing refresh
// is reported to that query's observers and logged; it never cancels the
// others.
func (m *Manager) dispatch(batch []Key) {
	defer m.done()
	queries := m.resolve(batch)
	m.rec.Dispatched(len(batch), len(queries))
	if len(queries) == 0 {
		return
	}
	m.log.Debug("dispatching refreshes", zap.Int("keys", len(batch)), zap.Int("queries", len(queries)))

	var g errgroup.Group
	g.SetLimit(m.limit)
	for _, q := range queries {
		q := q
		g.Go(func() error {
			if err := q.Refresh(m.ctx); err != nil && !errors.Is(err, ErrDisposed) {
				m.log.Warn("refresh failed", zap.String("query_id", q.ID()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// refreshAsync runs one refresh outside the batching path, used for the
// initial execution of a subscription and after definition changes.
func (m *Manager) refreshAsync(q Live) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.inflight++
	m.mu.Unlock()
	go func() {
		defer m.done()
		if err := q.Refresh(m.ctx); err != nil && !errors.Is(err, ErrDisposed) {
			m.log.Warn("refresh failed", zap.String("query_id", q.ID()), zap.Error(err))
		}
	}()
}

func (m *Manager) done() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doneLocked()
}

func (m *Manager) doneLocked() {
	m.inflight--
	if m.inflight == 0 {
		for _, ch := range m.idle {
			close(ch)
		}
		m.idle = nil
	}
}

// Wait blocks until every pending notification has been dispatched and
// every refresh scheduled so far has finished, or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	if m.inflight == 0 {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.idle = append(m.idle, ch)
	m.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot lists every live query known to the manager.
func (m *Manager) Snapshot() []LiveInfo {
	return m.reg.SnapshotView()
}

// Close disposes every query, drops pending notifications and waits for
// in-flight refreshes to return. The manager rejects all later work.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.timer != nil && m.timer.Stop() {
		// otherwise fire is already running and settles its own count
		m.timer = nil
		m.doneLocked()
	}
	m.pending = map[Key]struct{}{}
	m.mu.Unlock()

	for _, q := range m.reg.Drain() {
		q.Dispose()
	}
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := m.Wait(ctx)

	m.mu.Lock()
	m.indexed = map[string]indexEntry{}
	m.byKey = map[Key]map[string]struct{}{}
	m.byTable = map[string]map[string]struct{}{}
	m.mu.Unlock()
	m.rec.LiveQueries(0)
	return err
}
