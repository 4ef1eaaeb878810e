package reactive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	timeout = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// memDB is an in-memory Executor over a handful of tables. It understands
// enough of Definition to filter by Cmp/And predicates.
type memDB struct {
	mu     sync.Mutex
	tables map[string][]Row
	fail   map[string]error
	calls  map[string]int

	// hold blocks the next Execute after it has read its rows.
	hold    chan struct{}
	entered chan struct{}
}

func newMemDB() *memDB {
	return &memDB{
		tables: map[string][]Row{},
		fail:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (db *memDB) Execute(ctx context.Context, def Definition) ([]Row, error) {
	db.mu.Lock()
	db.calls[def.Table]++
	if err := db.fail[def.Table]; err != nil {
		db.mu.Unlock()
		return nil, err
	}
	var out []Row
	for _, r := range db.tables[def.Table] {
		if def.Where != nil && !match(def.Where, r) {
			continue
		}
		cp := Row{}
		for k, v := range r {
			cp[k] = v
		}
		out = append(out, cp)
	}
	hold, entered := db.hold, db.entered
	db.hold, db.entered = nil, nil
	db.mu.Unlock()

	if hold != nil {
		close(entered)
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// holdNext makes the next Execute block after reading its rows until hold
// is closed. entered closes once it is parked.
func (db *memDB) holdNext() (hold, entered chan struct{}) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.hold = make(chan struct{})
	db.entered = make(chan struct{})
	return db.hold, db.entered
}

func (db *memDB) insert(table string, r Row) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tables[table] = append(db.tables[table], r)
}

func (db *memDB) update(table string, id int, col string, v any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i, r := range db.tables[table] {
		if r["id"] == id {
			cp := Row{}
			for k, x := range r {
				cp[k] = x
			}
			cp[col] = v
			db.tables[table][i] = cp
		}
	}
}

func (db *memDB) setFail(table string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err == nil {
		delete(db.fail, table)
		return
	}
	db.fail[table] = err
}

func (db *memDB) callCount(table string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.calls[table]
}

func match(p Predicate, r Row) bool {
	switch v := p.(type) {
	case Cmp:
		a, aok := r[v.Col.Name].(int)
		b, bok := v.Value.(int)
		if !aok || !bok {
			return r[v.Col.Name] == v.Value && v.Op == "="
		}
		switch v.Op {
		case "=":
			return a == b
		case ">":
			return a > b
		case "<":
			return a < b
		case ">=":
			return a >= b
		case "<=":
			return a <= b
		}
		return false
	case And:
		for _, c := range v {
			if !match(c, r) {
				return false
			}
		}
		return true
	default:
		panic(fmt.Sprintf("memDB: unsupported predicate %T", p))
	}
}

type user struct {
	ID   int
	Name string
	Age  int
}

func mapUser(r Row) (*user, error) {
	id, ok := r["id"].(int)
	if !ok {
		return nil, errors.New("missing id")
	}
	name, _ := r["name"].(string)
	age, _ := r["age"].(int)
	return &user{ID: id, Name: name, Age: age}, nil
}

func seedUsers(db *memDB) {
	db.insert("users", Row{"id": 1, "name": "ada", "age": 36})
	db.insert("users", Row{"id": 2, "name": "brian", "age": 22})
}

// collector is an Observer that queues everything it receives.
type collector[T any] struct {
	snaps chan Snapshot[T]
	errs  chan error
}

func newCollector[T any]() *collector[T] {
	return &collector[T]{
		snaps: make(chan Snapshot[T], 64),
		errs:  make(chan error, 64),
	}
}

func (c *collector[T]) OnNext(s Snapshot[T]) { c.snaps <- s }
func (c *collector[T]) OnError(err error)    { c.errs <- err }

func (c *collector[T]) next(t *testing.T) Snapshot[T] {
	t.Helper()
	select {
	case s := <-c.snaps:
		return s
	case err := <-c.errs:
		t.Fatalf("expected snapshot, got error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot[T]{}
}

func (c *collector[T]) nextErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.errs:
		return err
	case s := <-c.snaps:
		t.Fatalf("expected error, got snapshot seq=%d", s.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	return nil
}

// quiet asserts nothing else arrives for a short while.
func (c *collector[T]) quiet(t *testing.T) {
	t.Helper()
	select {
	case s := <-c.snaps:
		t.Fatalf("unexpected snapshot seq=%d rows=%d", s.Seq, len(s.Rows))
	case err := <-c.errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

// settle dispatches pending notifications and waits for every refresh.
func settle(t *testing.T, m *Manager) {
	t.Helper()
	m.Flush()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
}

func newTestManager(t *testing.T, exec Executor, opts ...ManagerOption) *Manager {
	t.Helper()
	opts = append([]ManagerOption{WithBatchWindow(time.Hour)}, opts...)
	m := NewManager(exec, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// stubLive counts refreshes without executing anything.
type stubLive struct {
	id    string
	err   error
	count atomic.Int64
}

func (s *stubLive) ID() string { return s.id }

func (s *stubLive) Refresh(context.Context) error {
	s.count.Add(1)
	return s.err
}

func (s *stubLive) Info() LiveInfo { return LiveInfo{ID: s.id} }
func (s *stubLive) Dispose()       {}

func (s *stubLive) refreshes() int { return int(s.count.Load()) }
