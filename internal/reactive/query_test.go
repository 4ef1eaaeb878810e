package reactive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func usersQuery(m *Manager) *Query[*user] {
	return NewQuery(m, Select("users", "id", "name", "age"), mapUser)
}

func TestQueryLazyUntilSubscribed(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)

	q := usersQuery(m)
	require.Equal(t, StateCreated, q.State())
	m.NotifyChanged("users", "")
	settle(t, m)
	require.Zero(t, db.callCount("users"))

	c := newCollector[*user]()
	_, err := q.Subscribe(c)
	require.NoError(t, err)
	require.Equal(t, StateActive, q.State())

	snap := c.next(t)
	require.EqualValues(t, 1, snap.Seq)
	require.Len(t, snap.Rows, 2)
	require.Equal(t, "ada", snap.Rows[0].Name)
}

func TestQueryRefreshIsIdempotent(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)

	q := usersQuery(m)
	c := newCollector[*user]()
	_, err := q.Subscribe(c)
	require.NoError(t, err)
	c.next(t)

	for i := 0; i < 3; i++ {
		m.NotifyChanged("users", "name")
		settle(t, m)
	}
	c.quiet(t)
	require.Equal(t, 4, db.callCount("users"))

	snap, ok := q.Snapshot()
	require.True(t, ok)
	require.EqualValues(t, 1, snap.Seq)
}

func TestQueryPreservesUnchangedRowIdentity(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)

	q := usersQuery(m)
	c := newCollector[*user]()
	_, err := q.Subscribe(c)
	require.NoError(t, err)
	first := c.next(t)

	db.update("users", 2, "name", "bryan")
	db.insert("users", Row{"id": 3, "name": "cleo", "age": 41})
	m.NotifyChanged("users", "")
	settle(t, m)

	second := c.next(t)
	require.EqualValues(t, 2, second.Seq)
	require.Len(t, second.Rows, 3)
	require.Same(t, first.Rows[0], second.Rows[0], "untouched row keeps its object")
	require.NotSame(t, first.Rows[1], second.Rows[1], "edited row is re-mapped")
	require.Equal(t, "bryan", second.Rows[1].Name)
	require.Equal(t, "brian", first.Rows[1].Name, "emitted snapshots are never mutated")
}

func TestQueryReplaysToLateSubscriber(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)

	q := usersQuery(m)
	early := newCollector[*user]()
	_, err := q.Subscribe(early)
	require.NoError(t, err)
	want := early.next(t)
	settle(t, m)

	late := newCollector[*user]()
	_, err = q.Subscribe(late)
	require.NoError(t, err)
	got := late.next(t)
	require.Equal(t, want.Seq, got.Seq)
	require.Same(t, want.Rows[0], got.Rows[0])

	settle(t, m)
	require.Equal(t, 1, db.callCount("users"), "late subscriber does not re-execute")
	early.quiet(t)
}

func TestQueryErrorKeepsCache(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)

	q := usersQuery(m)
	c := newCollector[*user]()
	_, err := q.Subscribe(c)
	require.NoError(t, err)
	c.next(t)

	boom := errors.New("connection reset")
	db.setFail("users", boom)
	m.NotifyChanged("users", "age")
	settle(t, m)

	err = c.nextErr(t)
	var xerr *ExecutionError
	require.ErrorAs(t, err, &xerr)
	require.Equal(t, q.ID(), xerr.QueryID)
	require.ErrorIs(t, err, boom)

	snap, ok := q.Snapshot()
	require.True(t, ok)
	require.EqualValues(t, 1, snap.Seq)
	require.Len(t, snap.Rows, 2)

	db.setFail("users", nil)
	db.insert("users", Row{"id": 3, "name": "cleo", "age": 41})
	m.NotifyChanged("users", "")
	settle(t, m)
	require.EqualValues(t, 2, c.next(t).Seq)
}

func TestQueryMapperErrorIsDelivered(t *testing.T) {
	db := newMemDB()
	db.insert("users", Row{"name": "no id"})
	m := newTestManager(t, db)

	q := NewQuery(m, Select("users", "name"), mapUser)
	c := newCollector[*user]()
	_, err := q.Subscribe(c)
	require.NoError(t, err)
	require.Error(t, c.nextErr(t))
	_, ok := q.Snapshot()
	require.False(t, ok)
}

func TestQueryUnsubscribeKeepsCache(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)

	q := usersQuery(m)
	c := newCollector[*user]()
	sub, err := q.Subscribe(c)
	require.NoError(t, err)
	c.next(t)
	settle(t, m)

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.Equal(t, StateInactive, q.State())

	m.NotifyChanged("users", "")
	settle(t, m)
	require.Equal(t, 1, db.callCount("users"), "inactive queries are not refreshed")
	_, ok := q.Snapshot()
	require.True(t, ok)

	again := newCollector[*user]()
	_, err = q.Subscribe(again)
	require.NoError(t, err)
	require.EqualValues(t, 1, again.next(t).Seq, "cached result replays first")
	settle(t, m)
	require.Equal(t, 2, db.callCount("users"))
	again.quiet(t)
}

func TestQueryUnsubscribeFromCallback(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)

	q := usersQuery(m)
	got := make(chan uint64, 4)
	var sub *Subscription
	ready := make(chan struct{})
	sub, err := q.Subscribe(ObserverFuncs[*user]{Next: func(s Snapshot[*user]) {
		<-ready
		got <- s.Seq
		sub.Unsubscribe()
	}})
	require.NoError(t, err)
	close(ready)
	settle(t, m)
	require.EqualValues(t, 1, <-got)
	require.Eventually(t, func() bool { return q.State() == StateInactive }, timeout, tick)
}

func TestQueryUpdateDefinition(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)

	q := usersQuery(m)
	c := newCollector[*user]()
	_, err := q.Subscribe(c)
	require.NoError(t, err)
	c.next(t)
	settle(t, m)

	changed, err := q.UpdateDefinition(Select("USERS", "ID", "name", "age"), nil)
	require.NoError(t, err)
	require.False(t, changed)
	settle(t, m)
	require.Equal(t, 1, db.callCount("users"))

	next := Select("users", "id", "name", "age")
	next.Where = Gt("age", 30)
	changed, err = q.UpdateDefinition(next, nil)
	require.NoError(t, err)
	require.True(t, changed)
	settle(t, m)

	snap := c.next(t)
	require.EqualValues(t, 2, snap.Seq)
	require.Len(t, snap.Rows, 1)
	require.Equal(t, "ada", snap.Rows[0].Name)
	require.True(t, q.Dependencies().Covers("users", "age"))
}

func TestQueryUpdateDefinitionMovesDependencies(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	db.insert("accounts", Row{"id": 7, "name": "ops", "age": 3})
	m := newTestManager(t, db)

	q := usersQuery(m)
	c := newCollector[*user]()
	_, err := q.Subscribe(c)
	require.NoError(t, err)
	c.next(t)

	changed, err := q.UpdateDefinition(Select("accounts", "id", "name", "age"), nil)
	require.NoError(t, err)
	require.True(t, changed)
	settle(t, m)
	require.Equal(t, "ops", c.next(t).Rows[0].Name)

	m.NotifyChanged("users", "")
	settle(t, m)
	require.Equal(t, 1, db.callCount("users"))

	m.NotifyChanged("accounts", "name")
	settle(t, m)
	require.Equal(t, 2, db.callCount("accounts"))
}

func TestQueryNewMapperRemaps(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)

	q := usersQuery(m)
	c := newCollector[*user]()
	_, err := q.Subscribe(c)
	require.NoError(t, err)
	first := c.next(t)

	changed, err := q.UpdateDefinition(q.Definition(), func(r Row) (*user, error) {
		u, err := mapUser(r)
		if err == nil {
			u.Name = "x-" + u.Name
		}
		return u, err
	})
	require.NoError(t, err)
	require.True(t, changed)
	settle(t, m)

	snap := c.next(t)
	require.EqualValues(t, 2, snap.Seq)
	require.NotSame(t, first.Rows[0], snap.Rows[0])
	require.Equal(t, "x-ada", snap.Rows[0].Name)
}

func TestQueryDispose(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)

	q := usersQuery(m)
	c := newCollector[*user]()
	_, err := q.Subscribe(c)
	require.NoError(t, err)
	c.next(t)
	settle(t, m)

	q.Dispose()
	q.Dispose()
	require.Equal(t, StateDisposed, q.State())
	require.Empty(t, m.Snapshot())

	_, err = q.Subscribe(newCollector[*user]())
	require.ErrorIs(t, err, ErrDisposed)
	_, err = q.UpdateDefinition(Select("users", "id"), nil)
	require.ErrorIs(t, err, ErrDisposed)
	require.ErrorIs(t, q.Refresh(context.Background()), ErrDisposed)

	m.NotifyChanged("users", "")
	settle(t, m)
	require.Equal(t, 1, db.callCount("users"))
	c.quiet(t)
}

func TestQueryDiscardsStaleResult(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)
	q := usersQuery(m)

	hold, entered := db.holdNext()

	slow := make(chan error, 1)
	go func() { slow <- q.Refresh(context.Background()) }()
	<-entered

	db.insert("users", Row{"id": 3, "name": "cleo", "age": 41})
	require.NoError(t, q.Refresh(context.Background()))

	close(hold)
	require.NoError(t, <-slow)

	snap, ok := q.Snapshot()
	require.True(t, ok)
	require.EqualValues(t, 1, snap.Seq)
	require.Len(t, snap.Rows, 3, "older result must not overwrite a newer one")
}

func TestQueryCustomIdentity(t *testing.T) {
	db := newMemDB()
	db.insert("users", Row{"id": 1, "name": "ada", "age": 36, "version": 1})
	m := newTestManager(t, db)

	q := NewQuery(m, Select("users", "id", "name", "age", "version"), mapUser,
		WithIdentity(KeyColumns("users", "id")))
	c := newCollector[*user]()
	_, err := q.Subscribe(c)
	require.NoError(t, err)
	first := c.next(t)

	db.update("users", 1, "version", 2)
	m.NotifyChanged("users", "version")
	settle(t, m)
	second := c.next(t)
	require.NotSame(t, first.Rows[0], second.Rows[0], "version bump means a new object")
}

func TestQueryInfo(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)

	q := usersQuery(m)
	_, err := q.Subscribe(newCollector[*user]())
	require.NoError(t, err)
	settle(t, m)

	info := q.Info()
	require.Equal(t, q.ID(), info.ID)
	require.Equal(t, "active", info.State)
	require.Equal(t, []string{"users.age", "users.id", "users.name"}, info.Keys)
	require.Equal(t, 1, info.Subscribers)
	require.EqualValues(t, 1, info.Seq)
	require.Equal(t, []LiveInfo{info}, m.Snapshot())
}

// startHeldRefresh subscribes c, then parks a refresh that has already read
// a third user.
func startHeldRefresh(t *testing.T, db *memDB, m *Manager, q *Query[*user], c *collector[*user]) (*Subscription, chan struct{}) {
	t.Helper()
	sub, err := q.Subscribe(c)
	require.NoError(t, err)
	require.Len(t, c.next(t).Rows, 2)
	settle(t, m)

	hold, entered := db.holdNext()
	db.insert("users", Row{"id": 3, "name": "cleo", "age": 41})
	m.NotifyChanged("users", "")
	m.Flush()
	<-entered
	return sub, hold
}

func TestQueryUnsubscribeDropsInflightResult(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)
	q := usersQuery(m)
	c := newCollector[*user]()

	sub, hold := startHeldRefresh(t, db, m, q, c)
	sub.Unsubscribe()
	close(hold)
	settle(t, m)

	c.quiet(t)
	snap, ok := q.Snapshot()
	require.True(t, ok)
	require.EqualValues(t, 1, snap.Seq)
	require.Len(t, snap.Rows, 2)
	require.Equal(t, StateInactive, q.State())
}

func TestQueryDisposeDropsInflightResult(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)
	q := usersQuery(m)
	c := newCollector[*user]()

	_, hold := startHeldRefresh(t, db, m, q, c)
	q.Dispose()
	close(hold)
	settle(t, m)

	c.quiet(t)
	_, ok := q.Snapshot()
	require.False(t, ok)
	require.Equal(t, StateDisposed, q.State())
}

func TestQueryUpdateDefinitionDropsInflightResult(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)
	q := usersQuery(m)
	c := newCollector[*user]()

	_, hold := startHeldRefresh(t, db, m, q, c)
	next := Select("users", "id", "name", "age")
	next.Where = Gt("age", 30)
	changed, err := q.UpdateDefinition(next, nil)
	require.NoError(t, err)
	require.True(t, changed)

	snap := c.next(t)
	require.EqualValues(t, 2, snap.Seq)
	require.Len(t, snap.Rows, 2)
	require.Equal(t, "cleo", snap.Rows[1].Name)

	close(hold)
	settle(t, m)
	c.quiet(t)
	cur, ok := q.Snapshot()
	require.True(t, ok)
	require.EqualValues(t, 2, cur.Seq)
	require.Len(t, cur.Rows, 2, "result of the replaced definition must not land")
}

func TestQuerySubscribeUnlocksAfterRegistrationPanic(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)
	q := usersQuery(m)

	// an id collision makes the manager panic on the query's own Register
	require.NoError(t, m.Register(&stubLive{id: q.ID()}, Wildcard("users")))
	require.Panics(t, func() { _, _ = q.Subscribe(newCollector[*user]()) })

	state := make(chan State, 1)
	go func() { state <- q.State() }()
	select {
	case s := <-state:
		require.Equal(t, StateCreated, s)
	case <-time.After(timeout):
		t.Fatal("query lock still held after panic")
	}
	require.Zero(t, q.Info().Subscribers)

	m.Unregister(q.ID())
	c := newCollector[*user]()
	_, err := q.Subscribe(c)
	require.NoError(t, err)
	require.Len(t, c.next(t).Rows, 2)
}

func TestQuerySelfJoinSidesAreDistinct(t *testing.T) {
	db := newMemDB()
	seedUsers(db)
	m := newTestManager(t, db)

	managers := Definition{
		Table: "users", Alias: "e",
		Columns: []Column{{Ref: ColumnRef{Table: "m", Name: "name"}}},
		Joins:   []Join{{Kind: InnerJoin, Table: "users", Alias: "m", On: ColCmp{Left: ColumnRef{Table: "m", Name: "id"}, Op: "=", Right: ColumnRef{Table: "e", Name: "manager_id"}}}},
	}
	reports := managers
	reports.Joins = []Join{{Kind: InnerJoin, Table: "users", Alias: "m", On: ColCmp{Left: ColumnRef{Table: "e", Name: "id"}, Op: "=", Right: ColumnRef{Table: "m", Name: "manager_id"}}}}

	q := NewQuery(m, managers, func(r Row) (Row, error) { return r, nil })
	changed, err := q.UpdateDefinition(reports, nil)
	require.NoError(t, err)
	require.True(t, changed)
}
