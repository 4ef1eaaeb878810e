package wal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoravur/livequery/internal/reactive"
)

type recorder struct {
	mu    sync.Mutex
	calls [][]reactive.Change
}

func (r *recorder) NotifyChanges(changes []reactive.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, changes)
}

func TestOneNotificationPerTransaction(t *testing.T) {
	rec := &recorder{}
	c := NewConsumer(rec, zaptest.NewLogger(t))

	msg := `{"xid": 731, "change": [
		{"kind": "insert", "schema": "public", "table": "users",
		 "columnnames": ["id", "name"], "columnvalues": [1, "ada"]},
		{"kind": "insert", "schema": "public", "table": "users",
		 "columnnames": ["id", "name"], "columnvalues": [2, "brian"]},
		{"kind": "delete", "schema": "audit", "table": "events",
		 "oldkeys": {"keynames": ["id"], "keyvalues": [9]}}
	]}`
	require.NoError(t, c.OnMessage([]byte(msg)))

	require.Len(t, rec.calls, 1)
	assert.Equal(t, []reactive.Change{
		{Table: "users", Op: reactive.OpInsert},
		{Table: "audit.events", Op: reactive.OpDelete},
	}, rec.calls[0])
}

func TestUpdateWithFullOldImageIsColumnLevel(t *testing.T) {
	rec := &recorder{}
	c := NewConsumer(rec, zaptest.NewLogger(t))

	msg := `{"change": [{"kind": "update", "schema": "public", "table": "users",
		"columnnames": ["id", "name", "age"], "columnvalues": [1, "ada", 37],
		"oldkeys": {"keynames": ["id", "name", "age"], "keyvalues": [1, "ada", 36]}}]}`
	require.NoError(t, c.OnMessage([]byte(msg)))

	require.Len(t, rec.calls, 1)
	assert.Equal(t, []reactive.Change{{Table: "users", Column: "age", Op: reactive.OpUpdate}}, rec.calls[0])
}

func TestUpdateWithKeyOnlyOldImageIsTableLevel(t *testing.T) {
	rec := &recorder{}
	c := NewConsumer(rec, zaptest.NewLogger(t))

	msg := `{"change": [{"kind": "update", "schema": "public", "table": "users",
		"columnnames": ["id", "name"], "columnvalues": [1, "ada"],
		"oldkeys": {"keynames": ["id"], "keyvalues": [1]}}]}`
	require.NoError(t, c.OnMessage([]byte(msg)))

	require.Len(t, rec.calls, 1)
	assert.Equal(t, []reactive.Change{{Table: "users", Op: reactive.OpUpdate}}, rec.calls[0])
}

func TestBareSchemas(t *testing.T) {
	c := NewConsumer(&recorder{}, nil, "t_sandbox")
	got := c.Translate(Envelope{Change: []Change{
		{Kind: "insert", Schema: "t_sandbox", Table: "users"},
		{Kind: "insert", Schema: "public", Table: "users"},
	}})
	assert.Equal(t, []reactive.Change{
		{Table: "users", Op: reactive.OpInsert},
		{Table: "public.users", Op: reactive.OpInsert},
	}, got)
}

func TestEmptyAndMalformedMessages(t *testing.T) {
	rec := &recorder{}
	c := NewConsumer(rec, zaptest.NewLogger(t))

	require.NoError(t, c.OnMessage([]byte(`{"change": []}`)))
	require.Error(t, c.OnMessage([]byte(`{"change": [`)))
	require.NoError(t, c.OnMessage([]byte(`{"change": [{"kind": "message", "prefix": "x"}]}`)))
	assert.Empty(t, rec.calls)
}

func TestReplicationDSN(t *testing.T) {
	got, err := replicationDSN("postgres://u:p@localhost:5432/app?sslmode=disable")
	require.NoError(t, err)
	assert.Contains(t, got, "replication=database")
	assert.Contains(t, got, "sslmode=disable")

	got, err = replicationDSN("host=localhost dbname=app")
	require.NoError(t, err)
	assert.Equal(t, "host=localhost dbname=app replication=database", got)
}
