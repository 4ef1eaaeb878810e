package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoravur/livequery/internal/common"
	"github.com/zoravur/livequery/internal/metrics"
	"github.com/zoravur/livequery/internal/protocol"
	"github.com/zoravur/livequery/internal/reactive"
	"github.com/zoravur/livequery/internal/store"
	"github.com/zoravur/livequery/pkg/pg_lineage"
)

type update struct {
	table    string
	key, set map[string]any
}

// fakeBackend answers every raw query with the same rows.
type fakeBackend struct {
	m *reactive.Manager

	mu         sync.Mutex
	catalogErr error
	rows       []reactive.Row
	updated    int64
	updates    []update
}

func newFakeBackend(t *testing.T, rows ...reactive.Row) *fakeBackend {
	b := &fakeBackend{rows: rows, updated: 1}
	b.m = reactive.NewManager(b, reactive.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { _ = b.m.Close() })
	return b
}

func (b *fakeBackend) Catalog(context.Context) (pg_lineage.Catalog, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.catalogErr != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCatalog, b.catalogErr)
	}
	return pg_lineage.StaticCatalog{"users": {"id"}}, nil
}

func (b *fakeBackend) Prepare(ctx context.Context, stmt string, args ...any) (*store.RawQuery, error) {
	cat, err := b.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return store.ParseSQL(stmt, cat, args...)
}

func (b *fakeBackend) Execute(context.Context, reactive.Definition) ([]reactive.Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]reactive.Row, len(b.rows))
	for i, r := range b.rows {
		c := reactive.Row{}
		for k, v := range r {
			c[k] = v
		}
		out[i] = c
	}
	return out, nil
}

func (b *fakeBackend) Update(_ context.Context, table string, key, set map[string]any) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, update{table: table, key: key, set: set})
	return b.updated, nil
}

func (b *fakeBackend) Manager() *reactive.Manager { return b.m }

func (b *fakeBackend) setRows(rows ...reactive.Row) {
	b.mu.Lock()
	b.rows = rows
	b.mu.Unlock()
}

func (b *fakeBackend) set(fn func(*fakeBackend)) {
	b.mu.Lock()
	fn(b)
	b.mu.Unlock()
}

func (b *fakeBackend) recorded() []update {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]update(nil), b.updates...)
}

func newServer(t *testing.T, b *fakeBackend) *httptest.Server {
	reg := prometheus.NewRegistry()
	metrics.New(reg)
	srv := httptest.NewServer(NewRouter(Deps{Backend: b, Gatherer: reg, Log: zaptest.NewLogger(t)}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, contentType, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, contentType, strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestQueryReturnsRowsWithHandles(t *testing.T) {
	b := newFakeBackend(t, reactive.Row{"name": "ada", "_pk_users_id": int64(1)})
	srv := newServer(t, b)

	resp := post(t, srv.URL+"/api/query", "text/plain", "SELECT name FROM users")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var rows []protocol.Row
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{"name": "ada"}, rows[0].Values)

	table, pk, err := common.DecodeHandle(rows[0].Handle)
	require.NoError(t, err)
	assert.Equal(t, "users", table)
	assert.Equal(t, map[string]any{"id": "1"}, pk)
}

func TestQueryErrors(t *testing.T) {
	b := newFakeBackend(t)
	srv := newServer(t, b)

	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/api/query", "text/plain", "DELETE FROM users").StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/api/query", "text/plain", "   ").StatusCode)

	b.set(func(b *fakeBackend) { b.catalogErr = fmt.Errorf("connection refused") })
	assert.Equal(t, http.StatusInternalServerError, post(t, srv.URL+"/api/query", "text/plain", "SELECT 1").StatusCode)
}

func TestEdit(t *testing.T) {
	b := newFakeBackend(t)
	srv := newServer(t, b)
	handle := common.EncodeHandle("users", []string{"id"}, []any{7})

	resp := post(t, srv.URL+"/api/edit", "application/json",
		fmt.Sprintf(`{"editHandle": %q, "column": "name", "value": "grace"}`, handle))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	updates := b.recorded()
	require.Len(t, updates, 1)
	assert.Equal(t, update{
		table: "users",
		key:   map[string]any{"id": "7"},
		set:   map[string]any{"name": "grace"},
	}, updates[0])

	b.set(func(b *fakeBackend) { b.updated = 0 })
	resp = post(t, srv.URL+"/api/edit", "application/json",
		fmt.Sprintf(`{"editHandle": %q, "column": "name", "value": "grace"}`, handle))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEditValidation(t *testing.T) {
	b := newFakeBackend(t)
	srv := newServer(t, b)
	handle := common.EncodeHandle("users", []string{"id"}, []any{7})

	for name, body := range map[string]string{
		"bad json":       `{"editHandle":`,
		"missing column": fmt.Sprintf(`{"editHandle": %q, "value": 1}`, handle),
		"bad handle":     `{"editHandle": "%%%", "column": "name"}`,
		"keyless handle": fmt.Sprintf(`{"editHandle": %q, "column": "name"}`, common.EncodeHandle("users", nil, nil)),
	} {
		t.Run(name, func(t *testing.T) {
			resp := post(t, srv.URL+"/api/edit", "application/json", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, b.recorded())
}

func TestLiveAndMetrics(t *testing.T) {
	b := newFakeBackend(t)
	srv := newServer(t, b)

	resp, err := http.Get(srv.URL + "/api/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var live []reactive.LiveInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&live))
	assert.Empty(t, live)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "livequery_live_queries")
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

func TestWebsocketLiveQuery(t *testing.T) {
	b := newFakeBackend(t, reactive.Row{"name": "ada", "_pk_users_id": int64(1)})
	srv := newServer(t, b)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(protocol.Request{
		Message: protocol.Message{Type: protocol.TypeSubscribe, ID: "q1"},
		SQL:     "SELECT name FROM users",
	}))

	var subscribed protocol.Subscribed
	readJSON(t, conn, &subscribed)
	assert.Equal(t, protocol.TypeSubscribed, subscribed.Type)
	assert.Equal(t, []string{"users.name"}, subscribed.Deps)

	var snap protocol.Snapshot
	readJSON(t, conn, &snap)
	assert.Equal(t, protocol.TypeSnapshot, snap.Type)
	assert.EqualValues(t, 1, snap.Seq)
	require.Len(t, snap.Rows, 1)
	assert.Equal(t, map[string]any{"name": "ada"}, snap.Rows[0].Values)
	assert.NotEmpty(t, snap.Rows[0].Handle)

	// changes to other columns are ignored; the name column refreshes
	b.m.NotifyChanged("users", "email")
	b.setRows(reactive.Row{"name": "grace", "_pk_users_id": int64(1)})
	b.m.NotifyChanged("users", "name")

	snap = protocol.Snapshot{}
	readJSON(t, conn, &snap)
	assert.EqualValues(t, 2, snap.Seq)
	assert.Equal(t, map[string]any{"name": "grace"}, snap.Rows[0].Values)

	require.NoError(t, conn.WriteJSON(protocol.Message{Type: protocol.TypeUnsubscribe, ID: "q1"}))
	var msg protocol.Message
	readJSON(t, conn, &msg)
	assert.Equal(t, protocol.Message{Type: protocol.TypeUnsubscribed, ID: "q1"}, msg)
}

func TestWebsocketDisconnectDisposesQueries(t *testing.T) {
	b := newFakeBackend(t, reactive.Row{"id": int64(1), "name": "ada"})
	srv := newServer(t, b)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(protocol.Request{
		Message:    protocol.Message{Type: protocol.TypeSubscribe, ID: "q1"},
		Definition: &protocol.WireDefinition{Table: "users", Columns: []string{"id", "name"}},
	}))
	var subscribed protocol.Subscribed
	readJSON(t, conn, &subscribed)
	var snap protocol.Snapshot
	readJSON(t, conn, &snap)
	require.Len(t, snap.Rows, 1)
	assert.Equal(t, common.EncodeHandle("users", []string{"id"}, []any{int64(1)}), snap.Rows[0].Handle)
	assert.Len(t, b.m.Snapshot(), 1)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return len(b.m.Snapshot()) == 0 }, 2*time.Second, 10*time.Millisecond)
}
