package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/protocol"
	"github.com/zoravur/livequery/internal/reactive"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler serves the live query protocol over websockets.
type WSHandler struct {
	Backend Backend
	Log     *zap.Logger
}

// HandleWS upgrades the connection and runs one protocol dispatcher until the
// client goes away. Every query of the connection is disposed on exit.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		L(r.Context()).Warn("upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := h.Log.With(zap.String("remote", conn.RemoteAddr().String()))
	sess := &session{conn: conn}
	d := protocol.NewDispatcher(h.Backend.Manager(), &backendSource{b: h.Backend}, sess, log)
	defer d.Close()

	go sess.keepalive(ctx)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	log.Info("client connected")
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("ws read error", zap.Error(err))
			}
			break
		}
		if err := d.HandleMessage(ctx, msg); err != nil {
			log.Warn("ws write error", zap.Error(err))
			break
		}
	}
	log.Info("client disconnected", zap.Int("subscriptions", d.Subscriptions().Len()))
}

// session serializes writes to one connection.
type session struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var errSessionClosed = errors.New("session closed")

func (s *session) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(v); err != nil {
		s.closed = true
		return err
	}
	return nil
}

func (s *session) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// backendSource resolves protocol requests against the store. SQL goes
// through the primary key rewrite; structured definitions are keyed by
// the catalog's primary key of their table.
type backendSource struct {
	b Backend
}

func (s *backendSource) Prepare(ctx context.Context, req protocol.Request) (*protocol.Prepared, error) {
	if req.Definition == nil {
		rq, err := s.b.Prepare(ctx, req.SQL, req.Args...)
		if err != nil {
			return nil, err
		}
		return &protocol.Prepared{
			Def:      rq.Def,
			Identity: rq.Identity(),
			Mapper: func(r reactive.Row) (protocol.Row, error) {
				return protocol.Row{Handle: rq.EditHandle(r), Values: rq.Visible(r)}, nil
			},
		}, nil
	}

	def, err := req.Definition.ToDefinition()
	if err != nil {
		return nil, err
	}
	pks := []string{"id"}
	cat, err := s.b.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	if cols, ok := cat.PrimaryKeys(reactive.NormalizeTable(def.Table)); ok {
		pks = cols
	}
	ident := reactive.KeyColumns(def.Table, pks...)
	return &protocol.Prepared{
		Def:      def,
		Identity: ident,
		Mapper: func(r reactive.Row) (protocol.Row, error) {
			return protocol.Row{Handle: ident(r).Key, Values: r}, nil
		},
	}, nil
}
