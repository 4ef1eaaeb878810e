package protocol

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/reactive"
)

// Sender writes one outbound message. It must be safe for concurrent use;
// snapshots arrive from subscription goroutines.
type Sender interface {
	Send(v any) error
}

// Source resolves subscribe and update requests.
type Source interface {
	Prepare(ctx context.Context, req Request) (*Prepared, error)
}

// ErrDuplicateID rejects a subscribe whose id the connection already uses.
var ErrDuplicateID = errors.New("subscription id already in use")

// Dispatcher runs the message protocol of one connection.
type Dispatcher struct {
	m    *reactive.Manager
	src  Source
	out  Sender
	subs *Registry
	log  *zap.Logger
}

func NewDispatcher(m *reactive.Manager, src Source, out Sender, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{m: m, src: src, out: out, subs: NewRegistry(), log: log}
}

// Subscriptions exposes the connection's registry.
func (d *Dispatcher) Subscriptions() *Registry { return d.subs }

// HandleMessage handles one message received from the client. Failures are
// reported to the client as error messages; only send failures are returned.
func (d *Dispatcher) HandleMessage(ctx context.Context, raw []byte) error {
	req, err := DecodeRequest(raw)
	if err != nil {
		return d.out.Send(NewError(req.ID, err))
	}

	switch req.Type {
	case TypePing:
		return d.out.Send(Message{Type: TypePong, ID: req.ID})
	case TypeSubscribe:
		err = d.subscribe(ctx, req)
	case TypeUpdate:
		err = d.update(ctx, req)
	case TypeUnsubscribe:
		if sub, ok := d.subs.Remove(req.ID); ok {
			sub.close()
			d.log.Debug("unsubscribed", zap.String("sub_id", req.ID), zap.String("query_id", sub.Query.ID()))
		}
		return d.out.Send(Message{Type: TypeUnsubscribed, ID: req.ID})
	}
	if err != nil {
		return d.out.Send(NewError(req.ID, err))
	}
	return nil
}

func (d *Dispatcher) subscribe(ctx context.Context, req Request) error {
	if _, taken := d.subs.Get(req.ID); taken {
		return ErrDuplicateID
	}
	p, err := d.src.Prepare(ctx, req)
	if err != nil {
		return err
	}

	sub := &Subscription{ID: req.ID}
	sub.current.Store(p)
	sub.Query = reactive.NewQuery(d.m, p.Def, p.Mapper, reactive.WithIdentity(sub.identity))
	if !d.subs.Add(sub) {
		sub.Query.Dispose()
		return ErrDuplicateID
	}

	if err := d.out.Send(Subscribed{
		Message: Message{Type: TypeSubscribed, ID: req.ID},
		Deps:    depKeys(sub.Query.Dependencies()),
	}); err != nil {
		return err
	}

	id := req.ID
	sub.sub, err = sub.Query.Subscribe(reactive.ObserverFuncs[Row]{
		Next: func(s reactive.Snapshot[Row]) {
			rows := s.Rows
			if rows == nil {
				rows = []Row{}
			}
			if err := d.out.Send(Snapshot{Message: Message{Type: TypeSnapshot, ID: id}, Seq: s.Seq, Rows: rows}); err != nil {
				d.log.Debug("snapshot not delivered", zap.String("sub_id", id), zap.Error(err))
			}
		},
		Error: func(err error) {
			_ = d.out.Send(NewError(id, err))
		},
	})
	if err != nil {
		d.subs.Remove(req.ID)
		sub.Query.Dispose()
		return fmt.Errorf("subscribe: %w", err)
	}
	d.log.Debug("subscribed", zap.String("sub_id", id), zap.String("query_id", sub.Query.ID()))
	return nil
}

func (d *Dispatcher) update(ctx context.Context, req Request) error {
	sub, ok := d.subs.Get(req.ID)
	if !ok {
		return fmt.Errorf("no subscription %q", req.ID)
	}
	p, err := d.src.Prepare(ctx, req)
	if err != nil {
		return err
	}
	// an equal definition keeps its mapper, making the update a no-op
	mapper := p.Mapper
	if sub.Query.Definition().Equal(p.Def) {
		mapper = nil
	} else {
		sub.current.Store(p)
	}
	changed, err := sub.Query.UpdateDefinition(p.Def, mapper)
	if err != nil {
		return err
	}
	if changed {
		return d.out.Send(Subscribed{
			Message: Message{Type: TypeSubscribed, ID: req.ID},
			Deps:    depKeys(sub.Query.Dependencies()),
		})
	}
	return nil
}

// Close disposes every query of the connection.
func (d *Dispatcher) Close() {
	for _, sub := range d.subs.Drain() {
		sub.close()
	}
}

func depKeys(deps reactive.DependencySet) []string {
	keys := deps.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
