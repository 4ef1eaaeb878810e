package protocol

import (
	"sync"
	"sync/atomic"

	"github.com/zoravur/livequery/internal/reactive"
)

// Prepared is a request resolved into something the manager can run.
type Prepared struct {
	Def      reactive.Definition
	Identity reactive.IdentityFunc
	Mapper   reactive.Mapper[Row]
}

// Subscription is one client-named live query of a connection.
type Subscription struct {
	ID    string
	Query *reactive.Query[Row]

	sub     *reactive.Subscription
	current atomic.Pointer[Prepared]
}

// identity follows whichever definition is current, so an update that
// changes the key columns keeps working.
func (s *Subscription) identity(r reactive.Row) reactive.Identity {
	if p := s.current.Load(); p != nil && p.Identity != nil {
		return p.Identity(r)
	}
	return reactive.Identity{}
}

func (s *Subscription) close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	s.Query.Dispose()
}

// Registry holds the subscriptions of one connection by client id.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

// Add stores sub unless its id is taken.
func (r *Registry) Add(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.ID]; ok {
		return false
	}
	r.subs[sub.ID] = sub
	return true
}

func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	return sub, ok
}

func (r *Registry) Remove(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	return sub, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Drain empties the registry and returns what it held.
func (r *Registry) Drain() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	r.subs = make(map[string]*Subscription)
	return out
}
