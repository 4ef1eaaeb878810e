package reactive

import (
	"context"
	"sort"
	"sync"
)

// Live is the type-erased view of a Query the manager works with.
type Live interface {
	ID() string
	Refresh(ctx context.Context) error
	Info() LiveInfo
	Dispose()
}

// LiveInfo is a point-in-time description of a live query.
type LiveInfo struct {
	ID          string   `json:"id"`
	State       string   `json:"state"`
	Keys        []string `json:"keys"`
	Subscribers int      `json:"subscribers"`
	Seq         uint64   `json:"seq"`
	Definition  string   `json:"definition"`
}

// Registry holds every non-disposed query created on a manager.
type Registry struct {
	mu   sync.RWMutex
	data map[string]Live
}

func NewRegistry() *Registry {
	return &Registry{data: make(map[string]Live)}
}

func (r *Registry) Register(q Live) {
	r.mu.Lock()
	r.data[q.ID()] = q
	r.mu.Unlock()
}

func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.data[id]
	delete(r.data, id)
	return ok
}

func (r *Registry) Get(id string) (Live, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.data[id]
	return q, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Snapshot returns the registered queries ordered by id.
func (r *Registry) Snapshot() []Live {
	r.mu.RLock()
	out := make([]Live, 0, len(r.data))
	for _, q := range r.data {
		out = append(out, q)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SnapshotView describes every registered query. Info is collected outside
// the registry lock since it takes each query's own lock.
func (r *Registry) SnapshotView() []LiveInfo {
	qs := r.Snapshot()
	out := make([]LiveInfo, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.Info())
	}
	return out
}

// Drain empties the registry and returns what it held.
func (r *Registry) Drain() []Live {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Live, 0, len(r.data))
	for id, q := range r.data {
		out = append(out, q)
		delete(r.data, id)
	}
	return out
}
