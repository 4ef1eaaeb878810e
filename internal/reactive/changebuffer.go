package reactive

import "sync"

// ChangeBuffer collects the changes of one open transaction. The write path
// hands them to the manager in a single batch after commit, or drops them on
// rollback. A buffer is single-use.
type ChangeBuffer struct {
	mu      sync.Mutex
	changes []Change
	seen    map[Change]struct{}
	done    bool
}

func (b *ChangeBuffer) Record(changes ...Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	if b.seen == nil {
		b.seen = map[Change]struct{}{}
	}
	for _, c := range changes {
		if _, ok := b.seen[c]; ok {
			continue
		}
		b.seen[c] = struct{}{}
		b.changes = append(b.changes, c)
	}
}

func (b *ChangeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.changes)
}

// Commit delivers the buffered changes to n in one call. Only the first
// Commit or Discard has any effect.
func (b *ChangeBuffer) Commit(n Notifier) {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.done = true
	changes := b.changes
	b.changes, b.seen = nil, nil
	b.mu.Unlock()

	if len(changes) > 0 && n != nil {
		n.NotifyChanges(changes)
	}
}

func (b *ChangeBuffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	b.changes, b.seen = nil, nil
}
