package reactive

import "sync"

// Subscription is the token returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe detaches the observer. Calling it more than once is a no-op,
// and it is safe to call from inside the observer's own callbacks.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

type event[T any] struct {
	snap *Snapshot[T]
	err  error
}

// mailbox delivers events to one observer in order on its own goroutine so
// that a slow observer never holds up a refresh or another observer.
type mailbox[T any] struct {
	obs Observer[T]

	mu    sync.Mutex
	queue []event[T]

	wake     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
}

func newMailbox[T any](obs Observer[T]) *mailbox[T] {
	m := &mailbox[T]{
		obs:  obs,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox[T]) push(e event[T]) {
	m.mu.Lock()
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) stop() {
	m.stopOnce.Do(func() { close(m.quit) })
}

func (m *mailbox[T]) run() {
	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			e := m.queue[0]
			m.queue[0] = event[T]{}
			m.queue = m.queue[1:]
			m.mu.Unlock()

			select {
			case <-m.quit:
				return
			default:
			}
			if e.err != nil {
				m.obs.OnError(e.err)
			} else if e.snap != nil {
				m.obs.OnNext(*e.snap)
			}
		}
	}
}
