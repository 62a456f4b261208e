package intercom

import "sync"

// broadcaster wakes long-poll waiters when the participant set changes.
// Subscribers get at most one wake-up per subscription; a poll that needs
// more subscribes again. There is no delivery guarantee beyond "at least one
// fresh read after a change".
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan struct{}]struct{})}
}

// Subscribe registers a wake-up channel. The returned cancel func must be
// called once the waiter resolves, timeout or not.
func (b *broadcaster) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

// Notify wakes every current subscriber without blocking.
func (b *broadcaster) Notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
