// Package keymutex provides per-key mutual exclusion: at most one function
// runs under a given key at a time, and callers for the same key run in the
// order they arrived. Keys carry no state of their own; an entry exists only
// while callers are queued on it.
package keymutex

import (
	"context"
	"sync"
)

// KeyMutex serializes work by string key. The zero value is not usable; use New.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	// tail is closed when the most recently enqueued caller finishes,
	// handing the key to whoever enqueued after it.
	tail    chan struct{}
	waiters int
}

// New returns an empty KeyMutex.
func New() *KeyMutex {
	return &KeyMutex{entries: make(map[string]*entry)}
}

// Do runs fn once no earlier caller for key is still running. Callers for the
// same key execute in strict arrival order, each observing the side effects of
// the previous one. Callers for different keys do not block each other.
//
// If ctx is cancelled while waiting, Do returns ctx.Err() without running fn;
// the abandoned queue slot is skipped so later callers are not blocked.
func (k *KeyMutex) Do(ctx context.Context, key string, fn func() error) error {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	prev := e.tail
	turn := make(chan struct{})
	e.tail = turn
	e.waiters++
	k.mu.Unlock()

	release := func() {
		close(turn)
		k.mu.Lock()
		e.waiters--
		if e.waiters == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Pass the turn along once the predecessor finishes, without
			// running fn, so successors are never stranded.
			go func() {
				<-prev
				release()
			}()
			return ctx.Err()
		}
	}

	defer release()
	return fn()
}

// Len reports the number of keys with queued or running work. Intended for
// tests and metrics.
func (k *KeyMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
