package storage

import (
	"context"
	"sync"
)

// keyedLock is a set of mutexes addressed by string key. Waiting honours
// context cancellation, which a sync.Mutex cannot.
type keyedLock struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: make(map[string]*lockSlot)}
}

func (l *keyedLock) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.drop(key, slot)
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *keyedLock) unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		panic("storage: unlock of unlocked key " + key)
	}
	<-slot.ch
	l.drop(key, slot)
}

// drop must be called with l.mu held.
func (l *keyedLock) drop(key string, slot *lockSlot) {
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}
