package workflow

import (
	"context"
	"sync"
)

// keyedLock serializes work per instance id. Waiting honours ctx.
type keyedLock struct {
	mu    sync.Mutex
	slots map[uint64]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: make(map[uint64]*lockSlot)}
}

// Lock acquires the lock for id and returns its release function.
func (l *keyedLock) Lock(ctx context.Context, id uint64) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[id]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[id] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			l.release(id, slot)
		}, nil
	case <-ctx.Done():
		l.release(id, slot)
		return nil, ctx.Err()
	}
}

func (l *keyedLock) release(id uint64, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, id)
	}
}

func (l *keyedLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
