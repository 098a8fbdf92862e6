package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned when the lock could not be taken within the
// caller's context deadline.
var ErrNotAcquired = errors.New("lock: not acquired")

// KeyedLock provides per-key exclusive locks. The processor and orchestrator
// share one instance keyed by tenant and entity type, so a retried queue item
// can never race a freshly enqueued item for the same entity type.
//
// Key cardinality is bounded by tenants x entity types, so entries are kept
// for the life of the process.
type KeyedLock struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewKeyedLock creates an empty KeyedLock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{slots: make(map[string]chan struct{})}
}

func (l *KeyedLock) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	return slot
}

// Acquire takes the lock for key, waiting until the context expires. The
// returned release function is safe to call exactly once, typically deferred
// so the lock is released on every exit path.
func (l *KeyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	slot := l.slot(key)
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ErrNotAcquired
	}
}

// TryAcquire takes the lock only if it is immediately free.
func (l *KeyedLock) TryAcquire(key string) (func(), bool) {
	slot := l.slot(key)
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, true
	default:
		return nil, false
	}
}
