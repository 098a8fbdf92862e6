package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLock_Exclusive(t *testing.T) {
	l := NewKeyedLock()

	release, ok := l.TryAcquire("t1|order")
	assert.True(t, ok)

	_, ok = l.TryAcquire("t1|order")
	assert.False(t, ok, "second acquire must observe the lock held")

	// A different key is independent.
	release2, ok := l.TryAcquire("t1|customer")
	assert.True(t, ok)
	release2()

	release()
	release3, ok := l.TryAcquire("t1|order")
	assert.True(t, ok, "lock must be free after release")
	release3()
}

func TestKeyedLock_BoundedWait(t *testing.T) {
	l := NewKeyedLock()

	release, err := l.Acquire(context.Background(), "k")
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, ErrNotAcquired)

	release()
}

func TestKeyedLock_WaiterProceedsAfterRelease(t *testing.T) {
	l := NewKeyedLock()

	release, err := l.Acquire(context.Background(), "k")
	assert.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r, err := l.Acquire(context.Background(), "k")
		assert.NoError(t, err)
		r()
	}()

	release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}
