package syncq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/vantage-pos/sync-service/internal/connector"
	"github.com/vantage-pos/sync-service/internal/lock"
	"github.com/vantage-pos/sync-service/internal/model"
)

type scriptedDispatcher struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, _ *model.SyncQueueItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.calls < len(d.errs) {
		err = d.errs[d.calls]
	}
	d.calls++
	return err
}

func (d *scriptedDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeConflicts struct {
	open map[string]bool
}

func (f *fakeConflicts) HasOpen(_ context.Context, tenantID uuid.UUID, entityType model.EntityType, entityID string) (bool, error) {
	return f.open[tenantID.String()+"|"+entityType.String()+"|"+entityID], nil
}

func newTestProcessor(fs *fakeQueueStore, d Dispatcher, c ConflictChecker) *Processor {
	b := NewBackoff(time.Millisecond, time.Second)
	b.jitter = func() float64 { return 0.5 }
	return NewProcessor(ProcessorConfig{Workers: 1, PollInterval: time.Millisecond}, fs, c, d, lock.NewKeyedLock(), b)
}

func enqueueOne(t *testing.T, fs *fakeQueueStore, tenantID uuid.UUID, maxAttempts int) uuid.UUID {
	t.Helper()
	q := NewQueue(fs, 100, maxAttempts)
	res, err := q.Enqueue(context.Background(), validRequest(tenantID, "evt-1"))
	assert.NoError(t, err)
	assert.Equal(t, Accepted, res)
	return fs.items[0].ID
}

// drain claims and processes items until the queue has nothing runnable,
// skipping the backoff clock forward between passes.
func drain(p *Processor, fs *fakeQueueStore) {
	now := time.Now()
	for i := 0; i < 50; i++ {
		item, err := fs.ClaimNext(context.Background(), now)
		if err != nil {
			now = now.Add(time.Hour)
			item, err = fs.ClaimNext(context.Background(), now)
			if err != nil {
				return
			}
		}
		p.process(item)
	}
}

func TestProcessorTransientRetriesThenSucceeds(t *testing.T) {
	fs := &fakeQueueStore{}
	tenantID := uuid.New()
	id := enqueueOne(t, fs, tenantID, 5)

	d := &scriptedDispatcher{errs: []error{
		connector.ErrTransient, connector.ErrTransient, connector.ErrTransient, nil,
	}}
	p := newTestProcessor(fs, d, &fakeConflicts{})

	drain(p, fs)

	item := fs.get(id)
	assert.Equal(t, model.QueueStatusSent, item.Status)
	assert.Equal(t, 3, item.RetryCount)
	assert.Equal(t, 4, d.callCount())
	assert.Empty(t, item.LastError)
}

func TestProcessorExhaustsRetryBudget(t *testing.T) {
	fs := &fakeQueueStore{}
	tenantID := uuid.New()
	id := enqueueOne(t, fs, tenantID, 2)

	d := &scriptedDispatcher{errs: []error{
		connector.ErrTransient, connector.ErrTransient, connector.ErrTransient,
		connector.ErrTransient, connector.ErrTransient,
	}}
	p := newTestProcessor(fs, d, &fakeConflicts{})

	drain(p, fs)

	item := fs.get(id)
	assert.Equal(t, model.QueueStatusFailed, item.Status)
	assert.Equal(t, 2, item.RetryCount)
	// First attempt plus two retries; the budget stops the fourth call.
	assert.Equal(t, 3, d.callCount())
	assert.Contains(t, item.LastError, "retries exhausted")
}

func TestProcessorPermanentFailureDoesNotRetry(t *testing.T) {
	fs := &fakeQueueStore{}
	tenantID := uuid.New()
	id := enqueueOne(t, fs, tenantID, 5)

	d := &scriptedDispatcher{errs: []error{connector.ErrAuth}}
	p := newTestProcessor(fs, d, &fakeConflicts{})

	drain(p, fs)

	item := fs.get(id)
	assert.Equal(t, model.QueueStatusFailed, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, 1, d.callCount())
}

func TestProcessorBlocksOnConflictError(t *testing.T) {
	fs := &fakeQueueStore{}
	tenantID := uuid.New()
	id := enqueueOne(t, fs, tenantID, 5)

	d := &scriptedDispatcher{errs: []error{connector.ErrConflict}}
	p := newTestProcessor(fs, d, &fakeConflicts{})

	drain(p, fs)

	item := fs.get(id)
	assert.Equal(t, model.QueueStatusBlocked, item.Status)
	assert.Equal(t, 1, d.callCount())
}

func TestProcessorBlocksBehindOpenConflict(t *testing.T) {
	fs := &fakeQueueStore{}
	tenantID := uuid.New()
	id := enqueueOne(t, fs, tenantID, 5)

	conflicts := &fakeConflicts{open: map[string]bool{
		tenantID.String() + "|order|order-100": true,
	}}
	d := &scriptedDispatcher{}
	p := newTestProcessor(fs, d, conflicts)

	item, err := fs.ClaimNext(context.Background(), time.Now())
	assert.NoError(t, err)
	p.process(item)

	got := fs.get(id)
	assert.Equal(t, model.QueueStatusBlocked, got.Status)
	// The dispatcher is never reached while the conflict is open.
	assert.Equal(t, 0, d.callCount())

	// Resolution unblocks and the item syncs on the next pass.
	conflicts.open = nil
	assert.NoError(t, fs.UnblockEntity(context.Background(), tenantID, model.EntityOrder, "order-100"))
	drain(p, fs)
	assert.Equal(t, model.QueueStatusSent, fs.get(id).Status)
}

func TestProcessorDisconnectDiscardsInFlight(t *testing.T) {
	fs := &fakeQueueStore{}
	tenantID := uuid.New()
	id := enqueueOne(t, fs, tenantID, 5)

	d := &scriptedDispatcher{}
	p := newTestProcessor(fs, d, &fakeConflicts{})

	item, err := fs.ClaimNext(context.Background(), time.Now())
	assert.NoError(t, err)

	_, err = p.Disconnect(context.Background(), tenantID)
	assert.NoError(t, err)
	p.process(item)

	got := fs.get(id)
	assert.Equal(t, model.QueueStatusCancelled, got.Status)
	assert.Equal(t, 0, d.callCount())
}

func TestProcessorDisconnectCancelsPending(t *testing.T) {
	fs := &fakeQueueStore{}
	q := NewQueue(fs, 100, 5)
	tenantID := uuid.New()
	other := uuid.New()

	for _, key := range []string{"evt-1", "evt-2", "evt-3"} {
		req := validRequest(tenantID, key)
		req.EntityID = "order-" + key
		_, err := q.Enqueue(context.Background(), req)
		assert.NoError(t, err)
	}
	_, err := q.Enqueue(context.Background(), validRequest(other, "evt-1"))
	assert.NoError(t, err)

	p := newTestProcessor(fs, &scriptedDispatcher{}, &fakeConflicts{})
	n, err := p.Disconnect(context.Background(), tenantID)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)

	counts, err := q.Counts(context.Background(), tenantID)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), counts[model.QueueStatusCancelled])

	counts, err = q.Counts(context.Background(), other)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.QueueStatusPending])
}

func TestProcessorRequeueResetsFailedItem(t *testing.T) {
	fs := &fakeQueueStore{}
	tenantID := uuid.New()
	id := enqueueOne(t, fs, tenantID, 1)

	d := &scriptedDispatcher{errs: []error{
		connector.ErrTransient, connector.ErrTransient, nil,
	}}
	p := newTestProcessor(fs, d, &fakeConflicts{})
	drain(p, fs)
	assert.Equal(t, model.QueueStatusFailed, fs.get(id).Status)

	q := NewQueue(fs, 100, 1)
	assert.NoError(t, q.Requeue(context.Background(), id))
	got := fs.get(id)
	assert.Equal(t, model.QueueStatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	drain(p, fs)
	assert.Equal(t, model.QueueStatusSent, fs.get(id).Status)
}

func TestProcessorReclaimsAbandonedClaims(t *testing.T) {
	fs := &fakeQueueStore{}
	q := NewQueue(fs, 100, 5)
	tenantID := uuid.New()

	// A worker claims the first item and dies mid-dispatch; its claim sits
	// in_progress with a stale updated_at.
	stale := enqueueOne(t, fs, tenantID, 5)
	_, err := fs.ClaimNext(context.Background(), time.Now())
	assert.NoError(t, err)
	fs.backdate(stale, time.Now().Add(-time.Hour))

	// A second item is claimed by a live worker right now.
	req := validRequest(tenantID, "evt-2")
	req.EntityID = "order-200"
	_, err = q.Enqueue(context.Background(), req)
	assert.NoError(t, err)
	fresh, err := fs.ClaimNext(context.Background(), time.Now())
	assert.NoError(t, err)

	d := &scriptedDispatcher{errs: []error{nil}}
	p := newTestProcessor(fs, d, &fakeConflicts{})
	p.releaseStale()

	assert.Equal(t, model.QueueStatusPending, fs.get(stale).Status)
	assert.Equal(t, model.QueueStatusInProgress, fs.get(fresh.ID).Status, "a live claim must not be reclaimed")

	drain(p, fs)
	got := fs.get(stale)
	assert.Equal(t, model.QueueStatusSent, got.Status)
	assert.Equal(t, 0, got.RetryCount, "a reclaimed item keeps its attempt budget")
	assert.Equal(t, 1, d.callCount())
}

func TestProcessorStartStop(t *testing.T) {
	fs := &fakeQueueStore{}
	tenantID := uuid.New()
	id := enqueueOne(t, fs, tenantID, 5)

	d := &scriptedDispatcher{}
	p := newTestProcessor(fs, d, &fakeConflicts{})
	p.Start()
	defer p.Stop()

	assert.Eventually(t, func() bool {
		return fs.get(id).Status == model.QueueStatusSent
	}, 2*time.Second, 5*time.Millisecond)
}
