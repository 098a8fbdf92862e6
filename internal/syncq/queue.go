// Package syncq implements the durable per-tenant sync queue and the worker
// pool that drains it.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vantage-pos/sync-service/internal/model"
)

var (
	// ErrQueueFull is the backpressure signal: the tenant's queue is at
	// capacity and the producer must back off or shed load.
	ErrQueueFull = errors.New("syncq: tenant queue at capacity")
	// ErrInvalidItem is returned for enqueue requests with unknown entity
	// types, operations or platforms.
	ErrInvalidItem = errors.New("syncq: invalid queue item")
)

// EnqueueResult reports what an enqueue call did.
type EnqueueResult string

const (
	Accepted     EnqueueResult = "accepted"
	Deduplicated EnqueueResult = "deduplicated"
)

// QueueStore is the persistence contract for queue items, implemented by
// store.QueueRepository.
type QueueStore interface {
	Insert(ctx context.Context, item *model.SyncQueueItem) (bool, error)
	ClaimNext(ctx context.Context, now time.Time) (*model.SyncQueueItem, error)
	Update(ctx context.Context, item *model.SyncQueueItem) error
	CountActive(ctx context.Context, tenantID uuid.UUID) (int64, error)
	CountByStatus(ctx context.Context, tenantID uuid.UUID) (map[model.QueueStatus]int64, error)
	CancelPending(ctx context.Context, tenantID uuid.UUID) (int64, error)
	UnblockEntity(ctx context.Context, tenantID uuid.UUID, entityType model.EntityType, entityID string) error
	Requeue(ctx context.Context, id uuid.UUID) error
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// EnqueueRequest describes one operation to queue.
type EnqueueRequest struct {
	TenantID       uuid.UUID
	Platform       model.Platform
	EntityType     model.EntityType
	EntityID       string
	Operation      model.Operation
	Payload        json.RawMessage
	IdempotencyKey string
}

// Queue accepts operations into the durable per-tenant queue.
type Queue struct {
	store       QueueStore
	capacity    int64
	maxAttempts int
}

// NewQueue creates a Queue with a per-tenant capacity and a retry budget
// applied to new items.
func NewQueue(store QueueStore, capacity int64, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{store: store, capacity: capacity, maxAttempts: maxAttempts}
}

// Enqueue adds an operation. A duplicate idempotency key for the tenant is a
// no-op reported as Deduplicated; a tenant at capacity gets ErrQueueFull
// rather than silent buffering.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if !req.EntityType.IsValid() || !req.Operation.IsValid() || !req.Platform.IsValid() ||
		req.EntityID == "" || req.IdempotencyKey == "" || req.TenantID == uuid.Nil {
		return "", ErrInvalidItem
	}

	// Capacity is backpressure, not an exact quota. The count and the
	// insert are separate statements, so concurrent producers racing at
	// the limit can each overshoot by one item. That slack is acceptable;
	// a serialized reservation per enqueue is not worth it here.
	if q.capacity > 0 {
		active, err := q.store.CountActive(ctx, req.TenantID)
		if err != nil {
			return "", err
		}
		if active >= q.capacity {
			return "", ErrQueueFull
		}
	}

	now := time.Now()
	item := &model.SyncQueueItem{
		ID:             uuid.New(),
		TenantID:       req.TenantID,
		Platform:       req.Platform,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Operation:      req.Operation,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		Status:         model.QueueStatusPending,
		MaxAttempts:    q.maxAttempts,
		NextAttemptAt:  now,
		Priority:       req.EntityType.PriorityClass(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	inserted, err := q.store.Insert(ctx, item)
	if err != nil {
		return "", err
	}
	if !inserted {
		return Deduplicated, nil
	}

	log.Debug().
		Str("tenant_id", req.TenantID.String()).
		Str("entity_type", req.EntityType.String()).
		Str("entity_id", req.EntityID).
		Str("operation", string(req.Operation)).
		Msg("Enqueued sync operation")
	return Accepted, nil
}

// CancelTenant cancels all pending and blocked items for a tenant. Called on
// disconnect, before credentials are deleted.
func (q *Queue) CancelTenant(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	return q.store.CancelPending(ctx, tenantID)
}

// Requeue resets a permanently failed item. Operator action only.
func (q *Queue) Requeue(ctx context.Context, id uuid.UUID) error {
	return q.store.Requeue(ctx, id)
}

// Counts returns per-status item counts for a tenant.
func (q *Queue) Counts(ctx context.Context, tenantID uuid.UUID) (map[model.QueueStatus]int64, error) {
	return q.store.CountByStatus(ctx, tenantID)
}
