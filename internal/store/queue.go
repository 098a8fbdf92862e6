package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/vantage-pos/sync-service/internal/model"
)

// QueueRepository handles database operations for sync queue items. Retry
// state lives in the table, not in memory, so a restarted process resumes
// exactly where it left off.
type QueueRepository struct {
	db *sql.DB
}

// NewQueueRepository creates a new QueueRepository.
func NewQueueRepository(db *sql.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

const queueColumns = `id, tenant_id, platform, entity_type, entity_id, operation, payload, idempotency_key,
		status, retry_count, max_attempts, next_attempt_at, last_error, priority, created_at, updated_at`

func scanQueueItem(row *sql.Row) (*model.SyncQueueItem, error) {
	item := &model.SyncQueueItem{}
	err := row.Scan(
		&item.ID, &item.TenantID, &item.Platform, &item.EntityType, &item.EntityID,
		&item.Operation, &item.Payload, &item.IdempotencyKey, &item.Status,
		&item.RetryCount, &item.MaxAttempts, &item.NextAttemptAt, &item.LastError,
		&item.Priority, &item.CreatedAt, &item.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Insert adds a new queue item. The (tenant_id, idempotency_key) unique index
// makes a duplicate enqueue a no-op; the returned bool reports whether a row
// was actually created.
func (r *QueueRepository) Insert(ctx context.Context, item *model.SyncQueueItem) (bool, error) {
	query := `
		INSERT INTO sync_queue_items (` + queueColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		item.ID, item.TenantID, item.Platform, item.EntityType, item.EntityID,
		item.Operation, item.Payload, item.IdempotencyKey, item.Status,
		item.RetryCount, item.MaxAttempts, item.NextAttemptAt, item.LastError,
		item.Priority, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ClaimNext atomically claims the next eligible item: pending, due, ordered
// by priority class then FIFO. SKIP LOCKED keeps concurrent workers off the
// same row. ErrNotFound means nothing is eligible.
func (r *QueueRepository) ClaimNext(ctx context.Context, now time.Time) (*model.SyncQueueItem, error) {
	query := `
		UPDATE sync_queue_items
		SET status = 'in_progress', updated_at = $2
		WHERE id = (
			SELECT id FROM sync_queue_items
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY priority, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queueColumns + `
	`
	return scanQueueItem(r.db.QueryRowContext(ctx, query, now, time.Now()))
}

// GetByID retrieves a queue item.
func (r *QueueRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue_items WHERE id = $1`
	return scanQueueItem(r.db.QueryRowContext(ctx, query, id))
}

// Update persists the mutable fields of a claimed item.
func (r *QueueRepository) Update(ctx context.Context, item *model.SyncQueueItem) error {
	query := `
		UPDATE sync_queue_items
		SET status = $2, retry_count = $3, next_attempt_at = $4, last_error = $5, updated_at = $6
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query,
		item.ID, item.Status, item.RetryCount, item.NextAttemptAt, item.LastError, item.UpdatedAt,
	)
	return err
}

// CountActive counts items that occupy tenant queue capacity.
func (r *QueueRepository) CountActive(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	query := `
		SELECT COUNT(*) FROM sync_queue_items
		WHERE tenant_id = $1 AND status IN ('pending', 'in_progress', 'blocked')
	`
	var count int64
	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(&count)
	return count, err
}

// CountByStatus returns per-status counts for a tenant.
func (r *QueueRepository) CountByStatus(ctx context.Context, tenantID uuid.UUID) (map[model.QueueStatus]int64, error) {
	query := `SELECT status, COUNT(*) FROM sync_queue_items WHERE tenant_id = $1 GROUP BY status`
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.QueueStatus]int64)
	for rows.Next() {
		var status model.QueueStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// CancelPending cancels all pending and blocked items for a tenant in one
// statement. Used on disconnect so queued work never fires after credentials
// are revoked.
func (r *QueueRepository) CancelPending(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	query := `
		UPDATE sync_queue_items
		SET status = 'cancelled', updated_at = $2
		WHERE tenant_id = $1 AND status IN ('pending', 'blocked')
	`
	result, err := r.db.ExecContext(ctx, query, tenantID, time.Now())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// UnblockEntity returns items blocked on a resolved conflict to pending.
func (r *QueueRepository) UnblockEntity(ctx context.Context, tenantID uuid.UUID, entityType model.EntityType, entityID string) error {
	query := `
		UPDATE sync_queue_items
		SET status = 'pending', next_attempt_at = $4, updated_at = $4
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND status = 'blocked'
	`
	_, err := r.db.ExecContext(ctx, query, tenantID, entityType, entityID, time.Now())
	return err
}

// ReleaseStale returns in_progress items untouched since the cutoff to
// pending. A worker that dies mid-dispatch leaves its claim behind; without
// this sweep those items would sit in_progress forever. The retry counter is
// untouched, so a reclaimed item keeps its attempt budget.
func (r *QueueRepository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE sync_queue_items
		SET status = 'pending', next_attempt_at = $2, updated_at = $2
		WHERE status = 'in_progress' AND updated_at < $1
	`
	result, err := r.db.ExecContext(ctx, query, cutoff, time.Now())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Requeue resets a permanently failed item for another round of attempts.
// Operator action only; the processor never does this on its own.
func (r *QueueRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE sync_queue_items
		SET status = 'pending', retry_count = 0, last_error = '', next_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'failed'
	`
	result, err := r.db.ExecContext(ctx, query, id, time.Now())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountAllByStatus returns queue depth per status across all tenants, for
// the metrics collector.
func (r *QueueRepository) CountAllByStatus(ctx context.Context) (map[model.QueueStatus]int64, error) {
	query := `SELECT status, COUNT(*) FROM sync_queue_items GROUP BY status`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.QueueStatus]int64)
	for rows.Next() {
		var status model.QueueStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
