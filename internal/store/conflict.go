package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vantage-pos/sync-service/internal/model"
)

// ConflictRepository handles database operations for sync conflicts.
type ConflictRepository struct {
	db *sql.DB
}

// NewConflictRepository creates a new ConflictRepository.
func NewConflictRepository(db *sql.DB) *ConflictRepository {
	return &ConflictRepository{db: db}
}

const conflictColumns = `id, tenant_id, entity_type, entity_id, local_version, remote_version,
		local_updated_at, remote_updated_at, local_store_id, remote_store_id,
		local_data, remote_data, resolution_status, resolution_choice, merged_data,
		resolved_by, resolution_notes, created_at, resolved_at`

// Create inserts a new conflict row.
func (r *ConflictRepository) Create(ctx context.Context, c *model.SyncConflict) error {
	query := `
		INSERT INTO sync_conflicts (` + conflictColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	c.ID = uuid.New()
	c.Resolution = model.ResolutionPending
	c.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.TenantID, c.EntityType, c.EntityID, c.LocalVersion, c.RemoteVersion,
		c.LocalUpdatedAt, c.RemoteUpdatedAt, c.LocalStoreID, c.RemoteStoreID,
		c.LocalData, c.RemoteData, c.Resolution, c.ResolutionChoice, c.MergedData,
		c.ResolvedBy, c.ResolutionNotes, c.CreatedAt, c.ResolvedAt,
	)
	return err
}

// GetByID retrieves a conflict.
func (r *ConflictRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE id = $1`
	c := &model.SyncConflict{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.TenantID, &c.EntityType, &c.EntityID, &c.LocalVersion, &c.RemoteVersion,
		&c.LocalUpdatedAt, &c.RemoteUpdatedAt, &c.LocalStoreID, &c.RemoteStoreID,
		&c.LocalData, &c.RemoteData, &c.Resolution, &c.ResolutionChoice, &c.MergedData,
		&c.ResolvedBy, &c.ResolutionNotes, &c.CreatedAt, &c.ResolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListOpen retrieves unresolved conflicts for a tenant, newest first.
func (r *ConflictRepository) ListOpen(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*model.SyncConflict, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `
		SELECT ` + conflictColumns + `
		FROM sync_conflicts
		WHERE tenant_id = $1 AND resolution_status = 'pending'
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*model.SyncConflict
	for rows.Next() {
		c := &model.SyncConflict{}
		err := rows.Scan(
			&c.ID, &c.TenantID, &c.EntityType, &c.EntityID, &c.LocalVersion, &c.RemoteVersion,
			&c.LocalUpdatedAt, &c.RemoteUpdatedAt, &c.LocalStoreID, &c.RemoteStoreID,
			&c.LocalData, &c.RemoteData, &c.Resolution, &c.ResolutionChoice, &c.MergedData,
			&c.ResolvedBy, &c.ResolutionNotes, &c.CreatedAt, &c.ResolvedAt,
		)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// HasOpen reports whether the entity has an unresolved conflict.
func (r *ConflictRepository) HasOpen(ctx context.Context, tenantID uuid.UUID, entityType model.EntityType, entityID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM sync_conflicts
			WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND resolution_status = 'pending'
		)
	`
	var exists bool
	err := r.db.QueryRowContext(ctx, query, tenantID, entityType, entityID).Scan(&exists)
	return exists, err
}

// CountOpen counts unresolved conflicts for a tenant.
func (r *ConflictRepository) CountOpen(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	query := `SELECT COUNT(*) FROM sync_conflicts WHERE tenant_id = $1 AND resolution_status = 'pending'`
	var count int64
	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(&count)
	return count, err
}

// Resolve marks a conflict resolved, recording the chosen outcome so a
// later dispatch of the same version pair can replay it. Resolution is
// one-way; a resolved conflict never reopens.
func (r *ConflictRepository) Resolve(ctx context.Context, id uuid.UUID, choice string, mergedData json.RawMessage, resolvedBy, notes string) error {
	query := `
		UPDATE sync_conflicts
		SET resolution_status = 'resolved', resolution_choice = $2, merged_data = $3,
			resolved_by = $4, resolution_notes = $5, resolved_at = $6
		WHERE id = $1 AND resolution_status = 'pending'
	`
	result, err := r.db.ExecContext(ctx, query, id, choice, mergedData, resolvedBy, notes, time.Now())
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

// LatestResolved returns the most recently resolved conflict matching the
// entity and exact version pair, or (nil, nil) when no resolution exists.
// The version match is what scopes a stored choice to one divergence; a
// later edit on either side produces new versions and conflicts afresh.
func (r *ConflictRepository) LatestResolved(ctx context.Context, tenantID uuid.UUID, entityType model.EntityType, entityID string, localVersion, remoteVersion int64) (*model.SyncConflict, error) {
	query := `
		SELECT ` + conflictColumns + `
		FROM sync_conflicts
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
			AND local_version = $4 AND remote_version = $5
			AND resolution_status = 'resolved'
		ORDER BY resolved_at DESC
		LIMIT 1
	`
	c := &model.SyncConflict{}
	err := r.db.QueryRowContext(ctx, query, tenantID, entityType, entityID, localVersion, remoteVersion).Scan(
		&c.ID, &c.TenantID, &c.EntityType, &c.EntityID, &c.LocalVersion, &c.RemoteVersion,
		&c.LocalUpdatedAt, &c.RemoteUpdatedAt, &c.LocalStoreID, &c.RemoteStoreID,
		&c.LocalData, &c.RemoteData, &c.Resolution, &c.ResolutionChoice, &c.MergedData,
		&c.ResolvedBy, &c.ResolutionNotes, &c.CreatedAt, &c.ResolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CountAllOpen returns the number of unresolved conflicts across all
// tenants, for the metrics collector.
func (r *ConflictRepository) CountAllOpen(ctx context.Context) (int64, error) {
	query := `SELECT COUNT(*) FROM sync_conflicts WHERE resolution_status = 'pending'`
	var count int64
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}
