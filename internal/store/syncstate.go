package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/vantage-pos/sync-service/internal/model"
)

// SyncStateRepository handles database operations for per-platform sync state.
type SyncStateRepository struct {
	db *sql.DB
}

// NewSyncStateRepository creates a new SyncStateRepository.
func NewSyncStateRepository(db *sql.DB) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

// Get retrieves the sync state for (tenant, platform).
func (r *SyncStateRepository) Get(ctx context.Context, tenantID uuid.UUID, platform model.Platform) (*model.SyncState, error) {
	query := `
		SELECT tenant_id, platform, last_sync_at, last_sync_version, sync_enabled, sync_url, updated_at
		FROM sync_states
		WHERE tenant_id = $1 AND platform = $2
	`
	state := &model.SyncState{}
	err := r.db.QueryRowContext(ctx, query, tenantID, platform).Scan(
		&state.TenantID, &state.Platform, &state.LastSyncAt, &state.LastSyncVersion,
		&state.SyncEnabled, &state.SyncURL, &state.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Upsert creates or replaces the sync state row.
func (r *SyncStateRepository) Upsert(ctx context.Context, state *model.SyncState) error {
	query := `
		INSERT INTO sync_states (tenant_id, platform, last_sync_at, last_sync_version, sync_enabled, sync_url, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, platform) DO UPDATE
		SET last_sync_at = EXCLUDED.last_sync_at,
		    last_sync_version = EXCLUDED.last_sync_version,
		    sync_enabled = EXCLUDED.sync_enabled,
		    sync_url = EXCLUDED.sync_url,
		    updated_at = EXCLUDED.updated_at
	`
	state.UpdatedAt = time.Now()
	_, err := r.db.ExecContext(ctx, query,
		state.TenantID, state.Platform, state.LastSyncAt, state.LastSyncVersion,
		state.SyncEnabled, state.SyncURL, state.UpdatedAt,
	)
	return err
}

// MarkSynced records a successful orchestration. Only success paths touch
// last_sync_at and last_sync_version.
func (r *SyncStateRepository) MarkSynced(ctx context.Context, tenantID uuid.UUID, platform model.Platform, version int64) error {
	query := `
		INSERT INTO sync_states (tenant_id, platform, last_sync_at, last_sync_version, sync_enabled, sync_url, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, '', $3)
		ON CONFLICT (tenant_id, platform) DO UPDATE
		SET last_sync_at = EXCLUDED.last_sync_at,
		    last_sync_version = GREATEST(sync_states.last_sync_version, EXCLUDED.last_sync_version),
		    updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query, tenantID, platform, time.Now(), version)
	return err
}

// SetEnabled toggles syncing for (tenant, platform).
func (r *SyncStateRepository) SetEnabled(ctx context.Context, tenantID uuid.UUID, platform model.Platform, enabled bool) error {
	query := `
		INSERT INTO sync_states (tenant_id, platform, last_sync_version, sync_enabled, sync_url, updated_at)
		VALUES ($1, $2, 0, $3, '', $4)
		ON CONFLICT (tenant_id, platform) DO UPDATE
		SET sync_enabled = EXCLUDED.sync_enabled, updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query, tenantID, platform, enabled, time.Now())
	return err
}
