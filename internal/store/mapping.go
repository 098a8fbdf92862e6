package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/vantage-pos/sync-service/internal/model"
)

// MappingRepository handles database operations for ID mappings.
type MappingRepository struct {
	db *sql.DB
}

// NewMappingRepository creates a new MappingRepository.
func NewMappingRepository(db *sql.DB) *MappingRepository {
	return &MappingRepository{db: db}
}

// Create inserts a mapping row. The five-tuple
// (tenant, source_system, source_entity, source_id, target_system) carries a
// unique index; a duplicate insert from a retried create is a no-op and the
// existing target ID wins.
func (r *MappingRepository) Create(ctx context.Context, m *model.IdMapping) error {
	query := `
		INSERT INTO id_mappings (tenant_id, source_system, source_entity, source_id, target_system, target_entity, target_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, source_system, source_entity, source_id, target_system) DO NOTHING
	`
	m.CreatedAt = time.Now()
	_, err := r.db.ExecContext(ctx, query,
		m.TenantID, m.SourceSystem, m.SourceEntity, m.SourceID,
		m.TargetSystem, m.TargetEntity, m.TargetID, m.CreatedAt,
	)
	return err
}

// GetTarget resolves the remote ID for a local entity. ErrNotFound means the
// remote entity has not been created yet.
func (r *MappingRepository) GetTarget(ctx context.Context, tenantID uuid.UUID, sourceSystem model.Platform, sourceEntity model.EntityType, sourceID string, targetSystem model.Platform) (string, error) {
	query := `
		SELECT target_id
		FROM id_mappings
		WHERE tenant_id = $1 AND source_system = $2 AND source_entity = $3 AND source_id = $4 AND target_system = $5
	`
	var targetID string
	err := r.db.QueryRowContext(ctx, query, tenantID, sourceSystem, sourceEntity, sourceID, targetSystem).Scan(&targetID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return targetID, nil
}

// Delete removes a single mapping.
func (r *MappingRepository) Delete(ctx context.Context, tenantID uuid.UUID, sourceSystem model.Platform, sourceEntity model.EntityType, sourceID string, targetSystem model.Platform) error {
	query := `
		DELETE FROM id_mappings
		WHERE tenant_id = $1 AND source_system = $2 AND source_entity = $3 AND source_id = $4 AND target_system = $5
	`
	_, err := r.db.ExecContext(ctx, query, tenantID, sourceSystem, sourceEntity, sourceID, targetSystem)
	return err
}

// DeleteForPlatform removes every mapping a tenant holds toward a platform.
// Used only on disconnect; remote data is untouched.
func (r *MappingRepository) DeleteForPlatform(ctx context.Context, tenantID uuid.UUID, targetSystem model.Platform) (int64, error) {
	query := `DELETE FROM id_mappings WHERE tenant_id = $1 AND target_system = $2`
	result, err := r.db.ExecContext(ctx, query, tenantID, targetSystem)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
