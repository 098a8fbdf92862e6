package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/vantage-pos/sync-service/internal/model"
)

// IdentifierRepository handles the directory of external identifiers (realm
// IDs, store URLs) that resolve to tenants.
type IdentifierRepository struct {
	db *sql.DB
}

// NewIdentifierRepository creates a new IdentifierRepository.
func NewIdentifierRepository(db *sql.DB) *IdentifierRepository {
	return &IdentifierRepository{db: db}
}

// Upsert registers an identifier for a tenant. An identifier value is unique
// per kind; re-registering moves it to the new tenant.
func (r *IdentifierRepository) Upsert(ctx context.Context, tenantID uuid.UUID, platform model.Platform, kind model.SourceKind, value string) error {
	query := `
		INSERT INTO tenant_identifiers (tenant_id, platform, kind, value, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kind, value) DO UPDATE
		SET tenant_id = EXCLUDED.tenant_id, platform = EXCLUDED.platform
	`
	_, err := r.db.ExecContext(ctx, query, tenantID, platform, kind, value, time.Now())
	return err
}

// Lookup resolves an identifier to a tenant ID.
func (r *IdentifierRepository) Lookup(ctx context.Context, kind model.SourceKind, value string) (uuid.UUID, error) {
	query := `SELECT tenant_id FROM tenant_identifiers WHERE kind = $1 AND value = $2`
	var tenantID uuid.UUID
	err := r.db.QueryRowContext(ctx, query, kind, value).Scan(&tenantID)
	if err == sql.ErrNoRows {
		return uuid.Nil, ErrNotFound
	}
	return tenantID, err
}

// ListForTenant returns the identifiers registered for (tenant, platform),
// used to invalidate resolution cache entries on credential changes.
func (r *IdentifierRepository) ListForTenant(ctx context.Context, tenantID uuid.UUID, platform model.Platform) ([]model.TenantSource, error) {
	query := `SELECT kind, value FROM tenant_identifiers WHERE tenant_id = $1 AND platform = $2`
	rows, err := r.db.QueryContext(ctx, query, tenantID, platform)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []model.TenantSource
	for rows.Next() {
		var src model.TenantSource
		if err := rows.Scan(&src.Kind, &src.Value); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// DeleteForTenant removes all identifiers for (tenant, platform) on
// disconnect.
func (r *IdentifierRepository) DeleteForTenant(ctx context.Context, tenantID uuid.UUID, platform model.Platform) error {
	query := `DELETE FROM tenant_identifiers WHERE tenant_id = $1 AND platform = $2`
	_, err := r.db.ExecContext(ctx, query, tenantID, platform)
	return err
}
