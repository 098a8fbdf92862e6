package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vantage-pos/sync-service/internal/model"
)

// CredentialRepository handles database operations for tenant credentials.
type CredentialRepository struct {
	db *sql.DB
}

// NewCredentialRepository creates a new CredentialRepository.
func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Create inserts a new credential version. Rotation never mutates an
// existing row. Two writers rotating the same (tenant, platform) at once can
// both read the same MAX(version); the unique index rejects the loser with a
// unique violation and the insert is retried with a fresh maximum.
func (r *CredentialRepository) Create(ctx context.Context, cred *model.TenantCredential) error {
	query := `
		INSERT INTO tenant_credentials (id, tenant_id, platform, ciphertext, nonce, key_version, version, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM tenant_credentials WHERE tenant_id = $2 AND platform = $3),
			$7, $8)
		RETURNING version
	`
	cred.ID = uuid.New()
	cred.CreatedAt = time.Now()

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = r.db.QueryRowContext(ctx, query,
			cred.ID, cred.TenantID, cred.Platform, cred.Ciphertext, cred.Nonce,
			cred.KeyVersion, cred.ExpiresAt, cred.CreatedAt,
		).Scan(&cred.Version)
		if !isUniqueViolation(err) {
			return err
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetActive retrieves the highest-version credential for (tenant, platform).
func (r *CredentialRepository) GetActive(ctx context.Context, tenantID uuid.UUID, platform model.Platform) (*model.TenantCredential, error) {
	query := `
		SELECT id, tenant_id, platform, ciphertext, nonce, key_version, version, expires_at, created_at
		FROM tenant_credentials
		WHERE tenant_id = $1 AND platform = $2
		ORDER BY version DESC
		LIMIT 1
	`
	cred := &model.TenantCredential{}
	err := r.db.QueryRowContext(ctx, query, tenantID, platform).Scan(
		&cred.ID, &cred.TenantID, &cred.Platform, &cred.Ciphertext, &cred.Nonce,
		&cred.KeyVersion, &cred.Version, &cred.ExpiresAt, &cred.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// Delete removes all credential versions for (tenant, platform). Used only
// on tenant disconnect.
func (r *CredentialRepository) Delete(ctx context.Context, tenantID uuid.UUID, platform model.Platform) error {
	query := `DELETE FROM tenant_credentials WHERE tenant_id = $1 AND platform = $2`
	result, err := r.db.ExecContext(ctx, query, tenantID, platform)
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
