package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vantage-pos/sync-service/internal/model"
)

// AuditRepository handles the append-only sync audit log.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append writes one audit entry. There is no update or delete path.
func (r *AuditRepository) Append(ctx context.Context, entry *model.AuditEntry) error {
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO sync_audit_log (tenant_id, entity_type, entity_id, operation, outcome, error, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	entry.CreatedAt = time.Now()
	return r.db.QueryRowContext(ctx, query,
		entry.TenantID, entry.EntityType, entry.EntityID, entry.Operation,
		entry.Outcome, entry.Error, entry.Actor, detailJSON, entry.CreatedAt,
	).Scan(&entry.ID)
}

// List retrieves audit entries for a tenant, newest first.
func (r *AuditRepository) List(ctx context.Context, tenantID uuid.UUID, opts model.AuditQueryOpts) ([]*model.AuditEntry, error) {
	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}
	query := `
		SELECT id, tenant_id, entity_type, entity_id, operation, outcome, error, actor, detail, created_at
		FROM sync_audit_log
		WHERE tenant_id = $1
		  AND ($2 = '' OR entity_type = $2)
		  AND ($3 = '' OR entity_id = $3)
		  AND ($4 = '' OR outcome = $4)
		  AND ($5::timestamptz IS NULL OR created_at >= $5)
		ORDER BY created_at DESC
		LIMIT $6 OFFSET $7
	`
	rows, err := r.db.QueryContext(ctx, query,
		tenantID, string(opts.EntityType), opts.EntityID, opts.Outcome, opts.Since, opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		entry := &model.AuditEntry{}
		var detailJSON []byte
		err := rows.Scan(
			&entry.ID, &entry.TenantID, &entry.EntityType, &entry.EntityID, &entry.Operation,
			&entry.Outcome, &entry.Error, &entry.Actor, &detailJSON, &entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(detailJSON) > 0 {
			var detail map[string]any
			if err := json.Unmarshal(detailJSON, &detail); err == nil {
				entry.Detail = detail
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
