package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Platform identifies one of the external systems a tenant syncs with.
// PlatformPOS is the local system itself and only appears as a mapping source.
type Platform string

const (
	PlatformPOS        Platform = "pos"
	PlatformStorefront Platform = "storefront"
	PlatformLedger     Platform = "ledger"
	PlatformPayments   Platform = "payments"
	PlatformWarehouse  Platform = "warehouse"
)

// IsValid returns true if the platform code is a known external platform.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformStorefront, PlatformLedger, PlatformPayments, PlatformWarehouse:
		return true
	default:
		return false
	}
}

func (p Platform) String() string {
	return string(p)
}

// EntityType identifies a business entity kind.
type EntityType string

const (
	EntityCustomer EntityType = "customer"
	EntityProduct  EntityType = "product"
	EntityOrder    EntityType = "order"
	EntityInvoice  EntityType = "invoice"
	EntityPayment  EntityType = "payment"
)

// IsValid returns true if the entity type is known.
func (e EntityType) IsValid() bool {
	switch e {
	case EntityCustomer, EntityProduct, EntityOrder, EntityInvoice, EntityPayment:
		return true
	default:
		return false
	}
}

func (e EntityType) String() string {
	return string(e)
}

// PriorityClass orders entity types for dequeueing: entities with no outgoing
// references come first, entities that reference them later. Lower is sooner.
func (e EntityType) PriorityClass() int {
	switch e {
	case EntityCustomer, EntityProduct:
		return 0
	case EntityOrder, EntityInvoice:
		return 1
	case EntityPayment:
		return 2
	default:
		return 3
	}
}

// Operation is the kind of change carried by a queue item.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// IsValid returns true if the operation is known.
func (o Operation) IsValid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// QueueStatus is the lifecycle state of a SyncQueueItem.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInProgress QueueStatus = "in_progress"
	QueueStatusSent       QueueStatus = "sent"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusBlocked    QueueStatus = "blocked"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

func (s QueueStatus) String() string {
	return string(s)
}

// SyncQueueItem represents the sync_queue_items table.
type SyncQueueItem struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	Platform       Platform        `json:"platform"`
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Operation      Operation       `json:"operation"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         QueueStatus     `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxAttempts    int             `json:"max_attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LastError      string          `json:"last_error,omitempty"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CanRetry returns true if the item has retry budget left.
func (i *SyncQueueItem) CanRetry() bool {
	return i.RetryCount < i.MaxAttempts
}

// MarkSent marks the item as successfully delivered.
func (i *SyncQueueItem) MarkSent() {
	i.Status = QueueStatusSent
	i.LastError = ""
	i.UpdatedAt = time.Now()
}

// ScheduleRetry records a transient failure and schedules the next attempt.
// The item stays pending so a restarted process resumes it from the table.
func (i *SyncQueueItem) ScheduleRetry(errMsg string, nextAttempt time.Time) {
	i.RetryCount++
	i.LastError = errMsg
	i.NextAttemptAt = nextAttempt
	i.Status = QueueStatusPending
	i.UpdatedAt = time.Now()
}

// MarkFailed marks the item permanently failed.
func (i *SyncQueueItem) MarkFailed(errMsg string) {
	i.Status = QueueStatusFailed
	i.LastError = errMsg
	i.UpdatedAt = time.Now()
}

// MarkBlocked parks the item behind an unresolved conflict.
func (i *SyncQueueItem) MarkBlocked(errMsg string) {
	i.Status = QueueStatusBlocked
	i.LastError = errMsg
	i.UpdatedAt = time.Now()
}

// IdMapping represents the id_mappings table. The five-tuple
// (tenant, source_system, source_entity, source_id, target_system) is unique.
type IdMapping struct {
	ID           int64      `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	SourceSystem Platform   `json:"source_system"`
	SourceEntity EntityType `json:"source_entity"`
	SourceID     string     `json:"source_id"`
	TargetSystem Platform   `json:"target_system"`
	TargetEntity EntityType `json:"target_entity"`
	TargetID     string     `json:"target_id"`
	CreatedAt    time.Time  `json:"created_at"`
}

// TenantCredential represents the tenant_credentials table. The plaintext
// payload is transient; only ciphertext, nonce and key version are stored.
// Rotation writes a new Version row, it never mutates the previous one.
type TenantCredential struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Platform   Platform
	Ciphertext []byte
	Nonce      []byte
	KeyVersion int
	Version    int
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// CredentialPayload is the decrypted shape of a tenant's platform credential.
type CredentialPayload struct {
	APIKey       string     `json:"api_key,omitempty"`
	APISecret    string     `json:"api_secret,omitempty"`
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`
	RealmID      string     `json:"realm_id,omitempty"`
	StoreURL     string     `json:"store_url,omitempty"`
	WebhookKey   string     `json:"webhook_key,omitempty"`
}

// SyncState represents the sync_states table, one row per (tenant, platform).
type SyncState struct {
	TenantID        uuid.UUID  `json:"tenant_id"`
	Platform        Platform   `json:"platform"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	LastSyncVersion int64      `json:"last_sync_version"`
	SyncEnabled     bool       `json:"sync_enabled"`
	SyncURL         string     `json:"sync_url,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ResolutionStatus is the lifecycle state of a SyncConflict.
type ResolutionStatus string

const (
	ResolutionPending  ResolutionStatus = "pending"
	ResolutionResolved ResolutionStatus = "resolved"
)

// SyncConflict represents the sync_conflicts table. An unresolved conflict
// blocks queue progress for its entity.
type SyncConflict struct {
	ID               uuid.UUID        `json:"id"`
	TenantID         uuid.UUID        `json:"tenant_id"`
	EntityType       EntityType       `json:"entity_type"`
	EntityID         string           `json:"entity_id"`
	LocalVersion     int64            `json:"local_version"`
	RemoteVersion    int64            `json:"remote_version"`
	LocalUpdatedAt   time.Time        `json:"local_updated_at"`
	RemoteUpdatedAt  time.Time        `json:"remote_updated_at"`
	LocalStoreID     string           `json:"local_store_id,omitempty"`
	RemoteStoreID    string           `json:"remote_store_id,omitempty"`
	LocalData        json.RawMessage  `json:"local_data,omitempty"`
	RemoteData       json.RawMessage  `json:"remote_data,omitempty"`
	Resolution       ResolutionStatus `json:"resolution_status"`
	ResolutionChoice string           `json:"resolution_choice,omitempty"`
	MergedData       json.RawMessage  `json:"merged_data,omitempty"`
	ResolvedBy       string           `json:"resolved_by,omitempty"`
	ResolutionNotes  string           `json:"resolution_notes,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
}

// AuditEntry is one append-only record of an orchestration attempt.
type AuditEntry struct {
	ID         int64          `json:"id"`
	TenantID   uuid.UUID      `json:"-"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Operation  Operation      `json:"operation"`
	Outcome    string         `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AuditQueryOpts holds filters for querying the audit log.
type AuditQueryOpts struct {
	EntityType EntityType
	EntityID   string
	Outcome    string
	Since      *time.Time
	Limit      int
	Offset     int
}

// SourceKind tells the tenant resolver what kind of identifier it was handed.
type SourceKind string

const (
	SourceHeader   SourceKind = "header"
	SourceRealmID  SourceKind = "realm_id"
	SourceStoreURL SourceKind = "store_url"
	SourceDefault  SourceKind = "default"
)

// TenantSource is an external identifier to resolve into a tenant ID.
type TenantSource struct {
	Kind  SourceKind
	Value string
}

// WebhookEvent is the normalized internal shape of an inbound webhook,
// produced after signature verification and before tenant resolution.
type WebhookEvent struct {
	Platform   Platform        `json:"platform"`
	Resource   EntityType      `json:"resource"`
	EventType  string          `json:"event_type"`
	TenantHint TenantSource    `json:"tenant_hint"`
	Payload    json.RawMessage `json:"payload"`
}

// SyncStats is the operator-facing read model for one tenant.
type SyncStats struct {
	TenantID      uuid.UUID  `json:"tenant_id"`
	PendingCount  int64      `json:"pending_count"`
	FailedCount   int64      `json:"failed_count"`
	OpenConflicts int64      `json:"open_conflicts"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	IsOnline      bool       `json:"is_online"`
}
