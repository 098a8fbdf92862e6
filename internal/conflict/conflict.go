// Package conflict detects divergent concurrent edits between the local and
// remote copy of an entity and drives their resolution.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vantage-pos/sync-service/internal/model"
)

var (
	// ErrUnknownResolution is returned for a resolution choice outside
	// use_local, use_remote and merge.
	ErrUnknownResolution = errors.New("conflict: unknown resolution choice")
	// ErrAlreadyResolved is returned when resolving a conflict twice.
	ErrAlreadyResolved = errors.New("conflict: already resolved")
)

// Side is one system's view of an entity: its version counter and last
// modification time.
type Side struct {
	Version   int64
	UpdatedAt time.Time
}

// modifiedSince reports whether this side changed after the given base.
// Version counters win when both sides carry them; otherwise timestamps
// decide.
func (s Side) modifiedSince(base Side) bool {
	if s.Version > 0 && base.Version > 0 {
		return s.Version > base.Version
	}
	return s.UpdatedAt.After(base.UpdatedAt)
}

// Detect reports a conflict iff both the local and the remote copy were
// modified after the last common synchronized version. A change on only one
// side is ordinary drift, not a conflict.
func Detect(local, remote, lastSynced Side) bool {
	return local.modifiedSince(lastSynced) && remote.modifiedSince(lastSynced)
}

// Choice is the operator's resolution decision.
type Choice string

const (
	UseLocal  Choice = "use_local"
	UseRemote Choice = "use_remote"
	Merge     Choice = "merge"
)

// Resolution carries a resolution decision. MergedData is required for the
// merge choice; no automatic field merging is attempted.
type Resolution struct {
	Choice     Choice          `json:"choice"`
	MergedData json.RawMessage `json:"merged_data,omitempty"`
}

// Strategy decides whether a newly detected conflict can be resolved without
// operator intervention. The policy is configuration, not a hard-coded rule.
type Strategy interface {
	Name() string
	// Resolve returns a resolution and true if the strategy can settle the
	// conflict automatically.
	Resolve(c *model.SyncConflict) (*Resolution, bool)
}

// ManualStrategy never auto-resolves; every conflict waits for an operator.
type ManualStrategy struct{}

func (ManualStrategy) Name() string { return "manual" }

func (ManualStrategy) Resolve(*model.SyncConflict) (*Resolution, bool) { return nil, false }

// LastWriteWinsStrategy resolves in favor of whichever side was modified
// most recently.
type LastWriteWinsStrategy struct{}

func (LastWriteWinsStrategy) Name() string { return "last_write_wins" }

func (LastWriteWinsStrategy) Resolve(c *model.SyncConflict) (*Resolution, bool) {
	if c.RemoteUpdatedAt.After(c.LocalUpdatedAt) {
		return &Resolution{Choice: UseRemote}, true
	}
	return &Resolution{Choice: UseLocal}, true
}

// StrategyFromName maps a configured strategy name to an implementation.
// Unknown names fall back to manual.
func StrategyFromName(name string) Strategy {
	switch name {
	case "last_write_wins":
		return LastWriteWinsStrategy{}
	default:
		return ManualStrategy{}
	}
}

// ConflictStore is the persistence the resolver needs.
type ConflictStore interface {
	Create(ctx context.Context, c *model.SyncConflict) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.SyncConflict, error)
	Resolve(ctx context.Context, id uuid.UUID, choice string, mergedData json.RawMessage, resolvedBy, notes string) error
	// LatestResolved returns (nil, nil) when no resolved conflict matches
	// the entity and version pair.
	LatestResolved(ctx context.Context, tenantID uuid.UUID, entityType model.EntityType, entityID string, localVersion, remoteVersion int64) (*model.SyncConflict, error)
}

// QueueUnblocker returns blocked queue items for an entity to pending.
type QueueUnblocker interface {
	UnblockEntity(ctx context.Context, tenantID uuid.UUID, entityType model.EntityType, entityID string) error
}

// AuditStore appends audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *model.AuditEntry) error
}

// Resolver records conflicts and applies resolutions.
type Resolver struct {
	conflicts ConflictStore
	queue     QueueUnblocker
	audit     AuditStore
	strategy  Strategy
}

// NewResolver creates a Resolver with the configured auto-resolution
// strategy.
func NewResolver(conflicts ConflictStore, queue QueueUnblocker, audit AuditStore, strategy Strategy) *Resolver {
	if strategy == nil {
		strategy = ManualStrategy{}
	}
	return &Resolver{conflicts: conflicts, queue: queue, audit: audit, strategy: strategy}
}

// Record persists a newly detected conflict, then lets the configured
// strategy take a shot at it. A non-nil Resolution tells the caller the
// strategy settled it and which side won; nil means the conflict waits for
// an operator.
func (r *Resolver) Record(ctx context.Context, c *model.SyncConflict) (*Resolution, error) {
	if err := r.conflicts.Create(ctx, c); err != nil {
		return nil, err
	}
	log.Warn().
		Str("tenant_id", c.TenantID.String()).
		Str("entity_type", c.EntityType.String()).
		Str("entity_id", c.EntityID).
		Msg("Sync conflict recorded")

	resolution, ok := r.strategy.Resolve(c)
	if !ok {
		return nil, nil
	}
	if err := r.Resolve(ctx, c.ID, resolution, r.strategy.Name(), "auto-resolved"); err != nil {
		return nil, err
	}
	return resolution, nil
}

// Resolve applies a resolution: writes the audit entry, marks the conflict
// resolved and unblocks the queue for that entity.
func (r *Resolver) Resolve(ctx context.Context, id uuid.UUID, res *Resolution, resolvedBy, notes string) error {
	switch res.Choice {
	case UseLocal, UseRemote:
	case Merge:
		if len(res.MergedData) == 0 {
			return fmt.Errorf("%w: merge requires merged_data", ErrUnknownResolution)
		}
	default:
		return ErrUnknownResolution
	}

	c, err := r.conflicts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.Resolution == model.ResolutionResolved {
		return ErrAlreadyResolved
	}

	if err := r.conflicts.Resolve(ctx, id, string(res.Choice), res.MergedData, resolvedBy, notes); err != nil {
		return err
	}

	if err := r.audit.Append(ctx, &model.AuditEntry{
		TenantID:   c.TenantID,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Operation:  model.OperationUpdate,
		Outcome:    "conflict_resolved",
		Actor:      resolvedBy,
		Detail: map[string]any{
			"conflict_id": id.String(),
			"choice":      string(res.Choice),
			"notes":       notes,
		},
	}); err != nil {
		return err
	}

	return r.queue.UnblockEntity(ctx, c.TenantID, c.EntityType, c.EntityID)
}

// Resolved looks up a prior resolution for the same divergence. When an
// operator has already settled the exact local and remote version pair the
// stored choice replays instead of re-recording the conflict; without this
// a use_local or merge choice would re-detect and re-block on the next
// dispatch. Returns nil when no matching resolution exists.
func (r *Resolver) Resolved(ctx context.Context, c *model.SyncConflict) (*Resolution, error) {
	prior, err := r.conflicts.LatestResolved(ctx, c.TenantID, c.EntityType, c.EntityID, c.LocalVersion, c.RemoteVersion)
	if err != nil {
		return nil, err
	}
	if prior == nil || prior.ResolutionChoice == "" {
		return nil, nil
	}
	return &Resolution{Choice: Choice(prior.ResolutionChoice), MergedData: prior.MergedData}, nil
}
