// Package orchestrator coordinates multi-step sync flows: it resolves entity
// dependencies, translates local IDs to remote IDs and pushes entities
// through platform connectors behind a per-platform circuit breaker.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vantage-pos/sync-service/internal/breaker"
	"github.com/vantage-pos/sync-service/internal/conflict"
	"github.com/vantage-pos/sync-service/internal/connector"
	"github.com/vantage-pos/sync-service/internal/lock"
	"github.com/vantage-pos/sync-service/internal/model"
	"github.com/vantage-pos/sync-service/internal/monitoring"
	"github.com/vantage-pos/sync-service/internal/store"
)

var (
	// ErrSyncDisabled is returned when the tenant has paused syncing to the
	// target platform. It classifies as transient so queued items wait out
	// the pause instead of failing.
	ErrSyncDisabled = fmt.Errorf("%w: sync paused for platform", connector.ErrTransient)
	// ErrUnknownFlow is returned for a manual trigger naming no known flow.
	ErrUnknownFlow = errors.New("orchestrator: unknown flow")
	// ErrDependencyDepth guards against reference chains that never bottom
	// out.
	ErrDependencyDepth = errors.New("orchestrator: dependency chain too deep")
)

const actorSystem = "sync-worker"

// CredentialSource yields decrypted platform credentials, implemented by
// vault.Vault.
type CredentialSource interface {
	Get(ctx context.Context, tenantID uuid.UUID, platform model.Platform) (*model.CredentialPayload, error)
}

// EntitySource fetches the local copy of an entity, used to materialize
// unmapped dependencies and manual flow triggers.
type EntitySource interface {
	Fetch(ctx context.Context, tenantID uuid.UUID, entityType model.EntityType, entityID string) (json.RawMessage, error)
}

// ConnectorSource resolves a platform code to its connector, implemented by
// connector.Registry.
type ConnectorSource interface {
	Get(platform model.Platform) (connector.Connector, error)
}

// MappingStore is the ID mapper persistence contract.
type MappingStore interface {
	Create(ctx context.Context, m *model.IdMapping) error
	GetTarget(ctx context.Context, tenantID uuid.UUID, sourceSystem model.Platform, sourceEntity model.EntityType, sourceID string, targetSystem model.Platform) (string, error)
}

// StateStore tracks per-platform sync watermarks and the enable toggle.
type StateStore interface {
	Get(ctx context.Context, tenantID uuid.UUID, platform model.Platform) (*model.SyncState, error)
	MarkSynced(ctx context.Context, tenantID uuid.UUID, platform model.Platform, version int64) error
}

// AuditStore records sync outcomes.
type AuditStore interface {
	Append(ctx context.Context, entry *model.AuditEntry) error
}

// ConflictRecorder persists detected conflicts and may auto-resolve them,
// implemented by conflict.Resolver. Resolved reports a prior operator or
// strategy decision for the same version pair, nil when there is none.
type ConflictRecorder interface {
	Record(ctx context.Context, c *model.SyncConflict) (*conflict.Resolution, error)
	Resolved(ctx context.Context, c *model.SyncConflict) (*conflict.Resolution, error)
}

// Config tunes the orchestrator.
type Config struct {
	LockWait time.Duration
	MaxDepth int
}

func (c Config) withDefaults() Config {
	if c.LockWait <= 0 {
		c.LockWait = 5 * time.Second
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 4
	}
	return c
}

// Orchestrator executes one sync operation end to end. It never retries;
// retry policy belongs to the queue processor.
type Orchestrator struct {
	cfg        Config
	creds      CredentialSource
	entities   EntitySource
	connectors ConnectorSource
	mappings   MappingStore
	states     StateStore
	audits     AuditStore
	conflicts  ConflictRecorder
	breakers   *breaker.Breaker
	locks      *lock.KeyedLock
}

func New(cfg Config, creds CredentialSource, entities EntitySource, connectors ConnectorSource,
	mappings MappingStore, states StateStore, audits AuditStore, conflicts ConflictRecorder,
	breakers *breaker.Breaker, locks *lock.KeyedLock) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		creds:      creds,
		entities:   entities,
		connectors: connectors,
		mappings:   mappings,
		states:     states,
		audits:     audits,
		conflicts:  conflicts,
		breakers:   breakers,
		locks:      locks,
	}
}

// connectorEntitySource reads local entities through the source platform's
// own connector, using the tenant's stored credentials for it.
type connectorEntitySource struct {
	creds      CredentialSource
	connectors ConnectorSource
}

// NewConnectorEntitySource adapts the source system connector into an
// EntitySource. Local entity IDs are the source system's own IDs, so a plain
// connector Get retrieves them.
func NewConnectorEntitySource(creds CredentialSource, connectors ConnectorSource) EntitySource {
	return &connectorEntitySource{creds: creds, connectors: connectors}
}

func (s *connectorEntitySource) Fetch(ctx context.Context, tenantID uuid.UUID, entityType model.EntityType, entityID string) (json.RawMessage, error) {
	cred, err := s.creds.Get(ctx, tenantID, model.PlatformPOS)
	if err != nil {
		return nil, err
	}
	conn, err := s.connectors.Get(model.PlatformPOS)
	if err != nil {
		return nil, err
	}
	return conn.Get(ctx, tenantID, cred, entityType, entityID)
}

// Flow is a named entry point for manual sync triggers.
type Flow struct {
	Name       string
	EntityType model.EntityType
}

var flows = map[string]Flow{
	"push-customer": {Name: "push-customer", EntityType: model.EntityCustomer},
	"push-product":  {Name: "push-product", EntityType: model.EntityProduct},
	"push-order":    {Name: "push-order", EntityType: model.EntityOrder},
	"push-invoice":  {Name: "push-invoice", EntityType: model.EntityInvoice},
	"push-payment":  {Name: "push-payment", EntityType: model.EntityPayment},
}

// Flows lists the flow names accepted by Run.
func Flows() []string {
	names := make([]string, 0, len(flows))
	for name := range flows {
		names = append(names, name)
	}
	return names
}

// Run executes a named flow outside the queue, for operator-triggered syncs.
// It takes the same (tenant, entity_type) lock the queue workers use, so a
// manual run never races a queued item for the same entity class.
func (o *Orchestrator) Run(ctx context.Context, tenantID uuid.UUID, flowName string, platform model.Platform, entityID string) error {
	flow, ok := flows[flowName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFlow, flowName)
	}

	lockCtx, cancel := context.WithTimeout(ctx, o.cfg.LockWait)
	release, err := o.locks.Acquire(lockCtx, lockKey(tenantID, flow.EntityType))
	cancel()
	if err != nil {
		return err
	}
	defer release()

	payload, err := o.entities.Fetch(ctx, tenantID, flow.EntityType, entityID)
	if err != nil {
		return err
	}

	op := model.OperationCreate
	if _, err := o.mappings.GetTarget(ctx, tenantID, model.PlatformPOS, flow.EntityType, entityID, platform); err == nil {
		op = model.OperationUpdate
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	return o.Dispatch(ctx, &model.SyncQueueItem{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Platform:   platform,
		EntityType: flow.EntityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
		CreatedAt:  time.Now(),
	})
}

// Dispatch pushes one queue item to its target platform. The caller holds
// the (tenant, entity_type) lock for the item.
func (o *Orchestrator) Dispatch(ctx context.Context, item *model.SyncQueueItem) error {
	err := o.dispatch(ctx, item)
	o.auditOutcome(ctx, item, err)
	return err
}

func (o *Orchestrator) dispatch(ctx context.Context, item *model.SyncQueueItem) error {
	if item.Platform == model.PlatformPOS {
		return fmt.Errorf("%w: cannot sync to the source system", connector.ErrPermanent)
	}

	state, err := o.states.Get(ctx, item.TenantID, item.Platform)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	// A missing state row means the platform was never paused.
	if state != nil && !state.SyncEnabled {
		return ErrSyncDisabled
	}

	cred, err := o.creds.Get(ctx, item.TenantID, item.Platform)
	if err != nil {
		return err
	}
	conn, err := o.connectors.Get(item.Platform)
	if err != nil {
		return err
	}

	if item.Operation != model.OperationDelete {
		visited := map[string]struct{}{
			depKey(item.EntityType, item.EntityID): {},
		}
		if err := o.ensureDependencies(ctx, item.TenantID, item.Platform, cred, conn, item.EntityType, item.Payload, visited, 0); err != nil {
			return err
		}
	}

	targetID, err := o.mappings.GetTarget(ctx, item.TenantID, model.PlatformPOS, item.EntityType, item.EntityID, item.Platform)
	switch {
	case err == nil:
		if item.Operation == model.OperationDelete {
			return o.pushTombstone(ctx, item, conn, cred, targetID)
		}
		return o.pushUpdate(ctx, item, conn, cred, targetID, state)
	case errors.Is(err, store.ErrNotFound):
		if item.Operation == model.OperationDelete {
			// Nothing was ever created remotely; the delete is complete
			// by definition.
			return nil
		}
		return o.pushCreate(ctx, item, conn, cred)
	default:
		return err
	}
}

func (o *Orchestrator) pushCreate(ctx context.Context, item *model.SyncQueueItem, conn connector.Connector, cred *model.CredentialPayload) error {
	key := breakerKey(item.TenantID, item.Platform)
	var remoteID string
	err := o.callPlatform(key, item.Platform, func() error {
		var callErr error
		remoteID, callErr = conn.Create(ctx, item.TenantID, cred, item.EntityType, item.Payload)
		return callErr
	})
	if err != nil {
		return err
	}

	if err := o.mappings.Create(ctx, &model.IdMapping{
		TenantID:     item.TenantID,
		SourceSystem: model.PlatformPOS,
		SourceEntity: item.EntityType,
		SourceID:     item.EntityID,
		TargetSystem: item.Platform,
		TargetEntity: item.EntityType,
		TargetID:     remoteID,
	}); err != nil {
		return err
	}
	return o.states.MarkSynced(ctx, item.TenantID, item.Platform, payloadVersion(item.Payload))
}

func (o *Orchestrator) pushUpdate(ctx context.Context, item *model.SyncQueueItem, conn connector.Connector, cred *model.CredentialPayload, targetID string, state *model.SyncState) error {
	key := breakerKey(item.TenantID, item.Platform)

	var remoteRaw json.RawMessage
	err := o.callPlatform(key, item.Platform, func() error {
		var callErr error
		remoteRaw, callErr = conn.Get(ctx, item.TenantID, cred, item.EntityType, targetID)
		return callErr
	})
	if errors.Is(err, connector.ErrNotFound) {
		return fmt.Errorf("%w: mapped entity %s %s is gone on %s", connector.ErrPermanent,
			item.EntityType, item.EntityID, item.Platform)
	}
	if err != nil {
		return err
	}

	payload := item.Payload
	local := sideOf(item.Payload, item.CreatedAt)
	remote := sideOf(remoteRaw, time.Time{})
	if conflict.Detect(local, remote, lastSyncedSide(state)) {
		candidate := &model.SyncConflict{
			TenantID:        item.TenantID,
			EntityType:      item.EntityType,
			EntityID:        item.EntityID,
			LocalVersion:    local.Version,
			RemoteVersion:   remote.Version,
			LocalUpdatedAt:  local.UpdatedAt,
			RemoteUpdatedAt: remote.UpdatedAt,
			RemoteStoreID:   targetID,
			LocalData:       item.Payload,
			RemoteData:      remoteRaw,
		}
		// A divergence the operator already settled replays the stored
		// choice instead of recording a fresh conflict for the same
		// version pair.
		res, err := o.conflicts.Resolved(ctx, candidate)
		if err != nil {
			return err
		}
		if res == nil {
			res, err = o.conflicts.Record(ctx, candidate)
			if err != nil {
				return err
			}
		}
		if res == nil {
			return fmt.Errorf("%w: %s %s diverged from %s", connector.ErrConflict,
				item.EntityType, item.EntityID, item.Platform)
		}
		switch res.Choice {
		case conflict.UseRemote:
			// Remote wins; adopt its version as synced and push nothing.
			return o.states.MarkSynced(ctx, item.TenantID, item.Platform, remote.Version)
		case conflict.Merge:
			payload = res.MergedData
		}
	}

	err = o.callPlatform(key, item.Platform, func() error {
		return conn.Update(ctx, item.TenantID, cred, item.EntityType, targetID, payload)
	})
	if err != nil {
		return err
	}
	return o.states.MarkSynced(ctx, item.TenantID, item.Platform, payloadVersion(payload))
}

// pushTombstone propagates a delete as an update carrying the tombstoned
// payload; remote systems keep their records for bookkeeping.
func (o *Orchestrator) pushTombstone(ctx context.Context, item *model.SyncQueueItem, conn connector.Connector, cred *model.CredentialPayload, targetID string) error {
	key := breakerKey(item.TenantID, item.Platform)
	err := o.callPlatform(key, item.Platform, func() error {
		return conn.Update(ctx, item.TenantID, cred, item.EntityType, targetID, item.Payload)
	})
	if err != nil {
		return err
	}
	return o.states.MarkSynced(ctx, item.TenantID, item.Platform, payloadVersion(item.Payload))
}

type depRef struct {
	entityType model.EntityType
	entityID   string
}

// dependencies lists the outgoing references an entity must have mapped on
// the target before it can be pushed itself.
func dependencies(entityType model.EntityType, payload json.RawMessage) ([]depRef, error) {
	switch entityType {
	case model.EntityOrder:
		var p model.OrderPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: malformed order payload: %v", connector.ErrPermanent, err)
		}
		refs := []depRef{{model.EntityCustomer, p.CustomerID}}
		for _, line := range p.Lines {
			refs = append(refs, depRef{model.EntityProduct, line.ProductID})
		}
		return refs, nil
	case model.EntityInvoice:
		var p model.InvoicePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: malformed invoice payload: %v", connector.ErrPermanent, err)
		}
		refs := []depRef{{model.EntityCustomer, p.CustomerID}}
		for _, line := range p.Lines {
			refs = append(refs, depRef{model.EntityProduct, line.ProductID})
		}
		return refs, nil
	case model.EntityPayment:
		var p model.PaymentPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: malformed payment payload: %v", connector.ErrPermanent, err)
		}
		refs := []depRef{{model.EntityCustomer, p.CustomerID}}
		if p.InvoiceID != "" {
			refs = append(refs, depRef{model.EntityInvoice, p.InvoiceID})
		}
		return refs, nil
	default:
		return nil, nil
	}
}

func (o *Orchestrator) ensureDependencies(ctx context.Context, tenantID uuid.UUID, platform model.Platform,
	cred *model.CredentialPayload, conn connector.Connector, entityType model.EntityType,
	payload json.RawMessage, visited map[string]struct{}, depth int) error {
	refs, err := dependencies(entityType, payload)
	if err != nil {
		return err
	}
	if len(refs) > 0 && depth >= o.cfg.MaxDepth {
		return ErrDependencyDepth
	}
	for _, ref := range refs {
		if ref.entityID == "" {
			continue
		}
		if _, seen := visited[depKey(ref.entityType, ref.entityID)]; seen {
			continue
		}
		visited[depKey(ref.entityType, ref.entityID)] = struct{}{}
		if err := o.ensureMapped(ctx, tenantID, platform, cred, conn, ref, visited, depth); err != nil {
			return fmt.Errorf("dependency %s %s: %w", ref.entityType, ref.entityID, err)
		}
	}
	return nil
}

// ensureMapped guarantees a dependency exists on the target platform,
// creating it remotely at most once. The double-check after acquiring the
// dependency's lock is what makes concurrent parents converge on one remote
// copy.
func (o *Orchestrator) ensureMapped(ctx context.Context, tenantID uuid.UUID, platform model.Platform,
	cred *model.CredentialPayload, conn connector.Connector, ref depRef,
	visited map[string]struct{}, depth int) error {
	_, err := o.mappings.GetTarget(ctx, tenantID, model.PlatformPOS, ref.entityType, ref.entityID, platform)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	lockCtx, cancel := context.WithTimeout(ctx, o.cfg.LockWait)
	release, err := o.locks.Acquire(lockCtx, lockKey(tenantID, ref.entityType))
	cancel()
	if err != nil {
		// Whoever holds the lock is likely creating this very entity;
		// retrying the parent later is cheaper than waiting here.
		return fmt.Errorf("%w: dependency busy", connector.ErrTransient)
	}
	defer release()

	_, err = o.mappings.GetTarget(ctx, tenantID, model.PlatformPOS, ref.entityType, ref.entityID, platform)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	payload, err := o.entities.Fetch(ctx, tenantID, ref.entityType, ref.entityID)
	if err != nil {
		return err
	}
	if err := o.ensureDependencies(ctx, tenantID, platform, cred, conn, ref.entityType, payload, visited, depth+1); err != nil {
		return err
	}

	key := breakerKey(tenantID, platform)
	var remoteID string
	err = o.callPlatform(key, platform, func() error {
		var callErr error
		remoteID, callErr = conn.Create(ctx, tenantID, cred, ref.entityType, payload)
		return callErr
	})
	if err != nil {
		return err
	}

	if err := o.mappings.Create(ctx, &model.IdMapping{
		TenantID:     tenantID,
		SourceSystem: model.PlatformPOS,
		SourceEntity: ref.entityType,
		SourceID:     ref.entityID,
		TargetSystem: platform,
		TargetEntity: ref.entityType,
		TargetID:     remoteID,
	}); err != nil {
		return err
	}

	log.Info().
		Str("tenant_id", tenantID.String()).
		Str("entity_type", ref.entityType.String()).
		Str("entity_id", ref.entityID).
		Str("platform", platform.String()).
		Str("remote_id", remoteID).
		Msg("Created unmapped dependency on target platform")
	return o.audits.Append(ctx, &model.AuditEntry{
		TenantID:   tenantID,
		EntityType: ref.entityType,
		EntityID:   ref.entityID,
		Operation:  model.OperationCreate,
		Outcome:    "dependency_created",
		Actor:      actorSystem,
		Detail:     map[string]any{"platform": platform.String(), "remote_id": remoteID},
	})
}

// callPlatform wraps one connector call in the circuit breaker. Only
// platform-health failures count toward tripping; every other outcome,
// including auth and validation errors, proves the platform answered and
// reports as breaker success. The distinction matters in half-open: an
// admitted trial must settle one way or the other, or the key stays locked
// out until restart.
func (o *Orchestrator) callPlatform(key string, platform model.Platform, fn func() error) error {
	if err := o.breakers.Allow(key); err != nil {
		return err
	}
	err := fn()
	if errors.Is(err, connector.ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		o.breakers.Failure(key)
		if o.breakers.StateOf(key) == breaker.StateOpen {
			monitoring.BreakerTrips.WithLabelValues(platform.String()).Inc()
		}
		return err
	}
	o.breakers.Success(key)
	return err
}

func (o *Orchestrator) auditOutcome(ctx context.Context, item *model.SyncQueueItem, dispatchErr error) {
	entry := &model.AuditEntry{
		TenantID:   item.TenantID,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Operation:  item.Operation,
		Actor:      actorSystem,
		Detail:     map[string]any{"platform": item.Platform.String()},
	}
	switch {
	case dispatchErr == nil:
		entry.Outcome = "sent"
	case errors.Is(dispatchErr, connector.ErrConflict):
		entry.Outcome = "conflict"
		entry.Error = dispatchErr.Error()
	default:
		entry.Outcome = "failed"
		entry.Error = dispatchErr.Error()
	}
	if err := o.audits.Append(ctx, entry); err != nil {
		log.Error().Err(err).Str("entity_id", item.EntityID).Msg("Failed to append audit entry")
	}
}

type versionedPayload struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func payloadVersion(raw json.RawMessage) int64 {
	var v versionedPayload
	_ = json.Unmarshal(raw, &v)
	return v.Version
}

// sideOf extracts the comparison side from a payload; fallback supplies the
// modification time when the payload carries none.
func sideOf(raw json.RawMessage, fallback time.Time) conflict.Side {
	var v versionedPayload
	_ = json.Unmarshal(raw, &v)
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = fallback
	}
	return conflict.Side{Version: v.Version, UpdatedAt: v.UpdatedAt}
}

func lastSyncedSide(state *model.SyncState) conflict.Side {
	if state == nil {
		return conflict.Side{}
	}
	side := conflict.Side{Version: state.LastSyncVersion}
	if state.LastSyncAt != nil {
		side.UpdatedAt = *state.LastSyncAt
	}
	return side
}

func lockKey(tenantID uuid.UUID, entityType model.EntityType) string {
	return tenantID.String() + "|" + entityType.String()
}

func breakerKey(tenantID uuid.UUID, platform model.Platform) string {
	return tenantID.String() + "|" + platform.String()
}

func depKey(entityType model.EntityType, entityID string) string {
	return entityType.String() + "|" + entityID
}
