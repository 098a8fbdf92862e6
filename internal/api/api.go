// Package api exposes the HTTP surface: signed webhook ingress and the
// operator endpoints for stats, conflicts, triggers and tenant platform
// management.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vantage-pos/sync-service/internal/breaker"
	"github.com/vantage-pos/sync-service/internal/conflict"
	"github.com/vantage-pos/sync-service/internal/connector"
	"github.com/vantage-pos/sync-service/internal/model"
	"github.com/vantage-pos/sync-service/internal/monitoring"
	"github.com/vantage-pos/sync-service/internal/orchestrator"
	"github.com/vantage-pos/sync-service/internal/store"
	"github.com/vantage-pos/sync-service/internal/syncq"
	"github.com/vantage-pos/sync-service/internal/vault"
	"github.com/vantage-pos/sync-service/internal/webhook"
)

// SignatureHeader carries the base64 HMAC digest on inbound webhooks.
const SignatureHeader = "X-Webhook-Signature"

const maxWebhookBody = 1 << 20

// QueueService accepts and administers queue items.
type QueueService interface {
	Enqueue(ctx context.Context, req syncq.EnqueueRequest) (syncq.EnqueueResult, error)
	Counts(ctx context.Context, tenantID uuid.UUID) (map[model.QueueStatus]int64, error)
	Requeue(ctx context.Context, id uuid.UUID) error
}

// FlowRunner executes a named sync flow, implemented by the orchestrator.
type FlowRunner interface {
	Run(ctx context.Context, tenantID uuid.UUID, flowName string, platform model.Platform, entityID string) error
}

// TenantResolver maps webhook hints to tenant IDs.
type TenantResolver interface {
	Resolve(ctx context.Context, src model.TenantSource) (uuid.UUID, error)
}

// CredentialVault stores and yields platform credentials.
type CredentialVault interface {
	Get(ctx context.Context, tenantID uuid.UUID, platform model.Platform) (*model.CredentialPayload, error)
	Store(ctx context.Context, tenantID uuid.UUID, platform model.Platform, payload *model.CredentialPayload) error
	Delete(ctx context.Context, tenantID uuid.UUID, platform model.Platform) error
}

// Disconnector severs a tenant's in-flight and queued work.
type Disconnector interface {
	Disconnect(ctx context.Context, tenantID uuid.UUID) (int64, error)
	Reconnect(tenantID uuid.UUID)
}

// ConflictReader lists open conflicts for the operator dashboard.
type ConflictReader interface {
	ListOpen(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*model.SyncConflict, error)
	CountOpen(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

// ConflictResolver applies operator resolutions.
type ConflictResolver interface {
	Resolve(ctx context.Context, id uuid.UUID, res *conflict.Resolution, resolvedBy, notes string) error
}

// StateStore reads and toggles per-platform sync state.
type StateStore interface {
	Get(ctx context.Context, tenantID uuid.UUID, platform model.Platform) (*model.SyncState, error)
	SetEnabled(ctx context.Context, tenantID uuid.UUID, platform model.Platform, enabled bool) error
}

// AuditLog queries the sync audit trail.
type AuditLog interface {
	List(ctx context.Context, tenantID uuid.UUID, opts model.AuditQueryOpts) ([]*model.AuditEntry, error)
}

// Connectors resolves platform connectors for status checks.
type Connectors interface {
	Get(platform model.Platform) (connector.Connector, error)
}

// BreakerStates reports circuit state for the stats endpoint.
type BreakerStates interface {
	StateOf(key string) breaker.State
}

// Handler wires the HTTP routes to the sync services.
type Handler struct {
	queue      QueueService
	flows      FlowRunner
	resolver   TenantResolver
	vault      CredentialVault
	disconnect Disconnector
	conflicts  ConflictReader
	resolve    ConflictResolver
	states     StateStore
	audit      AuditLog
	connectors Connectors
	breakers   BreakerStates
}

func NewHandler(queue QueueService, flows FlowRunner, resolver TenantResolver, cv CredentialVault,
	disconnect Disconnector, conflicts ConflictReader, resolve ConflictResolver,
	states StateStore, audit AuditLog, connectors Connectors, breakers BreakerStates) *Handler {
	return &Handler{
		queue:      queue,
		flows:      flows,
		resolver:   resolver,
		vault:      cv,
		disconnect: disconnect,
		conflicts:  conflicts,
		resolve:    resolve,
		states:     states,
		audit:      audit,
		connectors: connectors,
		breakers:   breakers,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	r.Post("/webhooks/{platform}", h.ReceiveWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sync/stats", h.SyncStats)
		r.Post("/sync/trigger", h.TriggerFlow)
		r.Post("/sync/requeue/{id}", h.RequeueItem)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

		r.Get("/audit", h.ListAudit)

		r.Route("/tenants/{tenantID}/platforms/{platform}", func(r chi.Router) {
			r.Post("/connect", h.ConnectPlatform)
			r.Post("/disconnect", h.DisconnectPlatform)
			r.Post("/sync-enabled", h.SetSyncEnabled)
			r.Get("/status", h.PlatformStatus)
		})
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReceiveWebhook verifies, normalizes and enqueues one inbound platform
// event. Tenant resolution runs before signature verification because the
// webhook key is per tenant; an unverified body only ever reaches the
// resolver, never the queue.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	platform := model.Platform(chi.URLParam(r, "platform"))
	if !platform.IsValid() || platform == model.PlatformPOS {
		writeError(w, http.StatusNotFound, "unknown platform")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	event, err := webhook.Normalize(platform, body)
	if err != nil {
		monitoring.WebhooksReceived.WithLabelValues(platform.String(), "malformed").Inc()
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	tenantID, err := h.resolver.Resolve(r.Context(), event.TenantHint)
	if err != nil {
		monitoring.WebhooksReceived.WithLabelValues(platform.String(), "unresolved").Inc()
		writeError(w, http.StatusUnauthorized, "unknown tenant")
		return
	}

	cred, err := h.vault.Get(r.Context(), tenantID, platform)
	if err != nil {
		monitoring.WebhooksReceived.WithLabelValues(platform.String(), "rejected").Inc()
		writeError(w, http.StatusUnauthorized, "platform not connected")
		return
	}
	if err := webhook.Verify(body, r.Header.Get(SignatureHeader), cred.WebhookKey); err != nil {
		monitoring.WebhooksReceived.WithLabelValues(platform.String(), "rejected").Inc()
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	entityID, err := webhook.EntityID(event)
	if err != nil {
		monitoring.WebhooksReceived.WithLabelValues(platform.String(), "malformed").Inc()
		writeError(w, http.StatusBadRequest, "payload carries no entity id")
		return
	}
	op, ok := webhook.OperationFor(event.EventType)
	if !ok {
		monitoring.WebhooksReceived.WithLabelValues(platform.String(), "malformed").Inc()
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	// A paused platform still gets its webhooks acknowledged, otherwise the
	// sender retries forever; the event is dropped, not queued.
	if state, err := h.states.Get(r.Context(), tenantID, platform); err == nil && state != nil && !state.SyncEnabled {
		monitoring.WebhooksReceived.WithLabelValues(platform.String(), "paused").Inc()
		writeJSON(w, http.StatusAccepted, map[string]string{"result": "paused"})
		return
	}

	// Identical bodies produce identical keys, so platform redeliveries
	// collapse into one queue item.
	idemKey := fmt.Sprintf("%x", sha256.Sum256(body))

	result, err := h.queue.Enqueue(r.Context(), syncq.EnqueueRequest{
		TenantID:       tenantID,
		Platform:       platform,
		EntityType:     event.Resource,
		EntityID:       entityID,
		Operation:      op,
		Payload:        event.Payload,
		IdempotencyKey: idemKey,
	})
	switch {
	case errors.Is(err, syncq.ErrQueueFull):
		monitoring.WebhooksReceived.WithLabelValues(platform.String(), "throttled").Inc()
		writeError(w, http.StatusTooManyRequests, "sync queue at capacity")
		return
	case err != nil:
		log.Error().Err(err).Str("platform", platform.String()).Msg("Failed to enqueue webhook event")
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	monitoring.WebhooksReceived.WithLabelValues(platform.String(), "accepted").Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"result": string(result)})
}

func (h *Handler) SyncStats(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "tenant_id required")
		return
	}

	counts, err := h.queue.Counts(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	openConflicts, err := h.conflicts.CountOpen(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	stats := model.SyncStats{
		TenantID:      tenantID,
		PendingCount:  counts[model.QueueStatusPending] + counts[model.QueueStatusInProgress],
		FailedCount:   counts[model.QueueStatusFailed],
		OpenConflicts: openConflicts,
		IsOnline:      true,
	}
	if platform := model.Platform(r.URL.Query().Get("platform")); platform.IsValid() {
		if state, err := h.states.Get(r.Context(), tenantID, platform); err == nil {
			stats.LastSyncAt = state.LastSyncAt
		}
		key := tenantID.String() + "|" + platform.String()
		stats.IsOnline = h.breakers.StateOf(key) != breaker.StateOpen
	}
	writeJSON(w, http.StatusOK, stats)
}

type triggerRequest struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Flow     string    `json:"flow"`
	Platform string    `json:"platform"`
	EntityID string    `json:"entity_id"`
}

func (h *Handler) TriggerFlow(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	platform := model.Platform(req.Platform)
	if req.TenantID == uuid.Nil || !platform.IsValid() || req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, platform and entity_id required")
		return
	}

	err := h.flows.Run(r.Context(), req.TenantID, req.Flow, platform, req.EntityID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
	case errors.Is(err, orchestrator.ErrSyncDisabled):
		writeError(w, http.StatusConflict, "sync paused for platform")
	case errors.Is(err, connector.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, vault.ErrNotFound):
		writeError(w, http.StatusBadRequest, "platform not connected")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (h *Handler) RequeueItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	if err := h.queue.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no failed item with that id")
			return
		}
		writeError(w, http.StatusInternalServerError, "requeue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "tenant_id required")
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	conflicts, err := h.conflicts.ListOpen(r.Context(), tenantID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "conflict listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

type resolveRequest struct {
	Choice     string          `json:"choice"`
	MergedData json.RawMessage `json:"merged_data,omitempty"`
	ResolvedBy string          `json:"resolved_by"`
	Notes      string          `json:"notes,omitempty"`
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conflict id")
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ResolvedBy == "" {
		writeError(w, http.StatusBadRequest, "resolved_by required")
		return
	}

	res := &conflict.Resolution{Choice: conflict.Choice(req.Choice), MergedData: req.MergedData}
	err = h.resolve.Resolve(r.Context(), id, res, req.ResolvedBy, req.Notes)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	case errors.Is(err, conflict.ErrUnknownResolution):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conflict.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "conflict already resolved")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conflict not found")
	default:
		writeError(w, http.StatusInternalServerError, "resolution failed")
	}
}

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "tenant_id required")
		return
	}
	opts := model.AuditQueryOpts{
		EntityType: model.EntityType(r.URL.Query().Get("entity_type")),
		EntityID:   r.URL.Query().Get("entity_id"),
		Outcome:    r.URL.Query().Get("outcome"),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		opts.Since = &ts
	}

	entries, err := h.audit.List(r.Context(), tenantID, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ConnectPlatform stores credentials for a tenant platform after proving
// they work.
func (h *Handler) ConnectPlatform(w http.ResponseWriter, r *http.Request) {
	tenantID, platform, ok := tenantPlatformParams(w, r)
	if !ok {
		return
	}

	var payload model.CredentialPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid credential payload")
		return
	}

	conn, err := h.connectors.Get(platform)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown platform")
		return
	}
	if err := conn.TestConnection(r.Context(), tenantID, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "credentials rejected by platform")
		return
	}

	if err := h.vault.Store(r.Context(), tenantID, platform, &payload); err != nil {
		writeError(w, http.StatusInternalServerError, "credential store failed")
		return
	}
	h.disconnect.Reconnect(tenantID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

// DisconnectPlatform cancels the tenant's queued work and removes its
// credentials. In-flight items finish but their results are discarded.
func (h *Handler) DisconnectPlatform(w http.ResponseWriter, r *http.Request) {
	tenantID, platform, ok := tenantPlatformParams(w, r)
	if !ok {
		return
	}

	cancelled, err := h.disconnect.Disconnect(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "disconnect failed")
		return
	}
	if err := h.vault.Delete(r.Context(), tenantID, platform); err != nil && !errors.Is(err, vault.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "credential removal failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "disconnected", "cancelled_items": cancelled})
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) SetSyncEnabled(w http.ResponseWriter, r *http.Request) {
	tenantID, platform, ok := tenantPlatformParams(w, r)
	if !ok {
		return
	}
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.states.SetEnabled(r.Context(), tenantID, platform, req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "toggle failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (h *Handler) PlatformStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, platform, ok := tenantPlatformParams(w, r)
	if !ok {
		return
	}

	cred, err := h.vault.Get(r.Context(), tenantID, platform)
	if err != nil {
		writeJSON(w, http.StatusOK, connector.Status{Platform: platform, IsConnected: false, LastCheck: time.Now()})
		return
	}
	conn, err := h.connectors.Get(platform)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown platform")
		return
	}
	status, err := conn.GetStatus(r.Context(), tenantID, cred)
	if err != nil {
		writeJSON(w, http.StatusOK, connector.Status{
			Platform: platform, IsConnected: false, LastCheck: time.Now(), ErrorMessage: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func tenantPlatformParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, model.Platform, bool) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant id")
		return uuid.Nil, "", false
	}
	platform := model.Platform(chi.URLParam(r, "platform"))
	if !platform.IsValid() {
		writeError(w, http.StatusNotFound, "unknown platform")
		return uuid.Nil, "", false
	}
	return tenantID, platform, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
