package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vantage-pos/sync-service/internal/model"
)

// Classified connector errors. Adapters wrap their platform-specific
// failures in exactly one of these so the orchestrator and queue processor
// can decide between retry, permanent failure and reconnect without knowing
// the platform.
var (
	// ErrTransient covers timeouts, 5xx responses and rate limits; the
	// processor retries these with backoff.
	ErrTransient = errors.New("connector: transient platform error")
	// ErrPermanent covers payloads the platform rejected; never retried.
	ErrPermanent = errors.New("connector: permanent platform error")
	// ErrAuth covers expired or invalid tokens; not retryable until a
	// refresh or manual reconnect succeeds.
	ErrAuth = errors.New("connector: authentication failed")
	// ErrConflict signals a divergent concurrent edit detected remotely.
	ErrConflict = errors.New("connector: remote conflict")
	// ErrNotFound is returned by Get when the remote entity does not exist.
	ErrNotFound = errors.New("connector: remote entity not found")
	// ErrUnknownPlatform is returned by the registry for codes it has no
	// adapter for.
	ErrUnknownPlatform = errors.New("connector: unknown platform")
)

// Status reports a platform's connection health for one tenant.
type Status struct {
	Platform     model.Platform `json:"platform"`
	IsConnected  bool           `json:"is_connected"`
	LastCheck    time.Time      `json:"last_check"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Connector is the uniform operation contract one external platform exposes.
// The orchestrator depends only on this interface, never on a concrete
// platform. Every call must honor the caller's context deadline; calls are
// never left to hang.
type Connector interface {
	// Platform returns the platform code this connector handles.
	Platform() model.Platform

	// TestConnection verifies the tenant's credentials against the platform.
	TestConnection(ctx context.Context, tenantID uuid.UUID, cred *model.CredentialPayload) error

	// GetStatus reports connection health for the tenant.
	GetStatus(ctx context.Context, tenantID uuid.UUID, cred *model.CredentialPayload) (*Status, error)

	// Create creates a remote entity and returns its remote ID.
	Create(ctx context.Context, tenantID uuid.UUID, cred *model.CredentialPayload, entityType model.EntityType, payload json.RawMessage) (string, error)

	// Update updates an existing remote entity.
	Update(ctx context.Context, tenantID uuid.UUID, cred *model.CredentialPayload, entityType model.EntityType, remoteID string, payload json.RawMessage) error

	// Get retrieves a remote entity, or ErrNotFound.
	Get(ctx context.Context, tenantID uuid.UUID, cred *model.CredentialPayload, entityType model.EntityType, remoteID string) (json.RawMessage, error)
}

// Registry holds the configured platform connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[model.Platform]Connector
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[model.Platform]Connector)}
}

// Register adds a connector, replacing any previous one for its platform.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Platform()] = c
}

// Get returns the connector for a platform code.
func (r *Registry) Get(platform model.Platform) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[platform]
	if !ok {
		return nil, ErrUnknownPlatform
	}
	return c, nil
}

// List returns all registered connectors.
func (r *Registry) List() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c)
	}
	return out
}

// IsRetryable reports whether an error should be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
