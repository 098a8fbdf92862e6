package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vantage-pos/sync-service/internal/model"
)

// maxResponseSize caps response bodies read from platforms.
const maxResponseSize = 10 * 1024 * 1024

// RESTConnector talks to a platform exposing the conventional JSON resource
// API: POST /{resource}s to create, PUT /{resource}s/{id} to update,
// GET /{resource}s/{id} to read. The base URL and bearer credentials come
// from the tenant's vault payload.
type RESTConnector struct {
	platform model.Platform
	client   *http.Client
}

// NewRESTConnector creates a connector for one platform.
func NewRESTConnector(platform model.Platform, timeout time.Duration) *RESTConnector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTConnector{
		platform: platform,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *RESTConnector) Platform() model.Platform { return c.platform }

func (c *RESTConnector) TestConnection(ctx context.Context, tenantID uuid.UUID, cred *model.CredentialPayload) error {
	_, err := c.do(ctx, cred, http.MethodGet, "/ping", nil)
	return err
}

func (c *RESTConnector) GetStatus(ctx context.Context, tenantID uuid.UUID, cred *model.CredentialPayload) (*Status, error) {
	status := &Status{Platform: c.platform, LastCheck: time.Now()}
	if err := c.TestConnection(ctx, tenantID, cred); err != nil {
		status.ErrorMessage = err.Error()
		return status, nil
	}
	status.IsConnected = true
	return status, nil
}

func (c *RESTConnector) Create(ctx context.Context, tenantID uuid.UUID, cred *model.CredentialPayload, entityType model.EntityType, payload json.RawMessage) (string, error) {
	body, err := c.do(ctx, cred, http.MethodPost, resourcePath(entityType, ""), payload)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" {
		return "", fmt.Errorf("%w: create response carries no id", ErrPermanent)
	}
	return resp.ID, nil
}

func (c *RESTConnector) Update(ctx context.Context, tenantID uuid.UUID, cred *model.CredentialPayload, entityType model.EntityType, remoteID string, payload json.RawMessage) error {
	_, err := c.do(ctx, cred, http.MethodPut, resourcePath(entityType, remoteID), payload)
	return err
}

func (c *RESTConnector) Get(ctx context.Context, tenantID uuid.UUID, cred *model.CredentialPayload, entityType model.EntityType, remoteID string) (json.RawMessage, error) {
	return c.do(ctx, cred, http.MethodGet, resourcePath(entityType, remoteID), nil)
}

func (c *RESTConnector) do(ctx context.Context, cred *model.CredentialPayload, method, path string, payload json.RawMessage) (json.RawMessage, error) {
	if cred == nil || cred.StoreURL == "" {
		return nil, fmt.Errorf("%w: credential carries no store URL", ErrAuth)
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(cred.StoreURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case cred.AccessToken != "":
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	case cred.APIKey != "":
		req.Header.Set("X-Api-Key", cred.APIKey)
	}
	if cred.RealmID != "" {
		req.Header.Set("X-Realm-Id", cred.RealmID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("%w: %s %s returned %d", err, method, path, resp.StatusCode)
	}
	return raw, nil
}

// classifyStatus maps an HTTP status onto the connector error taxonomy.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusTooManyRequests, status >= 500:
		return ErrTransient
	default:
		return ErrPermanent
	}
}

func resourcePath(entityType model.EntityType, id string) string {
	path := "/" + entityType.String() + "s"
	if id != "" {
		path += "/" + id
	}
	return path
}
