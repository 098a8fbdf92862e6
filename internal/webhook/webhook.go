package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/vantage-pos/sync-service/internal/model"
)

var (
	// ErrInvalidSignature is returned for bodies that fail HMAC
	// verification. Such payloads never reach tenant resolution or the
	// queue.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	// ErrMalformedPayload is returned for bodies that parse to neither a
	// legacy nor an envelope-style event.
	ErrMalformedPayload = errors.New("webhook: malformed payload")
)

// Verify checks an HMAC-SHA256 signature over the raw body. The header
// carries the base64-encoded digest; comparison is constant time.
func Verify(rawBody []byte, signatureHeader, secret string) error {
	if signatureHeader == "" || secret == "" {
		return ErrInvalidSignature
	}
	provided, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureHeader))
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the base64 signature for a body. Used by tests and by
// outbound webhook delivery.
func Sign(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// legacyEvent is the flat body older platform webhooks send.
type legacyEvent struct {
	Resource string          `json:"resource"`
	Event    string          `json:"event"`
	TenantID string          `json:"tenant_id"`
	RealmID  string          `json:"realm_id"`
	StoreURL string          `json:"store_url"`
	Payload  json.RawMessage `json:"payload"`
}

// envelopeEvent is the CloudEvents-shaped body newer platforms send.
type envelopeEvent struct {
	SpecVersion string          `json:"specversion"`
	Type        string          `json:"type"`
	Source      string          `json:"source"`
	Subject     string          `json:"subject"`
	TenantID    string          `json:"tenantid"`
	Data        json.RawMessage `json:"data"`
}

// Normalize converts a verified raw body into the internal WebhookEvent
// shape. Both legacy flat payloads and envelope-style payloads are accepted.
func Normalize(platform model.Platform, rawBody []byte) (*model.WebhookEvent, error) {
	var env envelopeEvent
	if err := json.Unmarshal(rawBody, &env); err == nil && env.SpecVersion != "" {
		return normalizeEnvelope(platform, &env)
	}

	var legacy legacyEvent
	if err := json.Unmarshal(rawBody, &legacy); err != nil {
		return nil, ErrMalformedPayload
	}
	if legacy.Resource == "" || legacy.Event == "" {
		return nil, ErrMalformedPayload
	}

	resource := model.EntityType(legacy.Resource)
	if !resource.IsValid() {
		return nil, ErrMalformedPayload
	}

	return &model.WebhookEvent{
		Platform:   platform,
		Resource:   resource,
		EventType:  legacy.Event,
		TenantHint: legacyHint(&legacy),
		Payload:    legacy.Payload,
	}, nil
}

// normalizeEnvelope maps a CloudEvents-shaped body. The type attribute is
// expected as "<resource>.<event>", e.g. "order.updated".
func normalizeEnvelope(platform model.Platform, env *envelopeEvent) (*model.WebhookEvent, error) {
	resourceStr, eventType, ok := strings.Cut(env.Type, ".")
	if !ok {
		return nil, ErrMalformedPayload
	}
	resource := model.EntityType(resourceStr)
	if !resource.IsValid() {
		return nil, ErrMalformedPayload
	}

	hint := model.TenantSource{Kind: model.SourceDefault}
	switch {
	case env.TenantID != "":
		hint = model.TenantSource{Kind: model.SourceHeader, Value: env.TenantID}
	case env.Source != "":
		hint = model.TenantSource{Kind: model.SourceStoreURL, Value: env.Source}
	}

	return &model.WebhookEvent{
		Platform:   platform,
		Resource:   resource,
		EventType:  eventType,
		TenantHint: hint,
		Payload:    env.Data,
	}, nil
}

// EntityID pulls the entity's own identifier out of an event payload. The
// entity-specific field is tried first, then a generic "id".
func EntityID(event *model.WebhookEvent) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(event.Payload, &fields); err != nil {
		return "", ErrMalformedPayload
	}
	idField := event.Resource.String() + "_id"
	for _, key := range []string{idField, "id"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			return id, nil
		}
	}
	return "", ErrMalformedPayload
}

// OperationFor maps an event type suffix onto a queue operation.
func OperationFor(eventType string) (model.Operation, bool) {
	switch eventType {
	case "created", "create":
		return model.OperationCreate, true
	case "updated", "update", "changed":
		return model.OperationUpdate, true
	case "deleted", "delete", "removed":
		return model.OperationDelete, true
	default:
		return "", false
	}
}

func legacyHint(legacy *legacyEvent) model.TenantSource {
	switch {
	case legacy.TenantID != "":
		return model.TenantSource{Kind: model.SourceHeader, Value: legacy.TenantID}
	case legacy.RealmID != "":
		return model.TenantSource{Kind: model.SourceRealmID, Value: legacy.RealmID}
	case legacy.StoreURL != "":
		return model.TenantSource{Kind: model.SourceStoreURL, Value: legacy.StoreURL}
	default:
		return model.TenantSource{Kind: model.SourceDefault}
	}
}
