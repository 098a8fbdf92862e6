package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vantage-pos/sync-service/internal/model"
)

const secret = "whsec_test"

func TestVerify_ValidSignature(t *testing.T) {
	body := []byte(`{"resource":"order","event":"updated"}`)
	assert.NoError(t, Verify(body, Sign(body, secret), secret))
}

func TestVerify_RejectsBadSignature(t *testing.T) {
	body := []byte(`{"resource":"order","event":"updated"}`)

	assert.ErrorIs(t, Verify(body, Sign(body, "other-secret"), secret), ErrInvalidSignature)
	assert.ErrorIs(t, Verify(body, "not-base64!!!", secret), ErrInvalidSignature)
	assert.ErrorIs(t, Verify(body, "", secret), ErrInvalidSignature)

	// Signature over different content.
	assert.ErrorIs(t, Verify([]byte(`{"resource":"order"}`), Sign(body, secret), secret), ErrInvalidSignature)
}

func TestNormalize_Legacy(t *testing.T) {
	body := []byte(`{"resource":"customer","event":"created","realm_id":"realm-42","payload":{"customer_id":"c1"}}`)

	ev, err := Normalize(model.PlatformLedger, body)
	assert.NoError(t, err)
	assert.Equal(t, model.PlatformLedger, ev.Platform)
	assert.Equal(t, model.EntityCustomer, ev.Resource)
	assert.Equal(t, "created", ev.EventType)
	assert.Equal(t, model.SourceRealmID, ev.TenantHint.Kind)
	assert.Equal(t, "realm-42", ev.TenantHint.Value)
	assert.JSONEq(t, `{"customer_id":"c1"}`, string(ev.Payload))
}

func TestNormalize_LegacyHintPrecedence(t *testing.T) {
	body := []byte(`{"resource":"order","event":"paid","tenant_id":"ten-1","realm_id":"realm-42"}`)

	ev, err := Normalize(model.PlatformStorefront, body)
	assert.NoError(t, err)
	assert.Equal(t, model.SourceHeader, ev.TenantHint.Kind)
	assert.Equal(t, "ten-1", ev.TenantHint.Value)
}

func TestNormalize_Envelope(t *testing.T) {
	body := []byte(`{"specversion":"1.0","type":"order.updated","source":"https://shop.example.com","data":{"order_id":"o1"}}`)

	ev, err := Normalize(model.PlatformStorefront, body)
	assert.NoError(t, err)
	assert.Equal(t, model.EntityOrder, ev.Resource)
	assert.Equal(t, "updated", ev.EventType)
	assert.Equal(t, model.SourceStoreURL, ev.TenantHint.Kind)
	assert.Equal(t, "https://shop.example.com", ev.TenantHint.Value)
	assert.JSONEq(t, `{"order_id":"o1"}`, string(ev.Payload))
}

func TestNormalize_DefaultHint(t *testing.T) {
	body := []byte(`{"resource":"product","event":"updated"}`)

	ev, err := Normalize(model.PlatformWarehouse, body)
	assert.NoError(t, err)
	assert.Equal(t, model.SourceDefault, ev.TenantHint.Kind)
}

func TestEntityID(t *testing.T) {
	t.Run("prefers the resource-specific field", func(t *testing.T) {
		ev := &model.WebhookEvent{
			Resource: model.EntityOrder,
			Payload:  []byte(`{"id":"generic","order_id":"o-7"}`),
		}
		id, err := EntityID(ev)
		assert.NoError(t, err)
		assert.Equal(t, "o-7", id)
	})

	t.Run("falls back to the generic id field", func(t *testing.T) {
		ev := &model.WebhookEvent{
			Resource: model.EntityProduct,
			Payload:  []byte(`{"id":"p-3","sku":"X1"}`),
		}
		id, err := EntityID(ev)
		assert.NoError(t, err)
		assert.Equal(t, "p-3", id)
	})

	t.Run("rejects payloads without an identifier", func(t *testing.T) {
		cases := map[string]string{
			"no id fields":   `{"sku":"X1"}`,
			"empty id":       `{"id":""}`,
			"non-string id":  `{"id":42}`,
			"payload is nil": ``,
		}
		for name, payload := range cases {
			ev := &model.WebhookEvent{Resource: model.EntityProduct, Payload: []byte(payload)}
			_, err := EntityID(ev)
			assert.ErrorIs(t, err, ErrMalformedPayload, name)
		}
	})
}

func TestOperationFor(t *testing.T) {
	for eventType, want := range map[string]model.Operation{
		"created": model.OperationCreate,
		"create":  model.OperationCreate,
		"updated": model.OperationUpdate,
		"changed": model.OperationUpdate,
		"deleted": model.OperationDelete,
		"removed": model.OperationDelete,
	} {
		op, ok := OperationFor(eventType)
		assert.True(t, ok, eventType)
		assert.Equal(t, want, op, eventType)
	}

	_, ok := OperationFor("paid")
	assert.False(t, ok)
}

func TestNormalize_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `not json at all`,
		"missing event":    `{"resource":"order"}`,
		"unknown resource": `{"resource":"widget","event":"created"}`,
		"bad env type":     `{"specversion":"1.0","type":"noseparator"}`,
	}
	for name, body := range cases {
		_, err := Normalize(model.PlatformStorefront, []byte(body))
		assert.ErrorIs(t, err, ErrMalformedPayload, name)
	}
}
