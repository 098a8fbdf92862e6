package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/vantage-pos/sync-service/internal/model"
)

func restFixture(t *testing.T, handler http.HandlerFunc) (*RESTConnector, *model.CredentialPayload) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRESTConnector(model.PlatformStorefront, 5 * time.Second),
		&model.CredentialPayload{StoreURL: srv.URL, AccessToken: "tok", WebhookKey: "whsec"}
}

func TestRESTCreateReturnsRemoteID(t *testing.T) {
	var gotPath, gotAuth string
	conn, cred := restFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "remote-42"})
	})

	id, err := conn.Create(context.Background(), uuid.New(), cred, model.EntityProduct, []byte(`{"sku":"A"}`))
	assert.NoError(t, err)
	assert.Equal(t, "remote-42", id)
	assert.Equal(t, "/products", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestRESTUpdatePath(t *testing.T) {
	var gotMethod, gotPath string
	conn, cred := restFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	err := conn.Update(context.Background(), uuid.New(), cred, model.EntityOrder, "remote-7", []byte(`{}`))
	assert.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/orders/remote-7", gotPath)
}

func TestRESTErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusUnprocessableEntity, ErrPermanent},
	}
	for _, tc := range cases {
		conn, cred := restFixture(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := conn.Get(context.Background(), uuid.New(), cred, model.EntityOrder, "x")
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
	}
}

func TestRESTMissingStoreURL(t *testing.T) {
	conn := NewRESTConnector(model.PlatformLedger, time.Second)
	err := conn.TestConnection(context.Background(), uuid.New(), &model.CredentialPayload{})
	assert.ErrorIs(t, err, ErrAuth)
}

func TestRESTStatusReportsFailure(t *testing.T) {
	conn, cred := restFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	status, err := conn.GetStatus(context.Background(), uuid.New(), cred)
	assert.NoError(t, err)
	assert.False(t, status.IsConnected)
	assert.NotEmpty(t, status.ErrorMessage)
}
