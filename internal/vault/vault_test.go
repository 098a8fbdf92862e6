package vault

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/vantage-pos/sync-service/internal/crypto"
	"github.com/vantage-pos/sync-service/internal/model"
)

var errStoreNotFound = errors.New("fake store: not found")

type fakeCredStore struct {
	mu    sync.Mutex
	creds map[string][]*model.TenantCredential
}

func newFakeCredStore() *fakeCredStore {
	return &fakeCredStore{creds: make(map[string][]*model.TenantCredential)}
}

func credKey(tenantID uuid.UUID, platform model.Platform) string {
	return tenantID.String() + "|" + platform.String()
}

func (s *fakeCredStore) Create(_ context.Context, cred *model.TenantCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := credKey(cred.TenantID, cred.Platform)
	cred.Version = len(s.creds[key]) + 1
	s.creds[key] = append(s.creds[key], cred)
	return nil
}

func (s *fakeCredStore) GetActive(_ context.Context, tenantID uuid.UUID, platform model.Platform) (*model.TenantCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.creds[credKey(tenantID, platform)]
	if len(versions) == 0 {
		return nil, errStoreNotFound
	}
	return versions[len(versions)-1], nil
}

func (s *fakeCredStore) Delete(_ context.Context, tenantID uuid.UUID, platform model.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := credKey(tenantID, platform)
	if len(s.creds[key]) == 0 {
		return errStoreNotFound
	}
	delete(s.creds, key)
	return nil
}

func newTestVault(t *testing.T, keyByte byte) (*Vault, *fakeCredStore) {
	t.Helper()
	cipher, err := crypto.New(bytes.Repeat([]byte{keyByte}, 32))
	assert.NoError(t, err)
	store := newFakeCredStore()
	return New(cipher, store, errStoreNotFound, nil), store
}

func TestVault_StoreAndGet(t *testing.T) {
	v, _ := newTestVault(t, 'k')
	tenantID := uuid.New()

	payload := &model.CredentialPayload{
		AccessToken:  "tok-abc",
		RefreshToken: "ref-xyz",
		RealmID:      "realm-1",
	}
	assert.NoError(t, v.Store(context.Background(), tenantID, model.PlatformLedger, payload))

	got, err := v.Get(context.Background(), tenantID, model.PlatformLedger)
	assert.NoError(t, err)
	assert.Equal(t, "tok-abc", got.AccessToken)
	assert.Equal(t, "realm-1", got.RealmID)
}

func TestVault_GetMissing(t *testing.T) {
	v, _ := newTestVault(t, 'k')
	_, err := v.Get(context.Background(), uuid.New(), model.PlatformLedger)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVault_WrongKeyIsDecryptionErrorAndIsolated(t *testing.T) {
	tenantA := uuid.New()
	tenantB := uuid.New()

	// Tenant A's credential written under one master key.
	vA, storeA := newTestVault(t, 'a')
	assert.NoError(t, vA.Store(context.Background(), tenantA, model.PlatformLedger, &model.CredentialPayload{AccessToken: "a"}))

	// A process running the wrong master key reads A's row.
	cipherB, err := crypto.New(bytes.Repeat([]byte{'b'}, 32))
	assert.NoError(t, err)
	vB := New(cipherB, storeA, errStoreNotFound, nil)

	_, err = vB.Get(context.Background(), tenantA, model.PlatformLedger)
	assert.ErrorIs(t, err, ErrDecryption)

	// A valid credential for another tenant still works in the same process.
	assert.NoError(t, vB.Store(context.Background(), tenantB, model.PlatformLedger, &model.CredentialPayload{AccessToken: "b"}))
	got, err := vB.Get(context.Background(), tenantB, model.PlatformLedger)
	assert.NoError(t, err)
	assert.Equal(t, "b", got.AccessToken)
}

func TestVault_RotationWritesNewVersion(t *testing.T) {
	v, store := newTestVault(t, 'k')
	tenantID := uuid.New()

	assert.NoError(t, v.Store(context.Background(), tenantID, model.PlatformPayments, &model.CredentialPayload{AccessToken: "v1"}))
	assert.NoError(t, v.Store(context.Background(), tenantID, model.PlatformPayments, &model.CredentialPayload{AccessToken: "v2"}))

	versions := store.creds[credKey(tenantID, model.PlatformPayments)]
	assert.Len(t, versions, 2, "rotation must append, not overwrite")

	got, err := v.Get(context.Background(), tenantID, model.PlatformPayments)
	assert.NoError(t, err)
	assert.Equal(t, "v2", got.AccessToken)
}

func TestVault_RefreshSingleFlight(t *testing.T) {
	v, _ := newTestVault(t, 'k')
	tenantID := uuid.New()
	assert.NoError(t, v.Store(context.Background(), tenantID, model.PlatformLedger, &model.CredentialPayload{RefreshToken: "old"}))

	var calls atomic.Int32
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	refreshFn := func(_ context.Context, current *model.CredentialPayload) (*model.CredentialPayload, error) {
		calls.Add(1)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
		return &model.CredentialPayload{AccessToken: "fresh", RefreshToken: "new-" + current.RefreshToken}, nil
	}

	const n = 8
	var started, wg sync.WaitGroup
	results := make([]*model.CredentialPayload, n)
	for i := 0; i < n; i++ {
		started.Add(1)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			got, err := v.Refresh(context.Background(), tenantID, model.PlatformLedger, refreshFn)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}

	// Let callers pile up on the in-flight refresh, then release it.
	started.Wait()
	<-entered
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent refreshes must collapse into one call")
	for _, got := range results {
		assert.Equal(t, "fresh", got.AccessToken)
	}
}

func TestVault_InvalidateHookOnChanges(t *testing.T) {
	cipher, err := crypto.New(bytes.Repeat([]byte{'k'}, 32))
	assert.NoError(t, err)
	store := newFakeCredStore()

	var invalidations []string
	v := New(cipher, store, errStoreNotFound, func(_ context.Context, tenantID uuid.UUID, platform model.Platform) {
		invalidations = append(invalidations, credKey(tenantID, platform))
	})

	tenantID := uuid.New()
	assert.NoError(t, v.Store(context.Background(), tenantID, model.PlatformLedger, &model.CredentialPayload{}))
	assert.NoError(t, v.Delete(context.Background(), tenantID, model.PlatformLedger))
	assert.Len(t, invalidations, 2)
}
