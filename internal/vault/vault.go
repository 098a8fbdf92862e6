// Package vault encrypts and decrypts per-tenant platform credentials at
// rest and owns the OAuth refresh path.
package vault

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/vantage-pos/sync-service/internal/crypto"
	"github.com/vantage-pos/sync-service/internal/model"
)

var (
	// ErrNotFound is returned when no credential exists for the pair.
	ErrNotFound = errors.New("vault: credential not found")
	// ErrDecryption is returned when the stored ciphertext fails
	// authentication. This is fatal for the credential: callers must treat
	// the platform as disconnected, not retry.
	ErrDecryption = errors.New("vault: credential decryption failed")
)

// CredentialStore is the persistence the vault needs.
type CredentialStore interface {
	Create(ctx context.Context, cred *model.TenantCredential) error
	GetActive(ctx context.Context, tenantID uuid.UUID, platform model.Platform) (*model.TenantCredential, error)
	Delete(ctx context.Context, tenantID uuid.UUID, platform model.Platform) error
}

// InvalidateFunc is called whenever credentials change, so stale tenant
// resolution cache entries never outlive a credential rotation.
type InvalidateFunc func(ctx context.Context, tenantID uuid.UUID, platform model.Platform)

// RefreshFunc exchanges the current credential for a fresh one, typically an
// OAuth token refresh against the platform.
type RefreshFunc func(ctx context.Context, current *model.CredentialPayload) (*model.CredentialPayload, error)

// Vault stores credentials encrypted with a process-wide master key.
type Vault struct {
	cipher     *crypto.Cipher
	store      CredentialStore
	notFound   error
	invalidate InvalidateFunc
	refreshes  singleflight.Group
}

// New creates a Vault. storeNotFound is the store's absence sentinel;
// invalidate may be nil.
func New(cipher *crypto.Cipher, store CredentialStore, storeNotFound error, invalidate InvalidateFunc) *Vault {
	if invalidate == nil {
		invalidate = func(context.Context, uuid.UUID, model.Platform) {}
	}
	return &Vault{cipher: cipher, store: store, notFound: storeNotFound, invalidate: invalidate}
}

// Store encrypts and persists a credential payload as a new version.
// Previous versions are never mutated.
func (v *Vault) Store(ctx context.Context, tenantID uuid.UUID, platform model.Platform, payload *model.CredentialPayload) error {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ciphertext, nonce, err := v.cipher.Encrypt(plaintext)
	if err != nil {
		return err
	}

	cred := &model.TenantCredential{
		TenantID:   tenantID,
		Platform:   platform,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		KeyVersion: crypto.KeyVersion,
		ExpiresAt:  payload.TokenExpiry,
	}
	if err := v.store.Create(ctx, cred); err != nil {
		return err
	}

	v.invalidate(ctx, tenantID, platform)
	return nil
}

// Get decrypts the active credential for (tenant, platform). A decryption
// failure is surfaced as ErrDecryption and never retried here.
func (v *Vault) Get(ctx context.Context, tenantID uuid.UUID, platform model.Platform) (*model.CredentialPayload, error) {
	cred, err := v.store.GetActive(ctx, tenantID, platform)
	if err != nil {
		if errors.Is(err, v.notFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	plaintext, err := v.cipher.Decrypt(cred.Ciphertext, cred.Nonce)
	if err != nil {
		log.Error().
			Str("tenant_id", tenantID.String()).
			Str("platform", platform.String()).
			Msg("Credential ciphertext failed authentication")
		return nil, ErrDecryption
	}

	payload := &model.CredentialPayload{}
	if err := json.Unmarshal(plaintext, payload); err != nil {
		return nil, ErrDecryption
	}
	return payload, nil
}

// Refresh runs refreshFn against the current credential and stores the
// result as a new version. Concurrent refreshes for the same (tenant,
// platform) collapse into one in-flight call sharing its result; OAuth
// providers invalidate the old refresh token on first use, so a duplicate
// call would strand one caller.
func (v *Vault) Refresh(ctx context.Context, tenantID uuid.UUID, platform model.Platform, refreshFn RefreshFunc) (*model.CredentialPayload, error) {
	key := tenantID.String() + "|" + platform.String()
	result, err, _ := v.refreshes.Do(key, func() (any, error) {
		current, err := v.Get(ctx, tenantID, platform)
		if err != nil {
			return nil, err
		}

		fresh, err := refreshFn(ctx, current)
		if err != nil {
			return nil, err
		}

		if err := v.Store(ctx, tenantID, platform, fresh); err != nil {
			return nil, err
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*model.CredentialPayload), nil
}

// Delete removes all credential versions for (tenant, platform). Used on
// disconnect.
func (v *Vault) Delete(ctx context.Context, tenantID uuid.UUID, platform model.Platform) error {
	err := v.store.Delete(ctx, tenantID, platform)
	if err != nil && !errors.Is(err, v.notFound) {
		return err
	}
	v.invalidate(ctx, tenantID, platform)
	return nil
}
