// Package tenant resolves external identifiers to internal tenant IDs.
package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/vantage-pos/sync-service/internal/model"
)

// ErrUnresolved is returned when a source identifier maps to no tenant.
var ErrUnresolved = errors.New("tenant: unresolved source")

// cacheTTL is a backstop only; correctness relies on explicit invalidation
// when credentials change, never on expiry.
const cacheTTL = 12 * time.Hour

// RedisClient is the subset of the redis client the resolver uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Directory is the durable identifier registry backing the cache.
type Directory interface {
	Lookup(ctx context.Context, kind model.SourceKind, value string) (uuid.UUID, error)
	ListForTenant(ctx context.Context, tenantID uuid.UUID, platform model.Platform) ([]model.TenantSource, error)
}

// Resolver maps webhook identifiers to tenant IDs with a read-through cache.
// A stale entry would misroute a webhook to the wrong tenant, so entries are
// invalidated explicitly whenever that tenant's credentials change.
type Resolver struct {
	directory     Directory
	notFound      error
	redis         RedisClient
	defaultTenant uuid.UUID
}

// NewResolver creates a Resolver. defaultTenant is the single-tenant
// fallback for SourceDefault; uuid.Nil disables it. dirNotFound is the
// directory's absence sentinel.
func NewResolver(directory Directory, dirNotFound error, rdb RedisClient, defaultTenant uuid.UUID) *Resolver {
	return &Resolver{directory: directory, notFound: dirNotFound, redis: rdb, defaultTenant: defaultTenant}
}

func cacheKey(kind model.SourceKind, value string) string {
	return "tenant:resolve:" + string(kind) + ":" + value
}

// Resolve maps a source identifier to a tenant ID.
func (r *Resolver) Resolve(ctx context.Context, src model.TenantSource) (uuid.UUID, error) {
	switch src.Kind {
	case model.SourceHeader:
		// The explicit header carries the tenant ID itself.
		id, err := uuid.Parse(src.Value)
		if err != nil {
			return uuid.Nil, ErrUnresolved
		}
		return id, nil

	case model.SourceDefault:
		if r.defaultTenant == uuid.Nil {
			return uuid.Nil, ErrUnresolved
		}
		return r.defaultTenant, nil

	case model.SourceRealmID, model.SourceStoreURL:
		return r.resolveCached(ctx, src)

	default:
		return uuid.Nil, ErrUnresolved
	}
}

func (r *Resolver) resolveCached(ctx context.Context, src model.TenantSource) (uuid.UUID, error) {
	key := cacheKey(src.Kind, src.Value)
	if cached, err := r.redis.Get(ctx, key).Result(); err == nil {
		if id, err := uuid.Parse(cached); err == nil {
			return id, nil
		}
	}

	id, err := r.directory.Lookup(ctx, src.Kind, src.Value)
	if err != nil {
		if errors.Is(err, r.notFound) {
			return uuid.Nil, ErrUnresolved
		}
		return uuid.Nil, err
	}

	if err := r.redis.SetEx(ctx, key, id.String(), cacheTTL).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache tenant resolution")
	}
	return id, nil
}

// Invalidate drops the cache entry for one identifier.
func (r *Resolver) Invalidate(ctx context.Context, src model.TenantSource) {
	r.redis.Del(ctx, cacheKey(src.Kind, src.Value))
}

// InvalidateTenant drops all cached resolutions for (tenant, platform).
// Wired as the vault's invalidation hook so credential rotation and
// disconnect can never leave a stale routing entry behind.
func (r *Resolver) InvalidateTenant(ctx context.Context, tenantID uuid.UUID, platform model.Platform) {
	sources, err := r.directory.ListForTenant(ctx, tenantID, platform)
	if err != nil {
		log.Error().Err(err).
			Str("tenant_id", tenantID.String()).
			Str("platform", platform.String()).
			Msg("Failed to list identifiers for cache invalidation")
		return
	}
	for _, src := range sources {
		r.Invalidate(ctx, src)
	}
}
