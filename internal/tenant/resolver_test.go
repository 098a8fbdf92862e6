package tenant

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/vantage-pos/sync-service/internal/model"
)

var errDirNotFound = errors.New("fake directory: not found")

type fakeRedis struct {
	values map[string]string
	gets   int
	sets   int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.gets++
	if v, ok := f.values[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeRedis) SetEx(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.sets++
	f.values[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

type fakeDirectory struct {
	entries map[string]uuid.UUID
	byTen   map[string][]model.TenantSource
	lookups int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{entries: make(map[string]uuid.UUID), byTen: make(map[string][]model.TenantSource)}
}

func (d *fakeDirectory) add(tenantID uuid.UUID, platform model.Platform, kind model.SourceKind, value string) {
	d.entries[string(kind)+":"+value] = tenantID
	key := tenantID.String() + "|" + platform.String()
	d.byTen[key] = append(d.byTen[key], model.TenantSource{Kind: kind, Value: value})
}

func (d *fakeDirectory) Lookup(_ context.Context, kind model.SourceKind, value string) (uuid.UUID, error) {
	d.lookups++
	if id, ok := d.entries[string(kind)+":"+value]; ok {
		return id, nil
	}
	return uuid.Nil, errDirNotFound
}

func (d *fakeDirectory) ListForTenant(_ context.Context, tenantID uuid.UUID, platform model.Platform) ([]model.TenantSource, error) {
	return d.byTen[tenantID.String()+"|"+platform.String()], nil
}

func TestResolver_HeaderIsParsedDirectly(t *testing.T) {
	r := NewResolver(newFakeDirectory(), errDirNotFound, newFakeRedis(), uuid.Nil)

	id := uuid.New()
	got, err := r.Resolve(context.Background(), model.TenantSource{Kind: model.SourceHeader, Value: id.String()})
	assert.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = r.Resolve(context.Background(), model.TenantSource{Kind: model.SourceHeader, Value: "not-a-uuid"})
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestResolver_DefaultFallback(t *testing.T) {
	fallback := uuid.New()
	r := NewResolver(newFakeDirectory(), errDirNotFound, newFakeRedis(), fallback)

	got, err := r.Resolve(context.Background(), model.TenantSource{Kind: model.SourceDefault})
	assert.NoError(t, err)
	assert.Equal(t, fallback, got)

	r = NewResolver(newFakeDirectory(), errDirNotFound, newFakeRedis(), uuid.Nil)
	_, err = r.Resolve(context.Background(), model.TenantSource{Kind: model.SourceDefault})
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestResolver_RealmReadThroughCache(t *testing.T) {
	dir := newFakeDirectory()
	rdb := newFakeRedis()
	tenantID := uuid.New()
	dir.add(tenantID, model.PlatformLedger, model.SourceRealmID, "realm-42")

	r := NewResolver(dir, errDirNotFound, rdb, uuid.Nil)
	src := model.TenantSource{Kind: model.SourceRealmID, Value: "realm-42"}

	got, err := r.Resolve(context.Background(), src)
	assert.NoError(t, err)
	assert.Equal(t, tenantID, got)
	assert.Equal(t, 1, dir.lookups)

	// Second resolve is served from cache.
	got, err = r.Resolve(context.Background(), src)
	assert.NoError(t, err)
	assert.Equal(t, tenantID, got)
	assert.Equal(t, 1, dir.lookups)
}

func TestResolver_UnknownRealm(t *testing.T) {
	r := NewResolver(newFakeDirectory(), errDirNotFound, newFakeRedis(), uuid.Nil)
	_, err := r.Resolve(context.Background(), model.TenantSource{Kind: model.SourceRealmID, Value: "nope"})
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestResolver_InvalidateTenantDropsCache(t *testing.T) {
	dir := newFakeDirectory()
	rdb := newFakeRedis()
	tenantID := uuid.New()
	dir.add(tenantID, model.PlatformStorefront, model.SourceStoreURL, "https://shop.example.com")

	r := NewResolver(dir, errDirNotFound, rdb, uuid.Nil)
	src := model.TenantSource{Kind: model.SourceStoreURL, Value: "https://shop.example.com"}

	_, err := r.Resolve(context.Background(), src)
	assert.NoError(t, err)
	assert.Equal(t, 1, dir.lookups)

	r.InvalidateTenant(context.Background(), tenantID, model.PlatformStorefront)

	// Next resolve misses the cache and hits the directory again.
	_, err = r.Resolve(context.Background(), src)
	assert.NoError(t, err)
	assert.Equal(t, 2, dir.lookups)
}
