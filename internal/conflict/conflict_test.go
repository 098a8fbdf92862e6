package conflict

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/vantage-pos/sync-service/internal/model"
)

func TestDetect_BothSidesModified(t *testing.T) {
	base := Side{Version: 3}
	local := Side{Version: 4}
	remote := Side{Version: 5}
	assert.True(t, Detect(local, remote, base))
}

func TestDetect_OneSideModified(t *testing.T) {
	base := Side{Version: 3}
	assert.False(t, Detect(Side{Version: 4}, Side{Version: 3}, base), "local-only change is not a conflict")
	assert.False(t, Detect(Side{Version: 3}, Side{Version: 7}, base), "remote-only change is not a conflict")
	assert.False(t, Detect(Side{Version: 3}, Side{Version: 3}, base), "no change is not a conflict")
}

func TestDetect_TimestampFallback(t *testing.T) {
	synced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := Side{UpdatedAt: synced}
	local := Side{UpdatedAt: synced.Add(time.Minute)}
	remote := Side{UpdatedAt: synced.Add(2 * time.Minute)}

	assert.True(t, Detect(local, remote, base))
	assert.False(t, Detect(Side{UpdatedAt: synced}, remote, base))
}

type fakeConflictStore struct {
	conflicts map[uuid.UUID]*model.SyncConflict
	resolved  []uuid.UUID
}

func newFakeConflictStore() *fakeConflictStore {
	return &fakeConflictStore{conflicts: make(map[uuid.UUID]*model.SyncConflict)}
}

func (s *fakeConflictStore) Create(_ context.Context, c *model.SyncConflict) error {
	c.ID = uuid.New()
	c.Resolution = model.ResolutionPending
	s.conflicts[c.ID] = c
	return nil
}

func (s *fakeConflictStore) GetByID(_ context.Context, id uuid.UUID) (*model.SyncConflict, error) {
	return s.conflicts[id], nil
}

func (s *fakeConflictStore) Resolve(_ context.Context, id uuid.UUID, choice string, mergedData json.RawMessage, resolvedBy, notes string) error {
	c := s.conflicts[id]
	c.Resolution = model.ResolutionResolved
	c.ResolutionChoice = choice
	c.MergedData = mergedData
	c.ResolvedBy = resolvedBy
	c.ResolutionNotes = notes
	s.resolved = append(s.resolved, id)
	return nil
}

func (s *fakeConflictStore) LatestResolved(_ context.Context, tenantID uuid.UUID, entityType model.EntityType, entityID string, localVersion, remoteVersion int64) (*model.SyncConflict, error) {
	for _, c := range s.conflicts {
		if c.Resolution == model.ResolutionResolved &&
			c.TenantID == tenantID && c.EntityType == entityType && c.EntityID == entityID &&
			c.LocalVersion == localVersion && c.RemoteVersion == remoteVersion {
			return c, nil
		}
	}
	return nil, nil
}

type fakeUnblocker struct {
	unblocked []string
}

func (u *fakeUnblocker) UnblockEntity(_ context.Context, tenantID uuid.UUID, entityType model.EntityType, entityID string) error {
	u.unblocked = append(u.unblocked, tenantID.String()+"|"+entityType.String()+"|"+entityID)
	return nil
}

type fakeAudit struct {
	entries []*model.AuditEntry
}

func (a *fakeAudit) Append(_ context.Context, entry *model.AuditEntry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func sampleConflict(tenantID uuid.UUID) *model.SyncConflict {
	return &model.SyncConflict{
		TenantID:        tenantID,
		EntityType:      model.EntityOrder,
		EntityID:        "order-1",
		LocalVersion:    4,
		RemoteVersion:   5,
		LocalUpdatedAt:  time.Now().Add(-time.Minute),
		RemoteUpdatedAt: time.Now(),
	}
}

func TestResolver_ManualResolve(t *testing.T) {
	store := newFakeConflictStore()
	queue := &fakeUnblocker{}
	audit := &fakeAudit{}
	r := NewResolver(store, queue, audit, ManualStrategy{})

	tenantID := uuid.New()
	c := sampleConflict(tenantID)
	res, err := r.Record(context.Background(), c)
	assert.NoError(t, err)
	assert.Nil(t, res, "manual strategy must not auto-resolve")
	assert.Empty(t, queue.unblocked)

	err = r.Resolve(context.Background(), c.ID, &Resolution{Choice: UseLocal}, "ops@example.com", "kept local copy")
	assert.NoError(t, err)

	assert.Equal(t, model.ResolutionResolved, store.conflicts[c.ID].Resolution)
	assert.Len(t, audit.entries, 1)
	assert.Equal(t, "conflict_resolved", audit.entries[0].Outcome)
	assert.Len(t, queue.unblocked, 1)
	assert.Contains(t, queue.unblocked[0], "order-1")
}

func TestResolver_ResolveTwiceFails(t *testing.T) {
	store := newFakeConflictStore()
	r := NewResolver(store, &fakeUnblocker{}, &fakeAudit{}, ManualStrategy{})

	c := sampleConflict(uuid.New())
	_, err := r.Record(context.Background(), c)
	assert.NoError(t, err)
	assert.NoError(t, r.Resolve(context.Background(), c.ID, &Resolution{Choice: UseRemote}, "ops", ""))
	assert.ErrorIs(t, r.Resolve(context.Background(), c.ID, &Resolution{Choice: UseLocal}, "ops", ""), ErrAlreadyResolved)
}

func TestResolver_MergeRequiresData(t *testing.T) {
	store := newFakeConflictStore()
	r := NewResolver(store, &fakeUnblocker{}, &fakeAudit{}, ManualStrategy{})

	c := sampleConflict(uuid.New())
	_, err := r.Record(context.Background(), c)
	assert.NoError(t, err)

	err = r.Resolve(context.Background(), c.ID, &Resolution{Choice: Merge}, "ops", "")
	assert.ErrorIs(t, err, ErrUnknownResolution)

	err = r.Resolve(context.Background(), c.ID, &Resolution{Choice: Merge, MergedData: []byte(`{"name":"merged"}`)}, "ops", "")
	assert.NoError(t, err)
}

func TestResolver_ResolvedReplaysPriorChoice(t *testing.T) {
	store := newFakeConflictStore()
	r := NewResolver(store, &fakeUnblocker{}, &fakeAudit{}, ManualStrategy{})
	tenantID := uuid.New()

	c := sampleConflict(tenantID)
	_, err := r.Record(context.Background(), c)
	assert.NoError(t, err)

	// Before any resolution there is nothing to replay.
	res, err := r.Resolved(context.Background(), sampleConflict(tenantID))
	assert.NoError(t, err)
	assert.Nil(t, res)

	merged := json.RawMessage(`{"name":"merged"}`)
	err = r.Resolve(context.Background(), c.ID, &Resolution{Choice: Merge, MergedData: merged}, "ops", "")
	assert.NoError(t, err)

	// The same version pair replays the stored choice and merged payload.
	res, err = r.Resolved(context.Background(), sampleConflict(tenantID))
	assert.NoError(t, err)
	assert.NotNil(t, res)
	assert.Equal(t, Merge, res.Choice)
	assert.JSONEq(t, string(merged), string(res.MergedData))

	// A new divergence on either side is a fresh conflict, not a replay.
	moved := sampleConflict(tenantID)
	moved.LocalVersion = 6
	res, err = r.Resolved(context.Background(), moved)
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestResolver_LastWriteWinsAutoResolves(t *testing.T) {
	store := newFakeConflictStore()
	queue := &fakeUnblocker{}
	audit := &fakeAudit{}
	r := NewResolver(store, queue, audit, LastWriteWinsStrategy{})

	c := sampleConflict(uuid.New())
	res, err := r.Record(context.Background(), c)
	assert.NoError(t, err)
	assert.NotNil(t, res)
	assert.Equal(t, UseRemote, res.Choice)

	assert.Equal(t, model.ResolutionResolved, store.conflicts[c.ID].Resolution)
	assert.Equal(t, "last_write_wins", store.conflicts[c.ID].ResolvedBy)
	assert.Len(t, queue.unblocked, 1)
	// Remote was newer.
	assert.Equal(t, string(UseRemote), audit.entries[0].Detail["choice"])
}
