package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grinzolo/cachewarden/internal/ratelimiter"
	"github.com/grinzolo/cachewarden/pkg/authz"
	"github.com/grinzolo/cachewarden/pkg/cache"
)

var (
	adminUser  = authz.UserContext{UserID: "admin-1", Role: authz.RoleAdmin}
	normalUser = authz.UserContext{UserID: "user-1", Role: authz.RoleUser}
	publicUser = authz.UserContext{UserID: "public-1", Role: authz.RolePublic}
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()

	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err, "failed to open test store")
	t.Cleanup(func() { _ = st.Close() })

	return NewRepository(st, nil, 0)
}

func testRecord(originalPath string) *cache.CachedFileRecord {
	return &cache.CachedFileRecord{
		ID:           cache.RecordID(originalPath),
		OriginalPath: originalPath,
		CachedPath:   "/mnt/cache" + originalPath,
		Filename:     filepath.Base(originalPath),
		Method:       cache.MethodCopy,
		SizeBytes:    1024,
		State:        cache.StatePending,
		AddedBy:      normalUser.UserID,
		CreatedAt:    time.Now(),
	}
}

func TestInsertAndFind(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	rec := testRecord("/srv/media/film.mkv")
	require.NoError(t, repo.Insert(ctx, normalUser, rec))

	got, err := repo.FindByOriginalPath(ctx, normalUser, rec.OriginalPath)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.CachedPath, got.CachedPath)
	assert.Equal(t, rec.Filename, got.Filename)
	assert.Equal(t, cache.MethodCopy, got.Method)
	assert.Equal(t, cache.StatePending, got.State)
	assert.Equal(t, rec.SizeBytes, got.SizeBytes)
	assert.Equal(t, normalUser.UserID, got.AddedBy)
	assert.True(t, got.LastVerifiedAt.IsZero(), "fresh record must never have been verified")
}

func TestFindMissingRecord(t *testing.T) {
	repo := openTestRepo(t)

	_, err := repo.FindByOriginalPath(context.Background(), normalUser, "/srv/media/nope.mkv")
	assert.True(t, cache.IsCode(err, cache.ErrNotFound), "expected not-found, got %v", err)
}

func TestInsertConflicts(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	rec := testRecord("/srv/media/film.mkv")
	require.NoError(t, repo.Insert(ctx, normalUser, rec))

	// A second PENDING insert for the same path is an in-flight conflict
	err := repo.Insert(ctx, normalUser, testRecord(rec.OriginalPath))
	assert.True(t, cache.IsCode(err, cache.ErrConflict), "expected conflict, got %v", err)

	// Same once committed
	require.NoError(t, repo.MarkCommitted(ctx, normalUser, rec.ID, rec.SizeBytes, "cafe"))
	err = repo.Insert(ctx, normalUser, testRecord(rec.OriginalPath))
	assert.True(t, cache.IsCode(err, cache.ErrConflict), "expected conflict, got %v", err)
}

func TestInsertReplacesTerminalRow(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	rec := testRecord("/srv/media/film.mkv")
	require.NoError(t, repo.Insert(ctx, normalUser, rec))
	require.NoError(t, repo.MarkFailed(ctx, normalUser, rec.ID))

	// Retrying after failure replaces the stale row instead of conflicting
	require.NoError(t, repo.Insert(ctx, normalUser, testRecord(rec.OriginalPath)))

	got, err := repo.FindByOriginalPath(ctx, normalUser, rec.OriginalPath)
	require.NoError(t, err)
	assert.Equal(t, cache.StatePending, got.State)
}

func TestMarkCommitted(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	rec := testRecord("/srv/media/film.mkv")
	require.NoError(t, repo.Insert(ctx, normalUser, rec))
	require.NoError(t, repo.MarkCommitted(ctx, normalUser, rec.ID, 2048, "deadbeef"))

	got, err := repo.FindByOriginalPath(ctx, normalUser, rec.OriginalPath)
	require.NoError(t, err)
	assert.Equal(t, cache.StateCommitted, got.State)
	assert.Equal(t, int64(2048), got.SizeBytes)
	assert.Equal(t, "deadbeef", got.Checksum)

	// The transition is one-shot
	err = repo.MarkCommitted(ctx, normalUser, rec.ID, 2048, "deadbeef")
	assert.True(t, cache.IsCode(err, cache.ErrConflict), "expected conflict, got %v", err)
}

func TestRemoveLifecycle(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	rec := testRecord("/srv/media/film.mkv")
	require.NoError(t, repo.Insert(ctx, normalUser, rec))

	// A PENDING record is referenced by an in-flight relocation
	err := repo.Remove(ctx, adminUser, rec.ID)
	assert.True(t, cache.IsCode(err, cache.ErrConflict), "expected conflict, got %v", err)

	require.NoError(t, repo.MarkCommitted(ctx, normalUser, rec.ID, 1024, "cafe"))
	require.NoError(t, repo.Remove(ctx, adminUser, rec.ID))

	got, err := repo.FindByOriginalPath(ctx, normalUser, rec.OriginalPath)
	require.NoError(t, err)
	assert.Equal(t, cache.StateRemoved, got.State)

	// Removing again finds nothing removable
	err = repo.Remove(ctx, adminUser, rec.ID)
	assert.True(t, cache.IsCode(err, cache.ErrNotFound), "expected not-found, got %v", err)

	err = repo.Remove(ctx, adminUser, "no-such-id")
	assert.True(t, cache.IsCode(err, cache.ErrNotFound), "expected not-found, got %v", err)
}

func TestAuthorizationFailsClosed(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	rec := testRecord("/srv/media/film.mkv")

	// Public may not write, and the denial leaves no row behind
	err := repo.Insert(ctx, publicUser, rec)
	require.True(t, cache.IsCode(err, cache.ErrAuthorization), "expected authorization error, got %v", err)

	_, err = repo.FindByOriginalPath(ctx, publicUser, rec.OriginalPath)
	assert.True(t, cache.IsCode(err, cache.ErrNotFound), "denied insert must not persist a row")

	// User may not delete
	require.NoError(t, repo.Insert(ctx, normalUser, rec))
	require.NoError(t, repo.MarkCommitted(ctx, normalUser, rec.ID, 1024, "cafe"))
	err = repo.Remove(ctx, normalUser, rec.ID)
	assert.True(t, cache.IsCode(err, cache.ErrAuthorization), "expected authorization error, got %v", err)

	// Unknown roles deny everything
	unknown := authz.UserContext{UserID: "x", Role: authz.Role("root")}
	_, err = repo.FindByOriginalPath(ctx, unknown, rec.OriginalPath)
	assert.True(t, cache.IsCode(err, cache.ErrAuthorization), "expected authorization error, got %v", err)
}

func TestValidationRejectsBadRecords(t *testing.T) {
	repo := NewRepository(nil, nil, 100)

	base := testRecord("/srv/media/film.mkv")

	tests := []struct {
		name   string
		mutate func(rec *cache.CachedFileRecord)
	}{
		{"missing id", func(rec *cache.CachedFileRecord) { rec.ID = "" }},
		{"missing cached path", func(rec *cache.CachedFileRecord) { rec.CachedPath = "" }},
		{"identical paths", func(rec *cache.CachedFileRecord) { rec.CachedPath = rec.OriginalPath }},
		{"missing filename", func(rec *cache.CachedFileRecord) { rec.Filename = "" }},
		{"bad method", func(rec *cache.CachedFileRecord) { rec.Method = "teleport" }},
		{"negative size", func(rec *cache.CachedFileRecord) { rec.SizeBytes = -1 }},
		{"size over cap", func(rec *cache.CachedFileRecord) { rec.SizeBytes = 101 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := *base
			tt.mutate(&rec)
			err := repo.validateRecord(&rec)
			assert.True(t, cache.IsCode(err, cache.ErrValidation), "expected validation error, got %v", err)
		})
	}
}

func TestThrottle(t *testing.T) {
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo := NewRepository(st, ratelimiter.NewSlidingWindow(2, time.Minute), 0)

	require.NoError(t, repo.Throttle(normalUser))
	require.NoError(t, repo.Throttle(normalUser))

	err = repo.Throttle(normalUser)
	assert.True(t, cache.IsCode(err, cache.ErrRateLimited), "expected rate-limit error, got %v", err)

	// Quotas are per identity
	assert.NoError(t, repo.Throttle(adminUser))
}

func TestListByStateAndStats(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	a := testRecord("/srv/media/a.mkv")
	b := testRecord("/srv/media/b.mkv")
	c := testRecord("/srv/media/c.mkv")
	for _, rec := range []*cache.CachedFileRecord{a, b, c} {
		require.NoError(t, repo.Insert(ctx, normalUser, rec))
	}
	require.NoError(t, repo.MarkCommitted(ctx, normalUser, a.ID, 100, "aa"))
	require.NoError(t, repo.MarkCommitted(ctx, normalUser, b.ID, 200, "bb"))
	require.NoError(t, repo.MarkFailed(ctx, normalUser, c.ID))

	committed, err := repo.ListByState(ctx, normalUser, cache.StateCommitted)
	require.NoError(t, err)
	assert.Len(t, committed, 2)

	all, err := repo.ListAll(ctx, normalUser)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	stats, err := repo.Stats(ctx, publicUser)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.RecordsByState[cache.StateCommitted])
	assert.Equal(t, int64(1), stats.RecordsByState[cache.StateFailed])
	assert.Equal(t, int64(300), stats.BytesCommitted)

	_, err = repo.ListByState(ctx, normalUser, cache.RecordState("LIMBO"))
	assert.True(t, cache.IsCode(err, cache.ErrValidation), "expected validation error, got %v", err)
}

func TestUpdateLastVerified(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	rec := testRecord("/srv/media/film.mkv")
	require.NoError(t, repo.Insert(ctx, normalUser, rec))
	require.NoError(t, repo.MarkCommitted(ctx, normalUser, rec.ID, 1024, "cafe"))

	verifiedAt := time.Now()
	err := repo.UpdateLastVerified(ctx, normalUser, rec.ID, verifiedAt)
	assert.True(t, cache.IsCode(err, cache.ErrAuthorization), "only admin may bump verification time")

	require.NoError(t, repo.UpdateLastVerified(ctx, adminUser, rec.ID, verifiedAt))

	got, err := repo.FindByOriginalPath(ctx, normalUser, rec.OriginalPath)
	require.NoError(t, err)
	assert.Equal(t, verifiedAt.UnixNano(), got.LastVerifiedAt.UnixNano())
}

func TestSecurityEvents(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	base := time.Now()
	events := []cache.SecurityEvent{
		{ID: "ev-1", EventType: cache.EventAuthzDenied, UserID: "mallory", Resource: "/etc/passwd", Action: "cache", Timestamp: base.Add(-2 * time.Hour)},
		{ID: "ev-2", EventType: cache.EventRelocationCommitted, UserID: "alice", Resource: "/srv/media/a.mkv", Action: "cache", Success: true, Timestamp: base.Add(-time.Hour)},
		{ID: "ev-3", EventType: cache.EventAuthzDenied, UserID: "mallory", Resource: "/srv/media/b.mkv", Action: "release", Timestamp: base},
	}
	for _, ev := range events {
		require.NoError(t, repo.InsertEvent(ctx, ev))
	}

	// Only admin reads the audit log
	_, err := repo.ListEvents(ctx, normalUser, cache.EventFilter{})
	assert.True(t, cache.IsCode(err, cache.ErrAuthorization), "expected authorization error, got %v", err)

	all, err := repo.ListEvents(ctx, adminUser, cache.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ev-3", all[0].ID, "events must come back newest first")

	denied, err := repo.ListEvents(ctx, adminUser, cache.EventFilter{EventType: cache.EventAuthzDenied})
	require.NoError(t, err)
	assert.Len(t, denied, 2)

	byUser, err := repo.ListEvents(ctx, adminUser, cache.EventFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.True(t, byUser[0].Success)

	recent, err := repo.ListEvents(ctx, adminUser, cache.EventFilter{Since: base.Add(-90 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := repo.ListEvents(ctx, adminUser, cache.EventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
