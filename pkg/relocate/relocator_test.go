package relocate

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grinzolo/cachewarden/pkg/audit"
	"github.com/grinzolo/cachewarden/pkg/authz"
	"github.com/grinzolo/cachewarden/pkg/cache"
	"github.com/grinzolo/cachewarden/pkg/integrity"
	"github.com/grinzolo/cachewarden/pkg/pathval"
	"github.com/grinzolo/cachewarden/pkg/store"
)

var (
	writer = authz.UserContext{UserID: "writer", Role: authz.RoleUser}
	admin  = authz.UserContext{UserID: "admin", Role: authz.RoleAdmin}
)

type testEnv struct {
	relocator *Relocator
	repo      *store.Repository
	originDir string
	cacheDir  string
}

func newTestEnv(t *testing.T, method cache.RelocationMethod, oracle pathval.ExistenceOracle) *testEnv {
	t.Helper()

	root := t.TempDir()
	originDir := filepath.Join(root, "origin")
	cacheDir := filepath.Join(root, "cache")
	for _, dir := range []string{originDir, cacheDir} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}

	st, err := store.Open(store.Config{Path: filepath.Join(root, "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	repo := store.NewRepository(st, nil, 0)

	signer, err := integrity.NewSigner([]byte("test-key-0123456789"))
	require.NoError(t, err)

	relocator := New(repo, signer, audit.NewLogger(repo), oracle, nil, Config{
		Method:      method,
		LockTimeout: 2 * time.Second,
	})
	return &testEnv{relocator: relocator, repo: repo, originDir: originDir, cacheDir: cacheDir}
}

func (e *testEnv) writeOrigin(t *testing.T, name, payload string) (originPath, cachedPath string) {
	t.Helper()
	originPath = filepath.Join(e.originDir, name)
	cachedPath = filepath.Join(e.cacheDir, name)
	require.NoError(t, os.WriteFile(originPath, []byte(payload), 0644))
	return originPath, cachedPath
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read %s", path)
	return string(data)
}

func TestCacheCopyRoundtrip(t *testing.T) {
	env := newTestEnv(t, cache.MethodCopy, nil)
	ctx := context.Background()
	origin, cached := env.writeOrigin(t, "film.mkv", "the payload bytes")

	rec, err := env.relocator.Cache(ctx, writer, origin, cached)
	require.NoError(t, err)
	assert.Equal(t, cache.StateCommitted, rec.State)
	assert.Equal(t, cache.MethodCopy, rec.Method)
	assert.Equal(t, int64(len("the payload bytes")), rec.SizeBytes)
	assert.NotEmpty(t, rec.Checksum)

	// Both copies carry the payload
	assert.Equal(t, "the payload bytes", readFile(t, origin))
	assert.Equal(t, "the payload bytes", readFile(t, cached))

	// Release removes the cache copy and leaves the origin untouched
	require.NoError(t, env.relocator.Release(ctx, admin, origin))
	assert.Equal(t, "the payload bytes", readFile(t, origin))
	_, err = os.Lstat(cached)
	assert.True(t, os.IsNotExist(err), "cache copy should be gone after release")

	got, err := env.repo.FindByOriginalPath(ctx, admin, origin)
	require.NoError(t, err)
	assert.Equal(t, cache.StateRemoved, got.State)
}

func TestCacheSecureCopyRoundtrip(t *testing.T) {
	env := newTestEnv(t, cache.MethodSecureCopy, nil)
	ctx := context.Background()
	origin, cached := env.writeOrigin(t, "film.mkv", "digest-verified payload")

	rec, err := env.relocator.Cache(ctx, writer, origin, cached)
	require.NoError(t, err)
	assert.Equal(t, cache.MethodSecureCopy, rec.Method)
	assert.Equal(t, "digest-verified payload", readFile(t, cached))
}

func TestCacheHardlinkSharesInode(t *testing.T) {
	// TempDir keeps origin and cache on one filesystem, so the automatic
	// policy must pick hardlinks
	env := newTestEnv(t, "", nil)
	ctx := context.Background()
	origin, cached := env.writeOrigin(t, "film.mkv", "linked payload")

	rec, err := env.relocator.Cache(ctx, writer, origin, cached)
	require.NoError(t, err)
	assert.Equal(t, cache.MethodHardlink, rec.Method)

	originInfo, err := os.Stat(origin)
	require.NoError(t, err)
	cachedInfo, err := os.Stat(cached)
	require.NoError(t, err)
	assert.True(t, os.SameFile(originInfo, cachedInfo), "hardlink must share the inode")

	// Release drops the cache link; the origin keeps the payload
	require.NoError(t, env.relocator.Release(ctx, admin, origin))
	assert.Equal(t, "linked payload", readFile(t, origin))
	_, err = os.Lstat(cached)
	assert.True(t, os.IsNotExist(err))
}

func TestCacheSymlinkPreservesConsumerPath(t *testing.T) {
	env := newTestEnv(t, cache.MethodSymlink, nil)
	ctx := context.Background()
	origin, cached := env.writeOrigin(t, "film.mkv", "moved payload")

	_, err := env.relocator.Cache(ctx, writer, origin, cached)
	require.NoError(t, err)

	// The payload now lives in the cache and the consumer path is a
	// symlink pointing at it
	info, err := os.Lstat(origin)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink, "origin should be a symlink after relocation")
	target, err := os.Readlink(origin)
	require.NoError(t, err)
	assert.Equal(t, cached, target)

	// Reading through the consumer path still yields the payload
	assert.Equal(t, "moved payload", readFile(t, origin))

	// Release restores the real file and removes the cache entry
	require.NoError(t, env.relocator.Release(ctx, admin, origin))
	info, err = os.Lstat(origin)
	require.NoError(t, err)
	assert.Zero(t, info.Mode()&os.ModeSymlink, "origin should be a regular file again")
	assert.Equal(t, "moved payload", readFile(t, origin))
	_, err = os.Lstat(cached)
	assert.True(t, os.IsNotExist(err))
}

func TestCacheIdempotent(t *testing.T) {
	env := newTestEnv(t, cache.MethodCopy, nil)
	ctx := context.Background()
	origin, cached := env.writeOrigin(t, "film.mkv", "payload")

	first, err := env.relocator.Cache(ctx, writer, origin, cached)
	require.NoError(t, err)

	second, err := env.relocator.Cache(ctx, writer, origin, cached)
	require.NoError(t, err, "repeating an identical request must succeed")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, cache.StateCommitted, second.State)

	// A different destination for the same source is a conflict
	_, err = env.relocator.Cache(ctx, writer, origin, filepath.Join(env.cacheDir, "elsewhere.mkv"))
	assert.True(t, cache.IsCode(err, cache.ErrConflict), "expected conflict, got %v", err)
}

func TestCacheMissingSource(t *testing.T) {
	env := newTestEnv(t, cache.MethodCopy, nil)
	ctx := context.Background()

	origin := filepath.Join(env.originDir, "ghost.mkv")
	_, err := env.relocator.Cache(ctx, writer, origin, filepath.Join(env.cacheDir, "ghost.mkv"))
	assert.True(t, cache.IsCode(err, cache.ErrFilesystem), "expected filesystem error, got %v", err)

	// Nothing was recorded for the failed pre-flight
	_, err = env.repo.FindByOriginalPath(ctx, admin, origin)
	assert.True(t, cache.IsCode(err, cache.ErrNotFound))
}

func TestCacheDeniedForPublic(t *testing.T) {
	env := newTestEnv(t, cache.MethodCopy, nil)
	origin, cached := env.writeOrigin(t, "film.mkv", "payload")

	public := authz.UserContext{UserID: "guest", Role: authz.RolePublic}
	_, err := env.relocator.Cache(context.Background(), public, origin, cached)
	require.True(t, cache.IsCode(err, cache.ErrAuthorization), "expected authorization error, got %v", err)

	// The denial must not leave any artifact
	_, err = os.Lstat(cached)
	assert.True(t, os.IsNotExist(err))
}

func TestCacheCancelledBeforeStaging(t *testing.T) {
	env := newTestEnv(t, cache.MethodCopy, nil)
	origin, cached := env.writeOrigin(t, "film.mkv", "payload")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.relocator.Cache(ctx, writer, origin, cached)
	require.ErrorIs(t, err, context.Canceled)

	// Nothing happened: no record, no cache file, origin intact
	_, err = env.repo.FindByOriginalPath(context.Background(), admin, origin)
	assert.True(t, cache.IsCode(err, cache.ErrNotFound))
	_, err = os.Lstat(cached)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, "payload", readFile(t, origin))
}

// vanishingOracle reports the watched path as existing once (the pre-flight
// check) and as missing afterwards, simulating a source deleted between
// pre-flight and staging.
type vanishingOracle struct {
	mu      sync.Mutex
	watched string
	calls   int
}

func (o *vanishingOracle) Exists(path string) bool {
	if path != o.watched {
		return pathval.OSOracle{}.Exists(path)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return o.calls == 1
}

func (o *vanishingOracle) Resolve(path string) (string, error) {
	return pathval.OSOracle{}.Resolve(path)
}

func TestCacheFailureRollsBack(t *testing.T) {
	oracle := &vanishingOracle{}
	env := newTestEnv(t, cache.MethodCopy, oracle)
	ctx := context.Background()

	originPath, cached := env.writeOrigin(t, "film.mkv", "payload")
	oracle.watched = originPath

	_, err := env.relocator.Cache(ctx, writer, originPath, cached)
	require.Error(t, err, "staging must fail when the source vanishes")

	// The record ended FAILED and no artifact remains in the cache
	got, ferr := env.repo.FindByOriginalPath(ctx, admin, originPath)
	require.NoError(t, ferr)
	assert.Equal(t, cache.StateFailed, got.State)
	_, err = os.Lstat(cached)
	assert.True(t, os.IsNotExist(err))

	// The failure produced an audit record
	events, err := env.repo.ListEvents(ctx, admin, cache.EventFilter{
		EventType: cache.EventRelocationFailed,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	// And a retry with a healthy oracle succeeds by replacing the row
	env.relocator.oracle = pathval.OSOracle{}
	rec, err := env.relocator.Cache(ctx, writer, originPath, cached)
	require.NoError(t, err)
	assert.Equal(t, cache.StateCommitted, rec.State)
}

// TestCacheConcurrentSamePath launches several identical requests at once:
// every caller must come back with the committed record, the payload must
// exist exactly once in the cache, and only one commit may be audited.
func TestCacheConcurrentSamePath(t *testing.T) {
	env := newTestEnv(t, cache.MethodCopy, nil)
	ctx := context.Background()
	origin, cached := env.writeOrigin(t, "film.mkv", "contended payload")

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.relocator.Cache(ctx, writer, origin, cached)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "worker %d failed", i)
	}
	assert.Equal(t, "contended payload", readFile(t, cached))

	events, err := env.repo.ListEvents(ctx, admin, cache.EventFilter{
		EventType: cache.EventRelocationCommitted,
	})
	require.NoError(t, err)
	assert.Len(t, events, 1, "exactly one worker may perform the physical relocation")
}

func TestReleaseRequiresCommittedRecord(t *testing.T) {
	env := newTestEnv(t, cache.MethodCopy, nil)
	ctx := context.Background()
	origin, cached := env.writeOrigin(t, "film.mkv", "payload")

	// Unknown path
	err := env.relocator.Release(ctx, admin, origin)
	assert.True(t, cache.IsCode(err, cache.ErrNotFound), "expected not-found, got %v", err)

	// Delete permission is required
	_, err = env.relocator.Cache(ctx, writer, origin, cached)
	require.NoError(t, err)
	err = env.relocator.Release(ctx, writer, origin)
	assert.True(t, cache.IsCode(err, cache.ErrAuthorization), "expected authorization error, got %v", err)

	// Releasing twice: the second call finds no committed record
	require.NoError(t, env.relocator.Release(ctx, admin, origin))
	err = env.relocator.Release(ctx, admin, origin)
	assert.True(t, cache.IsCode(err, cache.ErrConflict), "expected conflict, got %v", err)
}
