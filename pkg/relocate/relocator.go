// Package relocate implements the atomic relocation engine: it physically
// moves a media file between origin and cache storage under a per-path
// lock, records provisional and committed state through the repository
// inside immediate-mode transactions, and rolls the filesystem back to its
// pre-operation state on any failure.
package relocate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/grinzolo/cachewarden/internal/logger"
	"github.com/grinzolo/cachewarden/pkg/audit"
	"github.com/grinzolo/cachewarden/pkg/authz"
	"github.com/grinzolo/cachewarden/pkg/cache"
	"github.com/grinzolo/cachewarden/pkg/integrity"
	"github.com/grinzolo/cachewarden/pkg/metrics"
	"github.com/grinzolo/cachewarden/pkg/pathval"
	"github.com/grinzolo/cachewarden/pkg/store"
)

// State is the phase of one relocation operation.
//
// Transitions:
//
//	IDLE -> STAGING -> COMMITTING -> COMMITTED
//	STAGING, COMMITTING -> FAILED -> ROLLED_BACK
//
// Cancellation is honored only in IDLE: once STAGING has begun the
// operation runs to a terminal state so the filesystem is never left in an
// undefined condition.
type State int

const (
	StateIdle State = iota
	StateStaging
	StateCommitting
	StateCommitted
	StateFailed
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStaging:
		return "STAGING"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateFailed:
		return "FAILED"
	case StateRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// Config controls relocation policy and lock behavior.
type Config struct {
	// Method forces a relocation strategy. Empty selects by policy:
	// hardlink when origin and cache share a filesystem, symlink otherwise.
	Method cache.RelocationMethod

	// LockTimeout bounds waiting for the per-path lock (default 30s).
	LockTimeout time.Duration
}

// Relocator performs relocations and releases.
//
// Thread Safety: safe for concurrent use; conflicting operations on the
// same paths serialize on the lock manager.
type Relocator struct {
	repo    *store.Repository
	signer  *integrity.Signer
	locks   *LockManager
	audit   *audit.Logger
	oracle  pathval.ExistenceOracle
	metrics *metrics.RelocationMetrics
	cfg     Config
}

// New creates a Relocator. oracle may be nil for the OS filesystem;
// metricsCollector may be nil when metrics are disabled.
func New(
	repo *store.Repository,
	signer *integrity.Signer,
	auditLog *audit.Logger,
	oracle pathval.ExistenceOracle,
	metricsCollector *metrics.RelocationMetrics,
	cfg Config,
) *Relocator {
	if oracle == nil {
		oracle = pathval.OSOracle{}
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	return &Relocator{
		repo:    repo,
		signer:  signer,
		locks:   NewLockManager(),
		audit:   auditLog,
		oracle:  oracle,
		metrics: metricsCollector,
		cfg:     cfg,
	}
}

// operation tracks one relocation through the state machine.
type operation struct {
	state State
	rec   *cache.CachedFileRecord
	undo  undoLog
}

func (op *operation) transition(next State) {
	logger.Debug("Relocation %s: %s -> %s", op.rec.ID, op.state, next)
	op.state = next
}

// Cache relocates originalPath's payload to cachedPath.
//
// Both paths must already be canonical and allow-listed (the engine
// validates before calling). The caller's Write permission is checked
// first; an identical already-committed relocation returns the existing
// record as an idempotent no-op.
//
// The per-path locks are held from before the existence checks until after
// the database commit, covering the whole STAGING->COMMITTING window.
func (r *Relocator) Cache(ctx context.Context, user authz.UserContext, originalPath, cachedPath string) (*cache.CachedFileRecord, error) {
	if err := authz.Check(user, authz.PermWrite); err != nil {
		return nil, err
	}
	if originalPath == cachedPath {
		return nil, cache.NewError(cache.ErrValidation,
			"original and cached paths must differ", originalPath)
	}

	// Cancellation is still honored here: nothing has side effects yet.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, r.cfg.LockTimeout)
	release, err := r.locks.AcquireAll(lockCtx, originalPath, cachedPath)
	cancel()
	if err != nil {
		return nil, err
	}
	r.metrics.LockAcquired()
	defer func() {
		release()
		r.metrics.LockReleased()
	}()

	// A second requester that blocked on the lock observes the terminal
	// state of the winner here instead of racing it.
	if existing, err := r.repo.FindByOriginalPath(ctx, user, originalPath); err == nil {
		switch existing.State {
		case cache.StateCommitted:
			if existing.CachedPath == cachedPath {
				logger.Debug("Relocation no-op: %s already cached", originalPath)
				return existing, nil
			}
			return nil, cache.NewError(cache.ErrConflict,
				"path already cached at a different destination", originalPath)
		case cache.StatePending:
			return nil, cache.NewError(cache.ErrConflict,
				"a relocation is already in flight for this path", originalPath)
		}
	} else if !cache.IsCode(err, cache.ErrNotFound) {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, err := r.prepareRecord(user, originalPath, cachedPath)
	if err != nil {
		r.auditFailure(ctx, user, originalPath, "cache", err)
		return nil, err
	}

	if err := r.repo.Insert(ctx, user, rec); err != nil {
		return nil, err
	}

	// STAGING begins: from here the operation runs to a terminal state
	// even if the caller goes away.
	op := &operation{state: StateIdle, rec: rec}
	opCtx := context.WithoutCancel(ctx)
	started := time.Now()

	if err := r.stage(op); err != nil {
		r.fail(opCtx, user, op, "cache", err)
		r.metrics.ObserveRelocation(string(rec.Method), "failed", time.Since(started), 0)
		return nil, err
	}

	op.transition(StateCommitting)
	rec.Checksum = r.signer.RecordChecksum(rec)
	if err := r.repo.MarkCommitted(opCtx, user, rec.ID, rec.SizeBytes, rec.Checksum); err != nil {
		r.fail(opCtx, user, op, "cache", err)
		r.metrics.ObserveRelocation(string(rec.Method), "failed", time.Since(started), 0)
		return nil, err
	}

	op.transition(StateCommitted)
	rec.State = cache.StateCommitted
	r.audit.Outcome(opCtx, cache.EventRelocationCommitted, user.UserID,
		originalPath, "cache", true, fmt.Sprintf("method=%s size=%d", rec.Method, rec.SizeBytes))
	r.metrics.ObserveRelocation(string(rec.Method), "committed", time.Since(started), rec.SizeBytes)
	logger.Info("Cached %s -> %s (%s, %d bytes)", originalPath, cachedPath, rec.Method, rec.SizeBytes)
	return rec, nil
}

// Release reverses a committed relocation: the original path ends up
// holding the payload bytes again and the cache-side artifact is removed.
//
// Requires Delete permission. The same per-path locks guard the release.
func (r *Relocator) Release(ctx context.Context, user authz.UserContext, originalPath string) error {
	if err := authz.Check(user, authz.PermDelete); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	lockCtx, cancel := context.WithTimeout(ctx, r.cfg.LockTimeout)
	defer cancel()

	rec, err := r.repo.FindByOriginalPath(ctx, user, originalPath)
	if err != nil {
		return err
	}
	if rec.State != cache.StateCommitted {
		return cache.NewError(cache.ErrConflict,
			"record is not committed (state "+string(rec.State)+")", originalPath)
	}

	release, err := r.locks.AcquireAll(lockCtx, rec.OriginalPath, rec.CachedPath)
	if err != nil {
		return err
	}
	r.metrics.LockAcquired()
	defer func() {
		release()
		r.metrics.LockReleased()
	}()

	// Re-read under the lock: a concurrent release may have won.
	rec, err = r.repo.FindByOriginalPath(ctx, user, originalPath)
	if err != nil {
		return err
	}
	if rec.State != cache.StateCommitted {
		return cache.NewError(cache.ErrConflict,
			"record is not committed (state "+string(rec.State)+")", originalPath)
	}

	opCtx := context.WithoutCancel(ctx)
	var undo undoLog
	if err := r.restoreOrigin(rec, &undo); err != nil {
		if !undo.rollback() {
			logger.Error("Release rollback left artifacts for %s", originalPath)
		}
		r.metrics.ObserveRollback()
		r.audit.Outcome(opCtx, cache.EventReleaseFailed, user.UserID,
			originalPath, "release", false, err.Error())
		return err
	}

	if err := r.repo.Remove(opCtx, user, rec.ID); err != nil {
		// The filesystem is already restored; the record is now stale and
		// the integrity checker will flag it. Surface the error.
		r.audit.Outcome(opCtx, cache.EventReleaseFailed, user.UserID,
			originalPath, "release", false, err.Error())
		return err
	}

	r.audit.Outcome(opCtx, cache.EventReleaseCommitted, user.UserID,
		originalPath, "release", true, "cache entry reclaimed")
	logger.Info("Released %s (cache entry %s removed)", originalPath, rec.CachedPath)
	return nil
}

// prepareRecord verifies the physical preconditions and assembles the
// PENDING record, choosing the relocation method by policy.
func (r *Relocator) prepareRecord(user authz.UserContext, originalPath, cachedPath string) (*cache.CachedFileRecord, error) {
	if !r.oracle.Exists(originalPath) {
		return nil, cache.NewError(cache.ErrFilesystem, "source does not exist", originalPath)
	}
	if r.oracle.Exists(cachedPath) {
		// No committed record claims this destination (checked above), so
		// whatever sits there belongs to someone else.
		return nil, cache.NewError(cache.ErrConflict,
			"destination already exists and holds no matching record", cachedPath)
	}

	info, err := os.Stat(originalPath)
	if err != nil {
		return nil, cache.NewError(cache.ErrFilesystem,
			"failed to stat source: "+err.Error(), originalPath)
	}
	if info.IsDir() {
		return nil, cache.NewError(cache.ErrValidation,
			"source is a directory", originalPath)
	}

	method := r.cfg.Method
	if method == "" {
		same, err := sameFilesystem(originalPath, cachedPath)
		if err != nil {
			return nil, wrapFilesystem(err, cachedPath)
		}
		// Hardlink-preferred, symlink-fallback.
		if same {
			method = cache.MethodHardlink
		} else {
			method = cache.MethodSymlink
		}
	}

	now := time.Now()
	return &cache.CachedFileRecord{
		ID:           cache.RecordID(originalPath),
		OriginalPath: originalPath,
		CachedPath:   cachedPath,
		Filename:     filepath.Base(originalPath),
		Method:       method,
		SizeBytes:    info.Size(),
		State:        cache.StatePending,
		AddedBy:      user.UserID,
		CreatedAt:    now,
	}, nil
}

// stage performs the physical relocation for op.rec.
func (r *Relocator) stage(op *operation) error {
	rec := op.rec
	op.transition(StateStaging)

	// Permission probe before any payload mutation.
	if err := os.MkdirAll(filepath.Dir(rec.CachedPath), 0o755); err != nil {
		return cache.NewError(cache.ErrFilesystem,
			"failed to create cache directory: "+err.Error(), rec.CachedPath)
	}
	if err := probeWritable(filepath.Dir(rec.CachedPath)); err != nil {
		return err
	}
	if rec.Method == cache.MethodSymlink {
		// The symlink strategy also rewrites the origin's directory entry.
		if err := probeWritable(filepath.Dir(rec.OriginalPath)); err != nil {
			return err
		}
	}

	// The source can vanish between the pre-flight check and now; verify
	// once more before mutating anything.
	if !r.oracle.Exists(rec.OriginalPath) {
		return cache.NewError(cache.ErrFilesystem, "source vanished", rec.OriginalPath)
	}

	switch rec.Method {
	case cache.MethodHardlink:
		return r.stageHardlink(rec.OriginalPath, rec.CachedPath, &op.undo)
	case cache.MethodSymlink:
		return r.stageSymlink(rec.OriginalPath, rec.CachedPath, &op.undo)
	case cache.MethodCopy:
		return r.stageCopy(rec.OriginalPath, rec.CachedPath, false, &op.undo)
	case cache.MethodSecureCopy:
		return r.stageCopy(rec.OriginalPath, rec.CachedPath, true, &op.undo)
	default:
		return cache.NewError(cache.ErrValidation,
			"unknown relocation method "+string(rec.Method), rec.OriginalPath)
	}
}

// fail drives a staging or committing failure to its terminal state:
// roll back partial artifacts, mark the record FAILED, and emit exactly one
// audit record.
func (r *Relocator) fail(ctx context.Context, user authz.UserContext, op *operation, action string, cause error) {
	op.transition(StateFailed)

	if op.undo.rollback() {
		op.transition(StateRolledBack)
	} else {
		logger.Error("Rollback left artifacts for %s", op.rec.OriginalPath)
	}
	r.metrics.ObserveRollback()

	if err := r.repo.MarkFailed(ctx, user, op.rec.ID); err != nil {
		logger.Error("Failed to mark record %s FAILED: %v", op.rec.ID, err)
	}
	op.rec.State = cache.StateFailed

	r.audit.Outcome(ctx, cache.EventRelocationFailed, user.UserID,
		op.rec.OriginalPath, action, false, cause.Error())
}

// auditFailure records a pre-staging rejection (no record was created, so
// there is no state to transition).
func (r *Relocator) auditFailure(ctx context.Context, user authz.UserContext, resource, action string, cause error) {
	r.audit.Outcome(ctx, cache.EventRelocationFailed, user.UserID,
		resource, action, false, cause.Error())
}
