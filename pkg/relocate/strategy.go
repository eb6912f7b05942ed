package relocate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/grinzolo/cachewarden/internal/logger"
	"github.com/grinzolo/cachewarden/pkg/cache"
)

// Physical relocation strategies. Every strategy follows the same shape:
// mutate into a temporary name first, then atomically rename into place, so
// a crash mid-operation never exposes a half-written file at a path another
// reader might observe. The consumer-visible path is only ever changed by a
// single atomic rename.

// undoLog collects compensating actions for rollback. Steps run in reverse
// order; errors are logged and do not stop the remaining steps, because a
// partial rollback is still better than none.
type undoLog struct {
	steps []func() error
}

func (u *undoLog) push(step func() error) {
	u.steps = append(u.steps, step)
}

// rollback executes the compensations and reports whether all succeeded.
func (u *undoLog) rollback() bool {
	clean := true
	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i](); err != nil {
			logger.Error("Rollback step failed: %v", err)
			clean = false
		}
	}
	u.steps = nil
	return clean
}

// sameFilesystem reports whether both paths live on the same device, which
// decides whether a hardlink is possible. The paths' parent directories are
// compared so the destination does not need to exist yet.
func sameFilesystem(a, b string) (bool, error) {
	var statA, statB unix.Stat_t
	if err := unix.Stat(filepath.Dir(a), &statA); err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", filepath.Dir(a), err)
	}
	if err := unix.Stat(filepath.Dir(b), &statB); err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", filepath.Dir(b), err)
	}
	return statA.Dev == statB.Dev, nil
}

// tempName returns a sibling temporary name for path. The prefix dot keeps
// half-finished artifacts out of consumer directory listings.
func tempName(path string) string {
	return filepath.Join(filepath.Dir(path), ".cw-tmp-"+uuid.NewString()+"-"+filepath.Base(path))
}

// probeWritable verifies the directory accepts new entries before any
// payload mutation is attempted. An insufficient-permission destination
// fails here, with nothing on disk touched beyond the probe entry itself.
func probeWritable(dir string) error {
	probe := filepath.Join(dir, ".cw-probe-"+uuid.NewString())
	f, err := os.OpenFile(probe, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return cache.NewError(cache.ErrFilesystem,
			"destination directory is not writable", dir)
	}
	_ = f.Close()
	if err := os.Remove(probe); err != nil {
		return cache.NewError(cache.ErrFilesystem,
			"failed to remove permission probe", probe)
	}
	return nil
}

// copyFile duplicates src to dst (which must not exist), fsyncs the copy,
// preserves the source mode, and verifies the byte count.
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat source: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return 0, fmt.Errorf("failed to create copy: %w", err)
	}

	written, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("failed to copy payload: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("failed to sync copy: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("failed to close copy: %w", err)
	}

	if written != info.Size() {
		return 0, cache.NewError(cache.ErrIntegrity,
			fmt.Sprintf("copy size mismatch: wrote %d of %d bytes", written, info.Size()), dst)
	}
	return written, nil
}

// stageHardlink links cachedPath to the origin's inode via a temporary
// name. The origin keeps its link, so the consumer-visible path is intact
// throughout and afterwards; reading either path yields identical bytes.
func (r *Relocator) stageHardlink(originalPath, cachedPath string, undo *undoLog) error {
	tmp := tempName(cachedPath)
	if err := os.Link(originalPath, tmp); err != nil {
		return cache.NewError(cache.ErrFilesystem,
			"failed to create hardlink: "+err.Error(), cachedPath)
	}
	undo.push(func() error { return removeIfExists(tmp) })

	if err := os.Rename(tmp, cachedPath); err != nil {
		return cache.NewError(cache.ErrFilesystem,
			"failed to publish hardlink: "+err.Error(), cachedPath)
	}
	undo.push(func() error { return removeIfExists(cachedPath) })
	return nil
}

// stageSymlink moves the payload to the cache and replaces the
// consumer-visible path with a symlink to it.
//
// The origin file itself is only touched by the final rename: until that
// single atomic step succeeds, a reader of originalPath sees the original
// payload, and afterwards it sees a symlink to the relocated payload.
func (r *Relocator) stageSymlink(originalPath, cachedPath string, undo *undoLog) error {
	// Payload first: duplicate into the cache under a temporary name.
	tmpPayload := tempName(cachedPath)
	if _, err := copyFile(originalPath, tmpPayload); err != nil {
		_ = removeIfExists(tmpPayload)
		return wrapFilesystem(err, cachedPath)
	}
	undo.push(func() error { return removeIfExists(tmpPayload) })

	if err := os.Rename(tmpPayload, cachedPath); err != nil {
		return cache.NewError(cache.ErrFilesystem,
			"failed to publish cache payload: "+err.Error(), cachedPath)
	}
	undo.push(func() error { return removeIfExists(cachedPath) })

	// Then the link: build it as a sibling and rename it over the origin.
	tmpLink := tempName(originalPath)
	if err := os.Symlink(cachedPath, tmpLink); err != nil {
		return cache.NewError(cache.ErrFilesystem,
			"failed to create symlink: "+err.Error(), originalPath)
	}
	undo.push(func() error { return removeIfExists(tmpLink) })

	if err := os.Rename(tmpLink, originalPath); err != nil {
		return cache.NewError(cache.ErrFilesystem,
			"failed to replace origin with symlink: "+err.Error(), originalPath)
	}
	// Past the point of no return for rollback-by-deletion: the origin now
	// points at the cache payload, so rollback must restore the payload.
	undo.steps = undo.steps[:0]
	undo.push(func() error { return restorePayload(cachedPath, originalPath) })
	return nil
}

// stageCopy duplicates the payload into the cache. secure additionally
// compares keyed content digests of source and copy before publishing.
// The origin is never modified.
func (r *Relocator) stageCopy(originalPath, cachedPath string, secure bool, undo *undoLog) error {
	tmp := tempName(cachedPath)
	if _, err := copyFile(originalPath, tmp); err != nil {
		_ = removeIfExists(tmp)
		return wrapFilesystem(err, cachedPath)
	}
	undo.push(func() error { return removeIfExists(tmp) })

	if secure {
		srcDigest, err := r.signer.FileDigest(originalPath)
		if err != nil {
			return wrapFilesystem(err, originalPath)
		}
		dstDigest, err := r.signer.FileDigest(tmp)
		if err != nil {
			return wrapFilesystem(err, tmp)
		}
		if srcDigest != dstDigest {
			return cache.NewError(cache.ErrIntegrity,
				"post-copy content digest mismatch", cachedPath)
		}
	}

	if err := os.Rename(tmp, cachedPath); err != nil {
		return cache.NewError(cache.ErrFilesystem,
			"failed to publish copy: "+err.Error(), cachedPath)
	}
	undo.push(func() error { return removeIfExists(cachedPath) })
	return nil
}

// restoreOrigin reverses a committed relocation during release, bringing
// the original path back to a plain file with the payload's bytes.
func (r *Relocator) restoreOrigin(rec *cache.CachedFileRecord, undo *undoLog) error {
	switch rec.Method {
	case cache.MethodHardlink, cache.MethodCopy, cache.MethodSecureCopy:
		// The origin still holds the payload (hardlink shares the inode,
		// copies never touched it). Reclaiming the cache entry suffices.
		if err := removeIfExists(rec.CachedPath); err != nil {
			return cache.NewError(cache.ErrFilesystem,
				"failed to remove cache entry: "+err.Error(), rec.CachedPath)
		}
		return nil

	case cache.MethodSymlink:
		return restoreSymlinkedOrigin(rec.OriginalPath, rec.CachedPath, undo)

	default:
		return cache.NewError(cache.ErrValidation,
			"unknown relocation method "+string(rec.Method), rec.OriginalPath)
	}
}

// restoreSymlinkedOrigin copies the payload back next to the origin,
// atomically renames it over the symlink, then removes the cache entry.
func restoreSymlinkedOrigin(originalPath, cachedPath string, undo *undoLog) error {
	tmp := tempName(originalPath)
	if _, err := copyFile(cachedPath, tmp); err != nil {
		_ = removeIfExists(tmp)
		return wrapFilesystem(err, originalPath)
	}
	undo.push(func() error { return removeIfExists(tmp) })

	if err := os.Rename(tmp, originalPath); err != nil {
		return cache.NewError(cache.ErrFilesystem,
			"failed to restore origin payload: "+err.Error(), originalPath)
	}
	// Origin is whole again; removing the cache payload cannot be undone,
	// so it is the last step and not subject to rollback.
	undo.steps = undo.steps[:0]

	if err := removeIfExists(cachedPath); err != nil {
		return cache.NewError(cache.ErrFilesystem,
			"failed to remove cache entry: "+err.Error(), cachedPath)
	}
	return nil
}

// restorePayload moves a payload from the cache back over the origin
// symlink. Used when rolling back a symlink staging whose final rename
// already happened.
func restorePayload(cachedPath, originalPath string) error {
	tmp := tempName(originalPath)
	if _, err := copyFile(cachedPath, tmp); err != nil {
		_ = removeIfExists(tmp)
		return err
	}
	if err := os.Rename(tmp, originalPath); err != nil {
		return err
	}
	return removeIfExists(cachedPath)
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// wrapFilesystem coerces err into a filesystem domain error unless it
// already carries a domain code (integrity mismatches pass through).
func wrapFilesystem(err error, path string) error {
	if _, ok := cache.CodeOf(err); ok {
		return err
	}
	return cache.NewError(cache.ErrFilesystem, err.Error(), path)
}
