package pathval

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// ExistenceOracle answers filesystem questions on behalf of the validator
// and the relocation engine.
//
// Business logic never probes the filesystem directly for existence or
// symlink resolution; it asks the oracle. Tests substitute a fake so path
// validation stays exhaustively testable without touching a real disk, and
// deployments with absent media mounts can be modelled explicitly instead
// of being special-cased inside validators.
type ExistenceOracle interface {
	// Exists reports whether path refers to an existing file or directory.
	Exists(path string) bool

	// Resolve returns the canonical absolute form of path with all symlinks
	// resolved. The path itself does not need to exist: the deepest existing
	// ancestor is resolved and the remaining components are appended
	// lexically.
	Resolve(path string) (string, error)
}

// OSOracle is the production ExistenceOracle backed by the real filesystem.
type OSOracle struct{}

// Exists implements ExistenceOracle.
func (OSOracle) Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Resolve implements ExistenceOracle.
//
// filepath.EvalSymlinks fails on non-existent paths, so resolution walks up
// to the deepest existing ancestor, resolves that, and re-appends the
// missing suffix. The suffix is safe to append lexically because the
// validator rejects traversal sequences before calling Resolve.
func (OSOracle) Resolve(path string) (string, error) {
	path = filepath.Clean(path)

	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	// Walk up until an existing ancestor resolves.
	var suffix string
	for dir := path; ; {
		parent, base := filepath.Dir(dir), filepath.Base(dir)
		suffix = filepath.Join(base, suffix)

		resolved, err = filepath.EvalSymlinks(parent)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if parent == dir {
			return "", err
		}
		dir = parent
	}
}
