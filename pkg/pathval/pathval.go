// Package pathval normalizes and authorizes filesystem paths against an
// allow-list of base directories.
//
// Validation happens in two independent stages, both free of side effects
// given an ExistenceOracle:
//
//  1. Lexical screening: traversal sequences (including percent-encoded
//     variants), NUL bytes, relative paths, and overlong inputs are rejected
//     before anything touches the filesystem.
//  2. Canonical containment: the path is canonicalized with symlinks
//     resolved, then checked for containment under at least one allow-listed
//     base. Resolving symlinks before the containment check prevents
//     symlink-based escapes; the relocation engine is still free to create
//     symlinks as an output artifact.
//
// ValidatePathKeepLeaf additionally offers a leaf-lexical canonical form for
// callers whose identity for a file must survive the engine replacing it
// with a symlink. The fully resolved form is containment-checked either way.
//
// Filenames are validated separately against an explicit character set.
package pathval

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/grinzolo/cachewarden/pkg/cache"
)

// DefaultMaxPathLength bounds accepted raw path lengths.
const DefaultMaxPathLength = 4096

// DefaultMaxFilenameLength bounds accepted basename lengths.
const DefaultMaxFilenameLength = 255

// traversalPatterns are rejected anywhere in the raw input, before
// canonicalization. Percent-encoded forms are matched case-insensitively
// against the lowercased input.
var traversalPatterns = []string{
	"../",
	"..\\",
	"%2e%2e%2f",
	"%2e%2e/",
	"..%2f",
	"%2e%2e%5c",
	"..%5c",
	"%252e%252e",
}

// Validator authorizes paths against a fixed allow-list.
//
// The allow-list is canonicalized once at construction; every accepted path
// is guaranteed to canonicalize under one of its entries.
//
// Thread Safety: Validator is immutable after construction and safe for
// concurrent use.
type Validator struct {
	allowedBases []string
	maxPathLen   int
	maxNameLen   int
	oracle       ExistenceOracle
}

// Option tunes validator construction.
type Option func(*Validator)

// WithMaxPathLength overrides the maximum accepted raw path length.
func WithMaxPathLength(n int) Option {
	return func(v *Validator) { v.maxPathLen = n }
}

// WithMaxFilenameLength overrides the maximum accepted basename length.
func WithMaxFilenameLength(n int) Option {
	return func(v *Validator) { v.maxNameLen = n }
}

// NewValidator builds a Validator over the given allow-listed base
// directories, canonicalizing each base through the oracle.
//
// Returns an error if no base is given or a base fails to canonicalize.
func NewValidator(allowedBases []string, oracle ExistenceOracle, opts ...Option) (*Validator, error) {
	if len(allowedBases) == 0 {
		return nil, fmt.Errorf("at least one allowed base path is required")
	}
	if oracle == nil {
		oracle = OSOracle{}
	}

	v := &Validator{
		maxPathLen: DefaultMaxPathLength,
		maxNameLen: DefaultMaxFilenameLength,
		oracle:     oracle,
	}
	for _, opt := range opts {
		opt(v)
	}

	for _, base := range allowedBases {
		if !filepath.IsAbs(base) {
			return nil, fmt.Errorf("allowed base must be absolute: %q", base)
		}
		resolved, err := oracle.Resolve(base)
		if err != nil {
			return nil, fmt.Errorf("failed to canonicalize allowed base %q: %w", base, err)
		}
		v.allowedBases = append(v.allowedBases, resolved)
	}

	return v, nil
}

// AllowedBases returns the canonicalized allow-list.
func (v *Validator) AllowedBases() []string {
	bases := make([]string, len(v.allowedBases))
	copy(bases, v.allowedBases)
	return bases
}

// ValidatePath screens, canonicalizes, and authorizes a raw path.
//
// Returns the canonical path on success, or a validation error when the
// input contains traversal sequences, NUL bytes, is relative or overlong,
// or when its canonical form escapes every allow-listed base.
//
// The lexical checks run before any oracle call, so traversal-pattern
// inputs are rejected without a single filesystem access.
func (v *Validator) ValidatePath(raw string) (string, error) {
	if err := v.screen(raw); err != nil {
		return "", err
	}

	canonical, err := v.oracle.Resolve(raw)
	if err != nil {
		return "", cache.NewError(cache.ErrValidation, "path cannot be canonicalized", raw)
	}
	if !v.allowed(canonical) {
		return "", cache.NewError(cache.ErrValidation, "path escapes allowed base directories", raw)
	}
	return canonical, nil
}

// ValidatePathKeepLeaf screens and authorizes raw like ValidatePath, but the
// returned form keeps the final component unresolved: symlinks in the
// directory chain are canonicalized, a symlink at the leaf is not followed.
//
// The relocation engine replaces cached origin files with symlinks into the
// cache tree; following such a leaf would canonicalize the consumer-visible
// path to its cache destination and change the record identity between the
// cache request and the later release. The fully resolved form must still
// lie under an allowed base, so a leaf symlink cannot smuggle in an
// out-of-tree target.
func (v *Validator) ValidatePathKeepLeaf(raw string) (string, error) {
	if err := v.screen(raw); err != nil {
		return "", err
	}

	resolved, err := v.oracle.Resolve(raw)
	if err != nil {
		return "", cache.NewError(cache.ErrValidation, "path cannot be canonicalized", raw)
	}
	if !v.allowed(resolved) {
		return "", cache.NewError(cache.ErrValidation, "path escapes allowed base directories", raw)
	}

	cleaned := filepath.Clean(raw)
	parent, err := v.oracle.Resolve(filepath.Dir(cleaned))
	if err != nil {
		return "", cache.NewError(cache.ErrValidation, "path cannot be canonicalized", raw)
	}
	canonical := filepath.Join(parent, filepath.Base(cleaned))
	if !v.allowed(canonical) {
		return "", cache.NewError(cache.ErrValidation, "path escapes allowed base directories", raw)
	}
	return canonical, nil
}

// screen runs the purely lexical rejections shared by both validation
// entry points.
func (v *Validator) screen(raw string) error {
	if raw == "" {
		return cache.NewError(cache.ErrValidation, "empty path", "")
	}
	if len(raw) > v.maxPathLen {
		return cache.NewError(cache.ErrValidation,
			fmt.Sprintf("path exceeds maximum length %d", v.maxPathLen), "")
	}
	if strings.ContainsRune(raw, 0) {
		return cache.NewError(cache.ErrValidation, "path contains NUL byte", "")
	}
	if !filepath.IsAbs(raw) {
		return cache.NewError(cache.ErrValidation, "path must be absolute", raw)
	}

	lowered := strings.ToLower(raw)
	for _, pattern := range traversalPatterns {
		if strings.Contains(lowered, pattern) {
			return cache.NewError(cache.ErrValidation, "path contains traversal sequence", raw)
		}
	}
	// A bare ".." component (no trailing separator) escapes too.
	for _, component := range strings.FieldsFunc(raw, isPathSeparator) {
		if component == ".." {
			return cache.NewError(cache.ErrValidation, "path contains traversal sequence", raw)
		}
	}
	return nil
}

// allowed reports whether the canonical path lies under any allow-listed
// base.
func (v *Validator) allowed(canonical string) bool {
	for _, base := range v.allowedBases {
		if containedIn(canonical, base) {
			return true
		}
	}
	return false
}

// ValidateFilename validates a basename against the safe character set
// (letters, digits, space, and ._-() ) and the maximum length bound.
func (v *Validator) ValidateFilename(name string) error {
	if name == "" {
		return cache.NewError(cache.ErrValidation, "empty filename", "")
	}
	if len(name) > v.maxNameLen {
		return cache.NewError(cache.ErrValidation,
			fmt.Sprintf("filename exceeds maximum length %d", v.maxNameLen), name)
	}
	if name == "." || name == ".." {
		return cache.NewError(cache.ErrValidation, "filename is a directory reference", name)
	}
	for _, r := range name {
		if !safeFilenameRune(r) {
			return cache.NewError(cache.ErrValidation,
				fmt.Sprintf("filename contains unsafe character %q", r), name)
		}
	}
	return nil
}

// safeFilenameRune reports whether r belongs to the explicit filename
// charset: ASCII letters, digits, space, dot, underscore, hyphen,
// parentheses, apostrophe, and comma. Media filenames commonly carry
// "Title (2019).mkv" shapes, hence the parentheses.
func safeFilenameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	}
	switch r {
	case ' ', '.', '_', '-', '(', ')', '\'', ',':
		return true
	}
	return false
}

func isPathSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

// containedIn reports whether path lies under base (or is base itself).
// Both inputs must already be canonical.
func containedIn(path, base string) bool {
	if path == base {
		return true
	}
	if base == string(filepath.Separator) {
		return filepath.IsAbs(path)
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}
