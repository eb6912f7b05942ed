// Package cache defines the domain model for the cachewarden metadata store:
// cached-file records, their lifecycle states, relocation methods, and the
// append-only security-event record.
//
// These types are persistence-agnostic. The pkg/store package maps them to
// the SQLite schema; pkg/relocate drives their lifecycle transitions.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RelocationMethod identifies the physical strategy used to move a file's
// payload between origin and cache storage.
type RelocationMethod string

const (
	// MethodHardlink links the cache path to the same inode as the origin.
	// Only possible when origin and cache share a filesystem. The origin
	// keeps a link, so the consumer-visible path never disappears.
	MethodHardlink RelocationMethod = "hardlink"

	// MethodSymlink moves the payload to the cache and replaces the
	// consumer-visible path with a symlink to it. Used when hardlinks are
	// not possible (cross-filesystem) or when mount preservation requires a
	// stable consumer path after the payload moves.
	MethodSymlink RelocationMethod = "symlink"

	// MethodCopy duplicates the payload byte-for-byte with a post-copy size
	// comparison.
	MethodCopy RelocationMethod = "copy"

	// MethodSecureCopy duplicates the payload and additionally verifies the
	// copy with a keyed content digest before it is renamed into place.
	MethodSecureCopy RelocationMethod = "secure_copy"
)

// Valid reports whether m is one of the known relocation methods.
func (m RelocationMethod) Valid() bool {
	switch m {
	case MethodHardlink, MethodSymlink, MethodCopy, MethodSecureCopy:
		return true
	}
	return false
}

// RecordState is the lifecycle state of a CachedFileRecord.
//
// Transitions:
//
//	PENDING -> COMMITTED   physical operation and database write both succeeded
//	PENDING -> FAILED      any error; filesystem restored to pre-operation state
//	COMMITTED -> REMOVED   cache copy reclaimed (moved back or deleted)
//
// A row in a terminal state is immutable except for LastVerifiedAt.
type RecordState string

const (
	StatePending   RecordState = "PENDING"
	StateCommitted RecordState = "COMMITTED"
	StateFailed    RecordState = "FAILED"
	StateRemoved   RecordState = "REMOVED"
)

// Valid reports whether s is one of the known lifecycle states.
func (s RecordState) Valid() bool {
	switch s {
	case StatePending, StateCommitted, StateFailed, StateRemoved:
		return true
	}
	return false
}

// Terminal reports whether no further relocation work is in flight for a
// record in state s. PENDING is the only non-terminal state.
func (s RecordState) Terminal() bool {
	return s != StatePending && s.Valid()
}

// CachedFileRecord is one row per file known to the cache.
//
// Invariants (mirrored by schema CHECK constraints in pkg/store):
//   - OriginalPath != CachedPath, both absolute and allow-listed
//   - Method is one of the RelocationMethod constants
//   - SizeBytes >= 0
//   - at most one non-terminal record per OriginalPath
type CachedFileRecord struct {
	// ID is the stable, path-derived record identifier (see RecordID).
	ID string

	// OriginalPath is the consumer-visible path on the origin store.
	OriginalPath string

	// CachedPath is the path of the payload on the cache store.
	CachedPath string

	// Filename is the validated basename of the original path.
	Filename string

	// Method is the relocation strategy used (or planned, while PENDING).
	Method RelocationMethod

	// SizeBytes is the payload size observed at relocation time.
	SizeBytes int64

	// Checksum is the hex HMAC over the canonical record fields, computed
	// by pkg/integrity at commit time. Empty while PENDING.
	Checksum string

	// State is the lifecycle state.
	State RecordState

	// AddedBy is the user ID that requested the relocation.
	AddedBy string

	CreatedAt      time.Time
	LastVerifiedAt time.Time
}

// RecordID derives the stable record identifier for an original path.
//
// IDs are path-derived rather than random so the same file always maps to
// the same row: retries, idempotence checks, and reconciliation against the
// filesystem all key off the canonical original path.
func RecordID(originalPath string) string {
	sum := sha256.Sum256([]byte(originalPath))
	return hex.EncodeToString(sum[:])
}

// SecurityEvent is one append-only audit record. Events are never updated
// or deleted by normal operation; retention and rotation are external
// concerns.
type SecurityEvent struct {
	ID        string
	EventType string
	UserID    string
	Resource  string
	Action    string
	Success   bool
	Details   string
	Timestamp time.Time
}

// Security-event types emitted by the engine. The set is open-ended on the
// read side: filters match by string, not by enum.
const (
	EventRelocationCommitted = "relocation_committed"
	EventRelocationFailed    = "relocation_failed"
	EventReleaseCommitted    = "release_committed"
	EventReleaseFailed       = "release_failed"
	EventAuthzDenied         = "authorization_denied"
	EventRateLimited         = "rate_limited"
	EventValidationRejected  = "validation_rejected"
	EventIntegrityMismatch   = "integrity_mismatch"
)

// EventFilter selects security events for retrieval. Zero-value fields
// match everything; Limit == 0 applies the repository default.
type EventFilter struct {
	EventType string
	UserID    string
	Since     time.Time
	Limit     int
}

// Stats aggregates record counts and payload bytes by lifecycle state.
// This is the Public-readable listing surface.
type Stats struct {
	RecordsByState map[RecordState]int64
	BytesCommitted int64
}
