// Package authz maps caller identities to roles and permission sets.
//
// The role table is explicit and small, and the permission check is a pure
// total function of (role, permission). No role inherits dynamically, no
// lookup consults external state, and every miss denies. This keeps the
// authorization decision exhaustively testable and free of ambiguity.
package authz

import (
	"github.com/grinzolo/cachewarden/pkg/cache"
)

// Permission is a bit in the effective permission set of a role.
type Permission uint8

const (
	// PermRead allows status queries, listings, and statistics.
	PermRead Permission = 1 << iota

	// PermWrite allows requesting relocations and writing records.
	PermWrite

	// PermDelete allows releasing cached files and removing records.
	PermDelete

	// PermAdmin allows audit-log reads, integrity verification, and
	// orphan cleanup.
	PermAdmin
)

// String returns the canonical name of a single permission bit.
func (p Permission) String() string {
	switch p {
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	case PermDelete:
		return "delete"
	case PermAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Role is the closed set of caller roles.
type Role string

const (
	// RoleAdmin holds all permissions.
	RoleAdmin Role = "admin"

	// RoleUser may read and write, but not delete records or administer.
	RoleUser Role = "user"

	// RolePublic may only read (statistics and listings).
	RolePublic Role = "public"
)

// Permissions returns the fixed permission set of a role.
//
// Unknown roles map to the empty set, so callers holding a malformed role
// fail closed on every check.
func (r Role) Permissions() Permission {
	switch r {
	case RoleAdmin:
		return PermRead | PermWrite | PermDelete | PermAdmin
	case RoleUser:
		return PermRead | PermWrite
	case RolePublic:
		return PermRead
	default:
		return 0
	}
}

// UserContext is the caller identity for one request.
//
// It is constructed per call from an external authentication source and is
// never persisted as mutable state inside a request.
type UserContext struct {
	// UserID identifies the caller for rate limiting and audit records.
	UserID string

	// Role determines the effective permission set.
	Role Role
}

// Allowed reports whether the role of u grants every bit in perm.
func (u UserContext) Allowed(perm Permission) bool {
	return u.Role.Permissions()&perm == perm
}

// Check returns an authorization error unless the role of u grants every
// bit in perm. This is the first step of every public entry point of the
// repository and the relocator.
func Check(u UserContext, perm Permission) error {
	if !u.Allowed(perm) {
		return cache.NewError(
			cache.ErrAuthorization,
			"role "+string(u.Role)+" lacks "+perm.String()+" permission",
			"",
		)
	}
	return nil
}
