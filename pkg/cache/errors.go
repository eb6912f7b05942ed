package cache

import "errors"

// Error represents a domain error from engine, repository, or relocation
// operations.
//
// These are business logic errors (path rejected, permission denied, quota
// exceeded, ...) as opposed to infrastructure errors (disk failure, driver
// error). Infrastructure errors are wrapped into ErrFilesystem or
// ErrResourceExhausted at the boundary so callers never see raw I/O errors.
type Error struct {
	// Code is the error category.
	Code ErrorCode

	// Message is a human-readable error description.
	Message string

	// Path is the filesystem path related to the error, if applicable.
	Path string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return e.Message + ": " + e.Path
	}
	return e.Message
}

// ErrorCode represents the category of a domain error.
//
// The categories mirror the failure taxonomy of the engine: the first four
// are detected before any filesystem mutation and are cheap to retry after
// correcting the cause; ErrFilesystem and ErrIntegrity always come with an
// automatic rollback to the last known-good state.
type ErrorCode int

const (
	// ErrValidation indicates a rejected path, filename, or size.
	ErrValidation ErrorCode = iota

	// ErrAuthorization indicates the caller's role lacks the required
	// permission. Checks fail closed: any lookup miss denies.
	ErrAuthorization

	// ErrRateLimited indicates the caller exceeded its request quota.
	ErrRateLimited

	// ErrConflict indicates the path is already locked by an in-flight
	// relocation or already cached under a different record.
	ErrConflict

	// ErrNotFound indicates no record exists for the requested path.
	ErrNotFound

	// ErrIntegrity indicates a checksum or content mismatch.
	ErrIntegrity

	// ErrResourceExhausted indicates pool exhaustion or a timed-out lock or
	// pool checkout.
	ErrResourceExhausted

	// ErrFilesystem indicates an I/O failure during relocation, always
	// accompanied by rollback of partial artifacts.
	ErrFilesystem
)

// String returns the canonical name of the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrValidation:
		return "validation"
	case ErrAuthorization:
		return "authorization"
	case ErrRateLimited:
		return "rate_limited"
	case ErrConflict:
		return "conflict"
	case ErrNotFound:
		return "not_found"
	case ErrIntegrity:
		return "integrity"
	case ErrResourceExhausted:
		return "resource_exhausted"
	case ErrFilesystem:
		return "filesystem"
	default:
		return "unknown"
	}
}

// NewError constructs a domain error with an optional related path.
func NewError(code ErrorCode, message, path string) *Error {
	return &Error{Code: code, Message: message, Path: path}
}

// CodeOf extracts the domain error code from err, unwrapping as needed.
// The second return is false when err carries no domain code.
func CodeOf(err error) (ErrorCode, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, true
	}
	return 0, false
}

// IsCode reports whether err carries the given domain error code.
func IsCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
