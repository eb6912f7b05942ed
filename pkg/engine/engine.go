// Package engine exposes the narrow operation surface of cachewarden to
// its callers (scheduler, dashboard): request a relocation or a release,
// query status, verify integrity, read security events, and execute a
// caching plan handed over by the media-catalog client.
//
// Every operation returns a typed result or a typed domain error: raw
// driver or I/O errors never cross this boundary. Each request is gated in
// order: authorization, rate limit, path validation; only then does any
// database or filesystem work happen.
package engine

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/grinzolo/cachewarden/internal/ratelimiter"
	"github.com/grinzolo/cachewarden/pkg/audit"
	"github.com/grinzolo/cachewarden/pkg/authz"
	"github.com/grinzolo/cachewarden/pkg/cache"
	"github.com/grinzolo/cachewarden/pkg/integrity"
	"github.com/grinzolo/cachewarden/pkg/metrics"
	"github.com/grinzolo/cachewarden/pkg/pathval"
	"github.com/grinzolo/cachewarden/pkg/relocate"
	"github.com/grinzolo/cachewarden/pkg/store"
)

// Config carries the path-mapping roots for the engine.
type Config struct {
	// OriginRoot is the subtree of slow origin storage the engine manages.
	OriginRoot string

	// CacheRoot is the fast cache subtree; a file's cache destination is
	// CacheRoot joined with its path relative to OriginRoot.
	CacheRoot string
}

// Engine wires the validator, repository, relocator, audit logger, and
// integrity checker behind the public operation surface.
//
// Thread Safety: safe for unbounded caller concurrency; conflicting
// operations serialize on the relocator's per-path locks.
type Engine struct {
	cfg       Config
	validator *pathval.Validator
	repo      *store.Repository
	relocator *relocate.Relocator
	checker   *integrity.Checker
	audit     *audit.Logger
	global    *ratelimiter.Bucket
	metrics   *metrics.RelocationMetrics
}

// New assembles an Engine. global may be nil to disable the global
// throughput cap; metricsCollector may be nil when metrics are disabled.
func New(
	cfg Config,
	validator *pathval.Validator,
	repo *store.Repository,
	relocator *relocate.Relocator,
	checker *integrity.Checker,
	auditLog *audit.Logger,
	global *ratelimiter.Bucket,
	metricsCollector *metrics.RelocationMetrics,
) *Engine {
	return &Engine{
		cfg:       cfg,
		validator: validator,
		repo:      repo,
		relocator: relocator,
		checker:   checker,
		audit:     auditLog,
		global:    global,
		metrics:   metricsCollector,
	}
}

// gate runs the pre-flight checks shared by every operation: permission,
// global cap, and per-identity quota. Rejections are audited here, so the
// callers only audit their own outcomes.
func (e *Engine) gate(ctx context.Context, user authz.UserContext, perm authz.Permission, resource, action string) error {
	if err := authz.Check(user, perm); err != nil {
		e.metrics.ObserveAuthzDenied()
		e.audit.Denied(ctx, cache.EventAuthzDenied, user.UserID, resource, action, err.Error())
		return err
	}
	if e.global != nil && !e.global.Allow() {
		return cache.NewError(cache.ErrResourceExhausted, "global operation cap reached", "")
	}
	if err := e.repo.Throttle(user); err != nil {
		e.metrics.ObserveRateLimited()
		e.audit.Denied(ctx, cache.EventRateLimited, user.UserID, resource, action, err.Error())
		return err
	}
	return nil
}

// validate canonicalizes rawPath and checks its filename, auditing
// rejections.
//
// The leaf-lexical form is used deliberately: a cached origin path is a
// symlink into the cache tree, and following it would make the path identify
// its own cache destination, breaking release and repeat-cache lookups.
func (e *Engine) validate(ctx context.Context, user authz.UserContext, rawPath, action string) (string, error) {
	canonical, err := e.validator.ValidatePathKeepLeaf(rawPath)
	if err != nil {
		e.metrics.ObserveValidationRejected()
		e.audit.Denied(ctx, cache.EventValidationRejected, user.UserID, rawPath, action, err.Error())
		return "", err
	}
	if err := e.validator.ValidateFilename(filepath.Base(canonical)); err != nil {
		e.metrics.ObserveValidationRejected()
		e.audit.Denied(ctx, cache.EventValidationRejected, user.UserID, rawPath, action, err.Error())
		return "", err
	}
	return canonical, nil
}

// cachePathFor maps a canonical origin path to its cache destination.
func (e *Engine) cachePathFor(canonical string) (string, error) {
	rel, err := filepath.Rel(e.cfg.OriginRoot, canonical)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", cache.NewError(cache.ErrValidation,
			"path is not under the origin root", canonical)
	}
	return filepath.Join(e.cfg.CacheRoot, rel), nil
}

// RequestCache relocates the file at rawPath into the cache and returns
// the committed record. Requires Write permission.
//
// Requesting an already-cached path with identical parameters succeeds
// idempotently with the existing record.
func (e *Engine) RequestCache(ctx context.Context, rawPath string, user authz.UserContext) (*cache.CachedFileRecord, error) {
	if err := e.gate(ctx, user, authz.PermWrite, rawPath, "cache"); err != nil {
		return nil, err
	}
	canonical, err := e.validate(ctx, user, rawPath, "cache")
	if err != nil {
		return nil, err
	}
	cachedPath, err := e.cachePathFor(canonical)
	if err != nil {
		e.metrics.ObserveValidationRejected()
		e.audit.Denied(ctx, cache.EventValidationRejected, user.UserID, rawPath, "cache", err.Error())
		return nil, err
	}
	return e.relocator.Cache(ctx, user, canonical, cachedPath)
}

// RequestRelease reverses a committed relocation for rawPath, restoring
// the origin payload and reclaiming the cache entry. Requires Delete
// permission.
func (e *Engine) RequestRelease(ctx context.Context, rawPath string, user authz.UserContext) error {
	if err := e.gate(ctx, user, authz.PermDelete, rawPath, "release"); err != nil {
		return err
	}
	canonical, err := e.validate(ctx, user, rawPath, "release")
	if err != nil {
		return err
	}
	return e.relocator.Release(ctx, user, canonical)
}

// GetStatus returns the record for rawPath, or every record when rawPath
// is empty. Requires Read permission.
func (e *Engine) GetStatus(ctx context.Context, rawPath string, user authz.UserContext) ([]cache.CachedFileRecord, error) {
	if err := e.gate(ctx, user, authz.PermRead, rawPath, "status"); err != nil {
		return nil, err
	}

	if rawPath == "" {
		return e.repo.ListAll(ctx, user)
	}

	canonical, err := e.validate(ctx, user, rawPath, "status")
	if err != nil {
		return nil, err
	}
	rec, err := e.repo.FindByOriginalPath(ctx, user, canonical)
	if err != nil {
		return nil, err
	}
	return []cache.CachedFileRecord{*rec}, nil
}

// GetStats returns aggregate record counts and committed bytes. This is
// the statistics surface available to the Public role.
func (e *Engine) GetStats(ctx context.Context, user authz.UserContext) (*cache.Stats, error) {
	if err := e.gate(ctx, user, authz.PermRead, "", "stats"); err != nil {
		return nil, err
	}
	return e.repo.Stats(ctx, user)
}

// VerifyIntegrity runs one verification pass over every record and returns
// the report. Requires Admin permission.
func (e *Engine) VerifyIntegrity(ctx context.Context, user authz.UserContext) (*integrity.Report, error) {
	if err := e.gate(ctx, user, authz.PermAdmin, "", "verify_integrity"); err != nil {
		return nil, err
	}
	return e.checker.RunOnce(ctx)
}

// GetSecurityEvents returns audit records matching the filter, newest
// first. Requires Admin permission.
func (e *Engine) GetSecurityEvents(ctx context.Context, filter cache.EventFilter, user authz.UserContext) ([]cache.SecurityEvent, error) {
	if err := e.gate(ctx, user, authz.PermAdmin, "", "security_events"); err != nil {
		return nil, err
	}
	return e.repo.ListEvents(ctx, user, filter)
}
