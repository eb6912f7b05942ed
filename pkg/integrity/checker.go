package integrity

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grinzolo/cachewarden/internal/logger"
	"github.com/grinzolo/cachewarden/pkg/audit"
	"github.com/grinzolo/cachewarden/pkg/authz"
	"github.com/grinzolo/cachewarden/pkg/cache"
	"github.com/grinzolo/cachewarden/pkg/metrics"
	"github.com/grinzolo/cachewarden/pkg/pathval"
	"github.com/grinzolo/cachewarden/pkg/store"
)

// Issue categorizes one integrity finding.
type Issue string

const (
	// IssueChecksumMismatch: the stored HMAC does not match the recomputed
	// one; the row was tampered with or corrupted.
	IssueChecksumMismatch Issue = "checksum_mismatch"

	// IssueCachedPathMissing: a COMMITTED record whose cache payload is
	// gone from the filesystem.
	IssueCachedPathMissing Issue = "cached_path_missing"

	// IssueOriginalPathMissing: a COMMITTED record whose consumer-visible
	// path is gone; the consumer-visible tree has been broken.
	IssueOriginalPathMissing Issue = "original_path_missing"

	// IssueSizeDrift: the cached payload's on-disk size no longer matches
	// the recorded size; the payload was modified behind the store's back.
	IssueSizeDrift Issue = "size_drift"

	// IssueStalePending: a PENDING record older than the configured
	// threshold. The typical cause is a crash between the physical rename
	// and the database commit; the record must not be trusted as cached.
	IssueStalePending Issue = "stale_pending"
)

// Finding is one inconsistency discovered during a verification run.
type Finding struct {
	RecordID     string
	OriginalPath string
	CachedPath   string
	Issue        Issue
	Detail       string
}

// Report summarizes one verification run.
type Report struct {
	StartedAt time.Time
	Duration  time.Duration
	Checked   int
	Verified  int
	Findings  []Finding
}

// Config controls the background checker.
type Config struct {
	// Interval is how often the background runner verifies (default 6h).
	Interval time.Duration

	// StalePendingAfter is the age beyond which a PENDING record counts as
	// abandoned (default 1h).
	StalePendingAfter time.Duration
}

// Checker recomputes record checksums and reconciles records against the
// filesystem.
//
// It runs independently of request handling and holds no path locks: it
// observes and reports, so racing with an in-flight relocation at worst
// produces a finding for a record the relocation is about to finalize.
// PENDING records younger than StalePendingAfter are skipped for exactly
// that reason.
//
// Thread Safety: safe for concurrent use; Start/Stop manage one background
// goroutine.
type Checker struct {
	repo    *store.Repository
	signer  *Signer
	oracle  pathval.ExistenceOracle
	audit   *audit.Logger
	metrics *metrics.RelocationMetrics
	cfg     Config

	// system is the identity the checker acts under. Verification reads
	// every record and bumps last_verified_at, which requires Admin.
	system authz.UserContext

	stopCh chan struct{}
	doneCh chan struct{}

	now func() time.Time
}

// NewChecker creates a Checker. oracle may be nil for the OS filesystem;
// metricsCollector may be nil when metrics are disabled.
func NewChecker(repo *store.Repository, signer *Signer, oracle pathval.ExistenceOracle, auditLog *audit.Logger, metricsCollector *metrics.RelocationMetrics, cfg Config) *Checker {
	if oracle == nil {
		oracle = pathval.OSOracle{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.StalePendingAfter <= 0 {
		cfg.StalePendingAfter = time.Hour
	}
	return &Checker{
		repo:    repo,
		signer:  signer,
		oracle:  oracle,
		audit:   auditLog,
		metrics: metricsCollector,
		cfg:     cfg,
		system: authz.UserContext{UserID: "integrity-checker", Role: authz.RoleAdmin},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start begins periodic background verification. Call Stop to end it.
func (c *Checker) Start() {
	logger.Info("Starting integrity checker: interval=%s stale_pending_after=%s",
		c.cfg.Interval, c.cfg.StalePendingAfter)
	go c.worker()
}

// Stop signals the background worker and waits for it to finish, bounded
// by ctx.
func (c *Checker) Stop(ctx context.Context) error {
	close(c.stopCh)
	select {
	case <-c.doneCh:
		logger.Info("Integrity checker stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Integrity checker shutdown timeout")
		return ctx.Err()
	}
}

// worker runs periodic verification until stopped.
func (c *Checker) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			report, err := c.RunOnce(ctx)
			cancel()
			if err != nil {
				logger.Error("Integrity verification failed: %v", err)
				continue
			}
			logger.Info("Integrity verification: checked=%d verified=%d findings=%d (%s)",
				report.Checked, report.Verified, len(report.Findings), report.Duration)
		case <-c.stopCh:
			return
		}
	}
}

// RunOnce verifies every record and returns the report.
//
// For each record it checks, as applicable to the record's state:
//   - stored checksum vs. recomputed HMAC (terminal COMMITTED rows)
//   - existence of the cached payload and of the consumer-visible path
//   - on-disk size of the cached payload vs. the recorded size
//   - PENDING rows older than the stale threshold
//
// Consistent COMMITTED records get last_verified_at bumped. Mismatches are
// reported and audited, never silently repaired.
func (c *Checker) RunOnce(ctx context.Context) (*Report, error) {
	started := c.now()

	records, err := c.repo.ListAll(ctx, c.system)
	if err != nil {
		return nil, fmt.Errorf("failed to list records for verification: %w", err)
	}

	report := &Report{StartedAt: started}
	for i := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec := &records[i]
		report.Checked++

		findings := c.checkRecord(rec)
		if len(findings) == 0 {
			if rec.State == cache.StateCommitted {
				if err := c.repo.UpdateLastVerified(ctx, c.system, rec.ID, c.now()); err != nil {
					logger.Warn("Failed to update verification time for %s: %v", rec.ID, err)
				}
			}
			report.Verified++
			continue
		}

		report.Findings = append(report.Findings, findings...)
		for _, f := range findings {
			c.metrics.ObserveIntegrityFinding()
			logger.Warn("Integrity finding: record=%s issue=%s detail=%s",
				f.RecordID, f.Issue, f.Detail)
			if c.audit != nil {
				c.audit.Denied(ctx, cache.EventIntegrityMismatch,
					c.system.UserID, f.OriginalPath, string(f.Issue), f.Detail)
			}
		}
	}

	report.Duration = c.now().Sub(started)
	return report, nil
}

// checkRecord evaluates one record and returns its findings.
func (c *Checker) checkRecord(rec *cache.CachedFileRecord) []Finding {
	var findings []Finding

	add := func(issue Issue, detail string) {
		findings = append(findings, Finding{
			RecordID:     rec.ID,
			OriginalPath: rec.OriginalPath,
			CachedPath:   rec.CachedPath,
			Issue:        issue,
			Detail:       detail,
		})
	}

	switch rec.State {
	case cache.StatePending:
		age := c.now().Sub(rec.CreatedAt)
		if age > c.cfg.StalePendingAfter {
			add(IssueStalePending, fmt.Sprintf("pending for %s", age.Round(time.Second)))
		}

	case cache.StateCommitted:
		if !c.signer.VerifyRecord(rec) {
			add(IssueChecksumMismatch, "stored checksum does not match recomputed value")
		}
		if !c.oracle.Exists(rec.CachedPath) {
			add(IssueCachedPathMissing, "cache payload not found on filesystem")
		} else if info, err := os.Stat(rec.CachedPath); err == nil && info.Size() != rec.SizeBytes {
			add(IssueSizeDrift, fmt.Sprintf("recorded %d bytes, found %d", rec.SizeBytes, info.Size()))
		}
		if !c.oracle.Exists(rec.OriginalPath) {
			add(IssueOriginalPathMissing, "consumer-visible path not found on filesystem")
		}
	}

	// FAILED and REMOVED rows carry no filesystem expectations.
	return findings
}
