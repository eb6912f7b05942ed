// Package integrity provides HMAC-based tamper detection for cached-file
// records and periodic reconciliation of the metadata store against the
// filesystem.
//
// The checker reports; it never repairs. A mismatch between a record and
// reality (checksum drift, vanished payload, stale PENDING row left by a
// crash) is surfaced as a finding and a security event, and resolution is
// left to an operator or the external scheduler.
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/grinzolo/cachewarden/pkg/cache"
)

// MinKeyLength is the minimum accepted HMAC key length in bytes.
const MinKeyLength = 16

// Signer computes and verifies keyed checksums over the canonical fields
// of a cached-file record.
//
// The checksum covers the identity and physical-placement fields (id,
// paths, filename, method, size) but not the lifecycle metadata
// (state, timestamps): last_verified_at changes on every clean check and
// must not invalidate the signature.
//
// Thread Safety: Signer is immutable and safe for concurrent use.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer from the configured HMAC key.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("HMAC key must be at least %d bytes, got %d", MinKeyLength, len(key))
	}
	// Copy: the key often aliases a config buffer.
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}, nil
}

// RecordChecksum returns the hex HMAC-SHA256 over the canonical record
// fields.
func (s *Signer) RecordChecksum(rec *cache.CachedFileRecord) string {
	canonical := strings.Join([]string{
		rec.ID,
		rec.OriginalPath,
		rec.CachedPath,
		rec.Filename,
		string(rec.Method),
		strconv.FormatInt(rec.SizeBytes, 10),
	}, "\x00")

	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyRecord reports whether the stored checksum matches the recomputed
// one. Comparison is constant-time.
func (s *Signer) VerifyRecord(rec *cache.CachedFileRecord) bool {
	expected := s.RecordChecksum(rec)
	return hmac.Equal([]byte(expected), []byte(rec.Checksum))
}

// FileDigest returns the hex HMAC-SHA256 over a file's content. Used by the
// secure_copy strategy to compare source and copy without trusting sizes
// alone.
func (s *Signer) FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	mac := hmac.New(sha256.New, s.key)
	if _, err := io.Copy(mac, f); err != nil {
		return "", fmt.Errorf("failed to digest %s: %w", path, err)
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}
