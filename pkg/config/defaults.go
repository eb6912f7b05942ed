package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - The HMAC key has no default; it must always be supplied
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyDatabaseDefaults(&cfg.Database)
	applyPathsDefaults(&cfg.Paths)
	applyRelocationDefaults(&cfg.Relocation)
	applyRateLimitDefaults(&cfg.RateLimit)
	applyIntegrityDefaults(&cfg.Integrity)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyDatabaseDefaults sets metadata store defaults.
func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.Path == "" {
		cfg.Path = "/var/lib/cachewarden/cachewarden.db"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 4
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.CheckoutTimeout == 0 {
		cfg.CheckoutTimeout = 5 * time.Second
	}
}

// applyPathsDefaults sets path boundary defaults.
//
// AllowedBases gets no default: an empty allow-list rejects everything,
// and validation insists on at least one entry so the operator states the
// boundary explicitly.
func applyPathsDefaults(cfg *PathsConfig) {
	if cfg.MaxPathLength == 0 {
		cfg.MaxPathLength = 4096
	}
	if cfg.MaxFilenameLength == 0 {
		cfg.MaxFilenameLength = 255
	}
	// MaxFileSizeBytes defaults to 0 (no cap)
}

// applyRelocationDefaults sets relocation defaults.
func applyRelocationDefaults(cfg *RelocationConfig) {
	if cfg.Method == "" {
		cfg.Method = "auto"
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 30 * time.Second
	}
}

// applyRateLimitDefaults sets quota defaults.
func applyRateLimitDefaults(cfg *RateLimitConfig) {
	if cfg.PerUserOps == 0 {
		cfg.PerUserOps = 100
	}
	if cfg.Window == 0 {
		cfg.Window = 60 * time.Second
	}
	// GlobalOpsPerSecond defaults to 0 (unlimited)
	// Burst of 0 lets the limiter derive its own default
}

// applyIntegrityDefaults sets integrity checker defaults.
//
// HMACKey deliberately has no default: shipping a well-known key would
// make every checksum forgeable.
func applyIntegrityDefaults(cfg *IntegrityConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.StalePendingAfter == 0 {
		cfg.StalePendingAfter = time.Hour
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
//
// The returned config is not valid as-is: the HMAC key and allowed bases
// must still be filled in by the caller.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
