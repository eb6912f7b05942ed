package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete cachewarden configuration.
//
// This structure captures all configurable aspects of the daemon including:
//   - Logging configuration
//   - Metadata database settings
//   - Path validation boundaries and root mapping
//   - Relocation behavior
//   - Rate limiting quotas
//   - Integrity verification
//   - Metrics exposure
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (CACHEWARDEN_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Database configures the metadata store
	Database DatabaseConfig `mapstructure:"database"`

	// Paths configures validation boundaries and origin/cache mapping
	Paths PathsConfig `mapstructure:"paths"`

	// Relocation configures how files are moved into the cache
	Relocation RelocationConfig `mapstructure:"relocation"`

	// RateLimit configures per-identity and global operation quotas
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Integrity configures checksums and the background checker
	Integrity IntegrityConfig `mapstructure:"integrity"`

	// Metrics controls Prometheus metrics exposure
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// DatabaseConfig configures the SQLite metadata store.
type DatabaseConfig struct {
	// Path is the SQLite database file location
	Path string `mapstructure:"path" validate:"required"`

	// MaxConnections caps the connection pool size
	MaxConnections int `mapstructure:"max_connections" validate:"gt=0"`

	// BusyTimeout is how long SQLite waits on a locked database
	BusyTimeout time.Duration `mapstructure:"busy_timeout" validate:"gt=0"`

	// CheckoutTimeout is how long a request waits for a pooled connection
	// before failing with a resource exhaustion error
	CheckoutTimeout time.Duration `mapstructure:"checkout_timeout" validate:"gt=0"`
}

// PathsConfig configures validation boundaries and the origin-to-cache
// path mapping.
type PathsConfig struct {
	// AllowedBases lists the directory subtrees operations may touch.
	// Any path outside every base is rejected.
	AllowedBases []string `mapstructure:"allowed_bases" validate:"required,min=1,dive,startswith=/"`

	// OriginRoot is the slow-storage subtree files are cached from
	OriginRoot string `mapstructure:"origin_root" validate:"required,startswith=/"`

	// CacheRoot is the fast-storage subtree files are relocated into
	CacheRoot string `mapstructure:"cache_root" validate:"required,startswith=/"`

	// MaxPathLength bounds the byte length of any accepted path
	MaxPathLength int `mapstructure:"max_path_length" validate:"gt=0"`

	// MaxFilenameLength bounds the byte length of any accepted filename
	MaxFilenameLength int `mapstructure:"max_filename_length" validate:"gt=0"`

	// MaxFileSizeBytes bounds the size of files accepted for relocation.
	// 0 disables the cap.
	MaxFileSizeBytes int64 `mapstructure:"max_file_size_bytes" validate:"gte=0"`
}

// RelocationConfig configures relocation behavior.
type RelocationConfig struct {
	// Method selects the relocation strategy
	// Valid values: auto, hardlink, symlink, copy, secure_copy.
	// auto prefers hardlinks and falls back to symlinks across filesystems.
	Method string `mapstructure:"method" validate:"required,oneof=auto hardlink symlink copy secure_copy"`

	// LockTimeout bounds how long a request waits for the per-path locks
	LockTimeout time.Duration `mapstructure:"lock_timeout" validate:"gt=0"`
}

// RateLimitConfig configures operation quotas.
type RateLimitConfig struct {
	// PerUserOps is the number of operations one identity may perform
	// within Window
	PerUserOps int `mapstructure:"per_user_ops" validate:"gt=0"`

	// Window is the sliding quota window
	Window time.Duration `mapstructure:"window" validate:"gt=0"`

	// GlobalOpsPerSecond caps total operation throughput across all
	// identities. 0 means unlimited.
	GlobalOpsPerSecond uint `mapstructure:"global_ops_per_second"`

	// Burst is the global limiter's burst allowance. 0 derives a default
	// from GlobalOpsPerSecond.
	Burst uint `mapstructure:"burst"`
}

// IntegrityConfig configures record checksums and the background checker.
type IntegrityConfig struct {
	// HMACKey is the secret used to sign record checksums.
	// Must be at least 16 bytes. No default is provided.
	HMACKey string `mapstructure:"hmac_key" validate:"required,min=16"`

	// Interval is how often the background checker runs
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`

	// StalePendingAfter is the age past which a PENDING record is
	// reported as a leftover from an interrupted relocation
	StalePendingAfter time.Duration `mapstructure:"stale_pending_after" validate:"gt=0"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	// Enabled turns on metrics collection
	Enabled bool `mapstructure:"enabled"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CACHEWARDEN_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the CACHEWARDEN_ prefix and underscores.
	// Example: CACHEWARDEN_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("CACHEWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable, defaults and env apply
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "cachewarden")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "cachewarden")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
