package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// Allowed bases must be unique after cleaning
	seen := make(map[string]bool)
	for i, base := range cfg.Paths.AllowedBases {
		clean := filepath.Clean(base)
		if seen[clean] {
			return fmt.Errorf("paths.allowed_bases[%d]: duplicate base %q", i, base)
		}
		seen[clean] = true
	}

	origin := filepath.Clean(cfg.Paths.OriginRoot)
	cacheRoot := filepath.Clean(cfg.Paths.CacheRoot)

	// The roots must be disjoint; a cache inside the origin subtree would
	// make relocated files candidates for relocation again
	if origin == cacheRoot {
		return fmt.Errorf("paths: origin_root and cache_root must differ")
	}
	if isSubpath(origin, cacheRoot) {
		return fmt.Errorf("paths: cache_root %q is inside origin_root %q", cacheRoot, origin)
	}
	if isSubpath(cacheRoot, origin) {
		return fmt.Errorf("paths: origin_root %q is inside cache_root %q", origin, cacheRoot)
	}

	// Both roots must fall inside the allow-list, otherwise every
	// operation would be rejected at validation
	if !underAnyBase(origin, cfg.Paths.AllowedBases) {
		return fmt.Errorf("paths: origin_root %q is not under any allowed base", origin)
	}
	if !underAnyBase(cacheRoot, cfg.Paths.AllowedBases) {
		return fmt.Errorf("paths: cache_root %q is not under any allowed base", cacheRoot)
	}

	return nil
}

// isSubpath reports whether child is strictly inside parent.
func isSubpath(parent, child string) bool {
	if parent == "/" {
		return child != "/"
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// underAnyBase reports whether path equals or sits inside one of bases.
func underAnyBase(path string, bases []string) bool {
	for _, base := range bases {
		clean := filepath.Clean(base)
		if path == clean || isSubpath(clean, path) {
			return true
		}
	}
	return false
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
