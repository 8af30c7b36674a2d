package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fly-io/pgupgrade/pkg/errors"
)

var (
	containerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	versionPattern       = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._]*$`)
)

// Validator checks operator input before any side effect happens
type Validator struct {
	maxNameLength    int
	maxVersionLength int
}

// NewValidator creates a new input validator
func NewValidator(maxNameLength, maxVersionLength int) *Validator {
	return &Validator{
		maxNameLength:    maxNameLength,
		maxVersionLength: maxVersionLength,
	}
}

// DefaultValidator uses Docker's container name limits and short version tokens
func DefaultValidator() *Validator {
	return NewValidator(128, 32)
}

// ValidateContainerName checks a container identifier
func (v *Validator) ValidateContainerName(name string) error {
	if name == "" {
		return errors.New(errors.KindArgumentError, "container name is required")
	}
	if len(name) > v.maxNameLength {
		slog.Error("security_name_validation_failed", "name", name, "reason", "too_long")
		return errors.Newf(errors.KindArgumentError, "container name longer than %d characters", v.maxNameLength)
	}
	if !containerNamePattern.MatchString(name) {
		slog.Error("security_name_validation_failed", "name", name, "reason", "invalid_characters")
		return errors.Newf(errors.KindArgumentError, "invalid container name: %q", name)
	}
	return nil
}

// ValidateVersion checks an engine version token. Versions end up in file
// names and in the descriptor, so separators and whitespace are rejected.
func (v *Validator) ValidateVersion(version string) error {
	if version == "" {
		return errors.New(errors.KindArgumentError, "version is required")
	}
	if len(version) > v.maxVersionLength {
		return errors.Newf(errors.KindArgumentError, "version longer than %d characters", v.maxVersionLength)
	}
	if !versionPattern.MatchString(version) {
		slog.Error("security_version_validation_failed", "version", version)
		return errors.Newf(errors.KindArgumentError, "invalid version: %q", version)
	}
	return nil
}

// NormalizeDataDir strips trailing separators, keeping a lone "/" intact
func NormalizeDataDir(dir string) string {
	trimmed := strings.TrimRight(dir, "/")
	if trimmed == "" && dir != "" {
		return "/"
	}
	return trimmed
}

// ValidateDataDir checks the in-container data directory. Its contents are
// deleted during a reset, so it must be absolute, free of traversal and never the root.
func (v *Validator) ValidateDataDir(dir string) error {
	if dir == "" {
		return errors.New(errors.KindArgumentError, "data directory is required")
	}
	if !filepath.IsAbs(dir) {
		return errors.Newf(errors.KindArgumentError, "data directory must be absolute: %s", dir)
	}
	for _, part := range strings.Split(dir, "/") {
		if part == ".." {
			slog.Error("security_path_validation_failed", "path", dir, "reason", "path_traversal")
			return errors.Newf(errors.KindArgumentError, "path traversal detected: %s", dir)
		}
	}
	if filepath.Clean(dir) == "/" {
		return errors.New(errors.KindArgumentError, "data directory cannot be /")
	}
	return nil
}

// ValidatePath checks that a relative path (an object key, an artifact
// name) stays inside the directory it will be joined to
func (v *Validator) ValidatePath(rel string) error {
	if filepath.IsAbs(rel) {
		slog.Error("security_path_validation_failed", "path", rel, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", rel)
	}

	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		slog.Error("security_path_validation_failed", "path", rel, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", rel)
	}

	return nil
}
