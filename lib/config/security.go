package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// SecureFilePermissions for files containing sensitive data (e.g., keys)
const SecureFilePermissions = 0o600

// SecureDirPermissions for directories containing sensitive files
const SecureDirPermissions = 0o700

// SanitizePath cleans and validates a path to prevent directory traversal.
// Relative paths are joined to basePath; absolute paths are accepted as is
// only when they stay inside basePath.
func SanitizePath(basePath, userPath string) (string, error) {
	if basePath == "" {
		return "", oops.Errorf("base path cannot be empty")
	}
	cleanBase, err := filepath.Abs(filepath.Clean(basePath))
	if err != nil {
		return "", oops.Wrapf(err, "invalid base path")
	}
	if userPath == "" {
		return cleanBase, nil
	}

	resolved := filepath.Clean(userPath)
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(cleanBase, resolved)
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return "", oops.Wrapf(err, "invalid path")
	}

	if resolved != cleanBase && !strings.HasPrefix(resolved, cleanBase+string(filepath.Separator)) {
		log.WithFields(logger.Fields{
			"at":            "SanitizePath",
			"reason":        "path_traversal_attempt",
			"base_path":     cleanBase,
			"resolved_path": resolved,
		}).Warn("potential path traversal blocked")
		return "", oops.Wrapf(ErrInvalidConfig, "path %q escapes base directory %q", userPath, basePath)
	}
	return resolved, nil
}

// ValidateConfigPath resolves a configured path. Relative paths live under
// the base directory; absolute paths are taken as given.
func ValidateConfigPath(userPath string) (string, error) {
	if filepath.IsAbs(userPath) {
		return filepath.Clean(userPath), nil
	}
	return SanitizePath(BuildOvernetDirPath(), userPath)
}

// CreateSecureDirectory creates a directory with secure permissions.
func CreateSecureDirectory(path string) error {
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(cleanPath, SecureDirPermissions); err != nil {
		return oops.Wrapf(err, "failed to create secure directory %q", cleanPath)
	}

	// MkdirAll keeps the mode of an existing directory.
	if err := os.Chmod(cleanPath, SecureDirPermissions); err != nil {
		log.WithFields(logger.Fields{
			"at":     "CreateSecureDirectory",
			"reason": "chmod_failed",
			"path":   cleanPath,
			"error":  err.Error(),
		}).Warn("could not set secure permissions on directory")
	}

	log.WithFields(logger.Fields{
		"at":   "CreateSecureDirectory",
		"path": cleanPath,
		"mode": fmt.Sprintf("%04o", SecureDirPermissions),
	}).Debug("created secure directory")
	return nil
}

// IsPathSecure reports whether path has no permission bits beyond maxMode.
// Missing paths count as secure.
func IsPathSecure(path string, maxMode os.FileMode) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return info.Mode().Perm()&^maxMode == 0, nil
}

// CheckDefaultPasswordWarning logs a warning if the control password is
// still the default.
func CheckDefaultPasswordWarning(password string) {
	if password == DefaultControlPassword {
		log.WithFields(logger.Fields{
			"at":     "CheckDefaultPasswordWarning",
			"reason": "default_password_in_use",
		}).Warn("control server is using the default password - change control.password")
	}
}
