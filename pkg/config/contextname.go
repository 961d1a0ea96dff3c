package config

import (
	"strings"

	"github.com/aperture-cli/aperture/pkg/errs"
)

// ValidateContextName enforces the filesystem-safe character class for API
// context names. The name is used as a filename stem for both the spec copy
// and the cached binary, so path separators and traversal sequences are
// rejected outright.
func ValidateContextName(name string) error {
	if name == "" {
		return errs.New(errs.KindValidation, "context name must not be empty")
	}
	if strings.Contains(name, "/") || strings.Contains(name, "\\") {
		return errs.New(errs.KindValidation, "context name %q must not contain path separators", name)
	}
	if strings.Contains(name, "..") {
		return errs.New(errs.KindValidation, "context name %q must not contain '..'", name)
	}
	if strings.HasPrefix(name, ".") {
		return errs.New(errs.KindValidation, "context name %q must not start with '.'", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return errs.New(errs.KindValidation,
				"context name %q contains invalid character %q (allowed: alphanumerics, '-', '_', '.')", name, r)
		}
	}
	return nil
}
