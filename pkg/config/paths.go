// Package config manages the aperture configuration directory: registered
// API specs, the global config.toml, and per-API preferences.
//
// Layout, rooted at $APERTURE_CONFIG_DIR or the platform config dir:
//
//	specs/<context>.{yaml,json}           exact source bytes
//	.cache/<context>.bin                  cached spec
//	.cache/.metadata.json                 format version + fingerprints
//	.cache/responses/<context>/<keyhex>   response cache entries
//	.cache/responses/.aperture.lock       advisory lock
//	config.toml                           global and per-api settings
package config

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// EnvConfigDir overrides the configuration root entirely.
const EnvConfigDir = "APERTURE_CONFIG_DIR"

// Paths resolves every location under the configuration root.
type Paths struct {
	Root string
}

// DefaultPaths resolves the configuration root from the environment, falling
// back to the platform config directory.
func DefaultPaths() Paths {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return Paths{Root: dir}
	}
	return Paths{Root: filepath.Join(xdg.ConfigHome, "aperture")}
}

// SpecsDir holds the exact source bytes of registered specs.
func (p Paths) SpecsDir() string { return filepath.Join(p.Root, "specs") }

// SpecPath returns the stored source path for a context with the given
// extension (".yaml" or ".json").
func (p Paths) SpecPath(context, ext string) string {
	return filepath.Join(p.SpecsDir(), context+ext)
}

// CacheDir holds cached specs and metadata.
func (p Paths) CacheDir() string { return filepath.Join(p.Root, ".cache") }

// CachedSpecPath is the binary cached-spec file for a context.
func (p Paths) CachedSpecPath(context string) string {
	return filepath.Join(p.CacheDir(), context+".bin")
}

// MetadataPath is the fingerprint metadata sidecar.
func (p Paths) MetadataPath() string {
	return filepath.Join(p.CacheDir(), ".metadata.json")
}

// ResponsesDir is the response cache root.
func (p Paths) ResponsesDir() string {
	return filepath.Join(p.CacheDir(), "responses")
}

// ResponseDir is the per-context response cache directory.
func (p Paths) ResponseDir(context string) string {
	return filepath.Join(p.ResponsesDir(), context)
}

// ResponseLockFile is the advisory lock file name inside ResponsesDir.
const ResponseLockFile = ".aperture.lock"

// ConfigPath is the global config.toml.
func (p Paths) ConfigPath() string { return filepath.Join(p.Root, "config.toml") }
