package cache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aperture-cli/aperture/pkg/config"
	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/fsio"
	"github.com/aperture-cli/aperture/pkg/spec"
)

// metadata is the .cache/.metadata.json sidecar.
type metadata struct {
	Version      int                    `json:"version"`
	Fingerprints map[string]Fingerprint `json:"fingerprints"`
}

// SpecStore persists cached specs and their fingerprints.
type SpecStore struct {
	paths config.Paths
	mu    sync.Mutex
}

// NewSpecStore creates a store rooted at the given paths.
func NewSpecStore(paths config.Paths) *SpecStore {
	return &SpecStore{paths: paths}
}

// Store serializes the cached spec for a context and records the source
// file's fingerprint.
func (s *SpecStore) Store(context string, cached *spec.CachedSpec, sourcePath string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cached); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to serialize cached spec")
	}
	if err := fsio.WriteAtomic(s.paths.CachedSpecPath(context), buf.Bytes(), 0o644); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to write cached spec")
	}

	fp, err := FingerprintFile(sourcePath)
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to fingerprint spec source")
	}
	return s.updateMetadata(func(m *metadata) {
		m.Fingerprints[context] = fp
	})
}

// Load deserializes a context's cached spec, verifying the format version
// and the source fingerprint.
func (s *SpecStore) Load(context string) (*spec.CachedSpec, error) {
	data, err := os.ReadFile(s.paths.CachedSpecPath(context))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindSpecification, "API context %q is not registered", context).
				WithHint(errs.HintConfigList)
		}
		return nil, errs.Wrap(errs.KindRuntime, err, "failed to read cached spec for %q", context)
	}

	var cached spec.CachedSpec
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cached); err != nil {
		return nil, errs.Wrap(errs.KindSpecification, err, "cached spec for %q is corrupt", context).
			WithHint("Run 'aperture config reinit " + context + "' to regenerate it.")
	}
	if cached.FormatVersion != spec.FormatVersion {
		return nil, errs.New(errs.KindSpecification,
			"cached spec for %q has format version %d, this build requires %d", context, cached.FormatVersion, spec.FormatVersion).
			WithHint("Run 'aperture config reinit " + context + "' to regenerate it.")
	}

	sourcePath, err := s.SourcePath(context)
	if err != nil {
		return nil, err
	}
	m, err := s.readMetadata()
	if err != nil {
		return nil, err
	}
	fp, ok := m.Fingerprints[context]
	if !ok {
		return nil, errs.New(errs.KindSpecification, "no fingerprint recorded for context %q", context).
			WithHint("Run 'aperture config reinit " + context + "' to regenerate the cache.")
	}
	match, err := fp.Matches(sourcePath)
	if err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err, "failed to check spec source for %q", context)
	}
	if !match {
		return nil, errs.New(errs.KindSpecification, "spec source for %q changed since the cache was built", context).
			WithHint("Run 'aperture config reinit " + context + "' to regenerate the cache.")
	}
	return &cached, nil
}

// Remove deletes a context's cached spec and fingerprint.
func (s *SpecStore) Remove(context string) error {
	if err := os.Remove(s.paths.CachedSpecPath(context)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindRuntime, err, "failed to remove cached spec for %q", context)
	}
	return s.updateMetadata(func(m *metadata) {
		delete(m.Fingerprints, context)
	})
}

// SourcePath locates the stored source copy for a context (.yaml or .json).
func (s *SpecStore) SourcePath(context string) (string, error) {
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := s.paths.SpecPath(context, ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errs.New(errs.KindSpecification, "spec source for context %q not found", context).
		WithHint(errs.HintConfigList)
}

// List returns the registered context names, sorted.
func (s *SpecStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.paths.SpecsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindRuntime, err, "failed to list registered specs")
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		switch strings.ToLower(ext) {
		case ".yaml", ".yml", ".json":
			names = append(names, strings.TrimSuffix(name, ext))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *SpecStore) readMetadata() (*metadata, error) {
	m := &metadata{Version: spec.FormatVersion, Fingerprints: make(map[string]Fingerprint)}
	data, err := os.ReadFile(s.paths.MetadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, errs.Wrap(errs.KindRuntime, err, "failed to read cache metadata")
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err, "cache metadata is corrupt")
	}
	if m.Fingerprints == nil {
		m.Fingerprints = make(map[string]Fingerprint)
	}
	return m, nil
}

func (s *SpecStore) updateMetadata(fn func(*metadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readMetadata()
	if err != nil {
		return err
	}
	m.Version = spec.FormatVersion
	fn(m)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to serialize cache metadata")
	}
	if err := fsio.WriteAtomic(s.paths.MetadataPath(), data, 0o644); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to write cache metadata")
	}
	return nil
}
