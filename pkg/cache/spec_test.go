package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aperture-cli/aperture/pkg/config"
	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/spec"
)

func testStore(t *testing.T) (*SpecStore, config.Paths) {
	t.Helper()
	paths := config.Paths{Root: t.TempDir()}
	return NewSpecStore(paths), paths
}

func writeSource(t *testing.T, paths config.Paths, context, content string) string {
	t.Helper()
	path := paths.SpecPath(context, ".yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func sampleSpec(name string) *spec.CachedSpec {
	def := "us"
	return &spec.CachedSpec{
		FormatVersion: spec.FormatVersion,
		Name:          name,
		Title:         "Sample",
		Version:       "1.0.0",
		Servers: []spec.Server{{
			URLTemplate: "https://{region}.example.com",
			Variables: map[string]spec.ServerVariable{
				"region": {Default: &def, Enum: []string{"us", "eu"}},
			},
		}},
		SecuritySchemes: map[string]spec.SecurityScheme{
			"bearerAuth": {Type: spec.SchemeHTTPBearer, Secret: &spec.SecretBinding{Source: "env", Name: "TKN"}},
		},
		GlobalSecurity: [][]string{{"bearerAuth"}},
		Commands: []spec.CachedOperation{{
			Method:       "GET",
			PathTemplate: "/users/{id}",
			OperationID:  "getUserById",
			Group:        "users",
			Name:         "get-user-by-id",
			DerivedGroup: "users",
			DerivedName:  "get-user-by-id",
			Parameters: []spec.Parameter{
				{Name: "id", Location: spec.LocPath, Required: true, TypeHint: "string"},
			},
		}},
	}
}

func TestSpecStoreRoundTrip(t *testing.T) {
	store, paths := testStore(t)
	source := writeSource(t, paths, "petshop", "openapi: 3.0.0\n")

	original := sampleSpec("petshop")
	if err := store.Store("petshop", original, source); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	loaded, err := store.Load("petshop")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Title != original.Title || loaded.Name != original.Name {
		t.Errorf("round trip lost info: %+v", loaded)
	}
	if len(loaded.Commands) != 1 || loaded.Commands[0].OperationID != "getUserById" {
		t.Errorf("round trip lost commands: %+v", loaded.Commands)
	}
	region := loaded.Servers[0].Variables["region"]
	if region.Default == nil || *region.Default != "us" {
		t.Errorf("round trip lost server variable default: %+v", region)
	}
	scheme := loaded.SecuritySchemes["bearerAuth"]
	if scheme.Secret == nil || scheme.Secret.Name != "TKN" {
		t.Errorf("round trip lost secret binding: %+v", scheme)
	}
}

func TestSpecStoreUnknownContext(t *testing.T) {
	store, _ := testStore(t)
	_, err := store.Load("nope")
	if err == nil {
		t.Fatal("expected error for unregistered context")
	}
	if !errs.IsKind(err, errs.KindSpecification) {
		t.Errorf("expected Specification error, got %v", err)
	}
}

func TestSpecStoreFormatVersionMismatch(t *testing.T) {
	store, paths := testStore(t)
	source := writeSource(t, paths, "old", "openapi: 3.0.0\n")

	stale := sampleSpec("old")
	stale.FormatVersion = spec.FormatVersion - 1
	if err := store.Store("old", stale, source); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	_, err := store.Load("old")
	if err == nil {
		t.Fatal("expected version mismatch error")
	}
	if !errs.IsKind(err, errs.KindSpecification) {
		t.Errorf("expected Specification error, got %v", err)
	}
}

func TestSpecStoreStaleFingerprint(t *testing.T) {
	store, paths := testStore(t)
	source := writeSource(t, paths, "petshop", "openapi: 3.0.0\n")

	if err := store.Store("petshop", sampleSpec("petshop"), source); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// Changing the source bytes (and mtime) invalidates the cache.
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(source, []byte("openapi: 3.0.0\n# changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := store.Load("petshop")
	if err == nil {
		t.Fatal("expected stale-cache error")
	}
	if !errs.IsKind(err, errs.KindSpecification) {
		t.Errorf("expected Specification error, got %v", err)
	}
}

func TestFingerprintStableAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spec.yaml")
	if err := os.WriteFile(path, []byte("openapi: 3.0.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fp1, err := FingerprintFile(path)
	if err != nil {
		t.Fatal(err)
	}
	fp2, err := FingerprintFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprints differ for unchanged file: %+v vs %+v", fp1, fp2)
	}

	match, err := fp1.Matches(path)
	if err != nil {
		t.Fatal(err)
	}
	if !match {
		t.Error("fingerprint should match its own file")
	}
}

func TestSpecStoreList(t *testing.T) {
	store, paths := testStore(t)
	writeSource(t, paths, "beta", "b")
	writeSource(t, paths, "alpha", "a")

	names, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("unexpected listing: %v", names)
	}
}
