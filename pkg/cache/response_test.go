package cache

import (
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aperture-cli/aperture/pkg/config"
)

func testResponseCache(t *testing.T) *ResponseCache {
	t.Helper()
	return NewResponseCache(config.Paths{Root: t.TempDir()})
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestKeyDeterministic(t *testing.T) {
	u1 := mustURL(t, "https://api.example.com/users?b=2&a=1")
	u2 := mustURL(t, "https://api.example.com/users?a=1&b=2")

	h := http.Header{"Accept": []string{"application/json"}}
	k1 := Key("ctx", "GET", u1, nil, h)
	k2 := Key("ctx", "GET", u2, nil, h)
	if k1 != k2 {
		t.Error("query order must not affect the key")
	}

	if Key("other", "GET", u1, nil, h) == k1 {
		t.Error("context must affect the key")
	}
	if Key("ctx", "POST", u1, nil, h) == k1 {
		t.Error("method must affect the key")
	}
	if Key("ctx", "GET", u1, []byte(`{"a":1}`), h) == k1 {
		t.Error("body must affect the key")
	}
}

func TestKeyExcludesAuthHeaders(t *testing.T) {
	u := mustURL(t, "https://api.example.com/users")

	plain := http.Header{"Accept": []string{"application/json"}}
	withAuth := http.Header{
		"Accept":          []string{"application/json"},
		"Authorization":   []string{"Bearer secret"},
		"X-Api-Key":       []string{"k"},
		"Idempotency-Key": []string{"abc"},
	}
	if Key("ctx", "GET", u, nil, plain) != Key("ctx", "GET", u, nil, withAuth) {
		t.Error("auth and idempotency headers must not affect the key")
	}
}

func TestIsAuthHeader(t *testing.T) {
	tests := []struct {
		name     string
		expected bool
	}{
		{"Authorization", true},
		{"authorization", true},
		{"Proxy-Authorization", true},
		{"X-API-Key", true},
		{"X-API-Token", true},
		{"Api-Key", true},
		{"Token", true},
		{"Bearer", true},
		{"Cookie", true},
		{"X-Auth-Token", true},
		{"x-api-anything", true},
		{"Accept", false},
		{"Content-Type", false},
		{"X-Request-Id", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthHeader(tt.name); got != tt.expected {
				t.Errorf("IsAuthHeader(%q) = %v, want %v", tt.name, got, tt.expected)
			}
		})
	}
}

func TestStoreSkipsAuthenticatedRequests(t *testing.T) {
	rc := testResponseCache(t)
	u := mustURL(t, "https://api.example.com/users")
	reqHeaders := http.Header{"Authorization": []string{"Bearer secret"}}
	key := Key("ctx", "GET", u, nil, reqHeaders)

	err := rc.Store("ctx", key, 200, http.Header{}, []byte(`{}`), reqHeaders, StorePolicy{TTLSecs: 60})
	if err != nil {
		t.Fatal(err)
	}
	entry, err := rc.Lookup("ctx", key)
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Error("authenticated request must not be cached by default")
	}
}

func TestStoreScrubsAuthHeadersWhenOptedIn(t *testing.T) {
	rc := testResponseCache(t)
	u := mustURL(t, "https://api.example.com/users")
	reqHeaders := http.Header{"Authorization": []string{"Bearer secret"}}
	respHeaders := http.Header{
		"Content-Type":  []string{"application/json"},
		"Authorization": []string{"Bearer reflected"},
		"Set-Cookie":    []string{"session=1"},
		"Cookie":        []string{"session=1"},
		"X-Auth-Token":  []string{"tok"},
	}
	key := Key("ctx", "GET", u, nil, reqHeaders)

	err := rc.Store("ctx", key, 200, respHeaders, []byte(`{"ok":true}`), reqHeaders,
		StorePolicy{AllowAuthenticated: true, TTLSecs: 60})
	if err != nil {
		t.Fatal(err)
	}

	entry, err := rc.Lookup("ctx", key)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("expected a stored entry with allow_authenticated")
	}
	for name := range entry.Headers {
		if IsAuthHeader(name) {
			t.Errorf("stored headers contain scrub-listed %q", name)
		}
	}
	if _, ok := entry.Headers["Content-Type"]; !ok {
		t.Error("non-auth headers should survive the scrub")
	}
}

func TestStoreOnlyCaches2xx(t *testing.T) {
	rc := testResponseCache(t)
	u := mustURL(t, "https://api.example.com/users")
	key := Key("ctx", "GET", u, nil, nil)

	if err := rc.Store("ctx", key, 404, http.Header{}, []byte(`{}`), nil, StorePolicy{TTLSecs: 60}); err != nil {
		t.Fatal(err)
	}
	entry, err := rc.Lookup("ctx", key)
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Error("non-2xx responses must not be cached")
	}
}

func TestLookupExpiry(t *testing.T) {
	rc := testResponseCache(t)
	u := mustURL(t, "https://api.example.com/users")
	key := Key("ctx", "GET", u, nil, nil)

	if err := rc.Store("ctx", key, 200, http.Header{}, []byte(`{}`), nil, StorePolicy{TTLSecs: 1}); err != nil {
		t.Fatal(err)
	}
	entry, err := rc.Lookup("ctx", key)
	if err != nil || entry == nil {
		t.Fatalf("expected fresh entry, got %v, %v", entry, err)
	}

	expired := &Entry{StoredAt: time.Now().Add(-2 * time.Second), TTLSecs: 1}
	if !expired.Expired(time.Now()) {
		t.Error("entry past its TTL should report expired")
	}
}

func TestClear(t *testing.T) {
	rc := testResponseCache(t)
	u := mustURL(t, "https://api.example.com/users")
	key := Key("ctx", "GET", u, nil, nil)

	if err := rc.Store("ctx", key, 200, http.Header{}, []byte(`{}`), nil, StorePolicy{TTLSecs: 60}); err != nil {
		t.Fatal(err)
	}
	stats, err := rc.StatsFor("ctx")
	if err != nil || stats.Entries != 1 {
		t.Fatalf("expected one entry, got %+v, %v", stats, err)
	}

	if err := rc.Clear("ctx"); err != nil {
		t.Fatal(err)
	}
	stats, err = rc.StatsFor("ctx")
	if err != nil || stats.Entries != 0 {
		t.Fatalf("expected empty cache after clear, got %+v, %v", stats, err)
	}
}

func TestEntryFilesLandUnderContextDir(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	rc := NewResponseCache(paths)
	u := mustURL(t, "https://api.example.com/users")
	key := Key("petshop", "GET", u, nil, nil)

	if err := rc.Store("petshop", key, 200, http.Header{}, []byte(`{}`), nil, StorePolicy{TTLSecs: 60}); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(paths.ResponseDir("petshop"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !strings.EqualFold(entries[0].Name(), key) {
		t.Errorf("expected one entry named by key hex, got %v", entries)
	}
}
