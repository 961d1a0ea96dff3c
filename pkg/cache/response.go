package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aperture-cli/aperture/pkg/config"
	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/fsio"
)

// scrubExact lists header names (canonical case irrelevant) whose values
// never reach a persisted cache entry.
var scrubExact = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"x-api-token":         true,
	"api-key":             true,
	"token":               true,
	"bearer":              true,
	"cookie":              true,
}

// scrubPrefixes extends the scrub list to header name families.
var scrubPrefixes = []string{"x-auth-", "x-api-"}

// IsAuthHeader reports whether a header name is on the scrub list.
func IsAuthHeader(name string) bool {
	n := strings.ToLower(name)
	if scrubExact[n] {
		return true
	}
	for _, p := range scrubPrefixes {
		if strings.HasPrefix(n, p) {
			return true
		}
	}
	return false
}

// Entry is one stored response.
type Entry struct {
	Key      string              `json:"key"`
	Status   int                 `json:"status"`
	Headers  map[string][]string `json:"headers"`
	Body     []byte              `json:"body"`
	StoredAt time.Time           `json:"stored_at"`
	TTLSecs  int64               `json:"ttl"`
}

// Expired reports whether the entry's TTL has lapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.StoredAt) >= time.Duration(e.TTLSecs)*time.Second
}

// ResponseCache is the on-disk, content-addressed store of prior successful
// responses, one file per entry under a per-context subdirectory.
type ResponseCache struct {
	paths config.Paths
}

// NewResponseCache creates a cache rooted at the given paths.
func NewResponseCache(paths config.Paths) *ResponseCache {
	return &ResponseCache{paths: paths}
}

// Key computes the deterministic request fingerprint. Auth headers,
// Idempotency-Key, and transient debug headers are excluded so a cached
// entry can never leak whether credentials were attached.
func Key(context, method string, u *url.URL, body []byte, headers http.Header) string {
	h := sha256.New()
	h.Write([]byte(context))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})

	normalized := *u
	normalized.RawQuery = ""
	normalized.Fragment = ""
	h.Write([]byte(normalized.String()))
	h.Write([]byte{0})

	query := u.Query()
	qkeys := make([]string, 0, len(query))
	for k := range query {
		qkeys = append(qkeys, k)
	}
	sort.Strings(qkeys)
	for _, k := range qkeys {
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(v))
			h.Write([]byte{0})
		}
	}

	h.Write(body)
	h.Write([]byte{0})

	hkeys := make([]string, 0, len(headers))
	for k := range headers {
		if IsAuthHeader(k) || strings.EqualFold(k, "Idempotency-Key") || strings.HasPrefix(strings.ToLower(k), "x-debug-") {
			continue
		}
		hkeys = append(hkeys, strings.ToLower(k))
	}
	sort.Strings(hkeys)
	for _, k := range hkeys {
		h.Write([]byte(k))
		h.Write([]byte{':'})
		h.Write([]byte(strings.Join(headers.Values(k), ",")))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns a fresh entry for the key, or nil on miss or expiry.
// Readers are lock-free: writes are atomic renames.
func (c *ResponseCache) Lookup(context, key string) (*Entry, error) {
	path := filepath.Join(c.paths.ResponseDir(context), key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindRuntime, err, "failed to read response cache entry")
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry is equivalent to a miss.
		return nil, nil
	}
	if entry.Expired(time.Now()) {
		_ = os.Remove(path)
		return nil, nil
	}
	return &entry, nil
}

// StorePolicy gathers the inputs to the store decision.
type StorePolicy struct {
	AllowAuthenticated bool
	TTLSecs            int64
}

// Store persists a response if policy allows. Only 2xx responses are
// cached; requests carrying auth headers are skipped entirely unless
// AllowAuthenticated is set, and even then the stored headers are scrubbed.
func (c *ResponseCache) Store(context, key string, status int, respHeaders http.Header, body []byte, reqHeaders http.Header, policy StorePolicy) error {
	if status < 200 || status > 299 {
		return nil
	}
	if hasAuthHeader(reqHeaders) && !policy.AllowAuthenticated {
		return nil
	}

	entry := Entry{
		Key:      key,
		Status:   status,
		Headers:  scrubHeaders(respHeaders),
		Body:     body,
		StoredAt: time.Now(),
		TTLSecs:  policy.TTLSecs,
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to serialize response cache entry")
	}

	lock, err := fsio.LockDir(c.paths.ResponsesDir(), config.ResponseLockFile)
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to lock response cache")
	}
	defer func() { _ = lock.Unlock() }()

	path := filepath.Join(c.paths.ResponseDir(context), key)
	if err := fsio.WriteAtomic(path, data, 0o600); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to write response cache entry")
	}
	return nil
}

func hasAuthHeader(headers http.Header) bool {
	for name := range headers {
		if IsAuthHeader(name) {
			return true
		}
	}
	return false
}

func scrubHeaders(headers http.Header) map[string][]string {
	out := make(map[string][]string, len(headers))
	for name, vals := range headers {
		if IsAuthHeader(name) {
			continue
		}
		out[name] = append([]string(nil), vals...)
	}
	return out
}

// Stats summarizes the response cache for `config cache-stats`.
type Stats struct {
	Context   string `json:"context"`
	Entries   int    `json:"entries"`
	TotalSize int64  `json:"total_size_bytes"`
}

// StatsFor walks one context's cache directory.
func (c *ResponseCache) StatsFor(context string) (Stats, error) {
	stats := Stats{Context: context}
	entries, err := os.ReadDir(c.paths.ResponseDir(context))
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, errs.Wrap(errs.KindRuntime, err, "failed to read response cache for %q", context)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		stats.Entries++
		if info, err := entry.Info(); err == nil {
			stats.TotalSize += info.Size()
		}
	}
	return stats, nil
}

// Clear removes all entries for a context, or every context when context is
// empty.
func (c *ResponseCache) Clear(context string) error {
	lock, err := fsio.LockDir(c.paths.ResponsesDir(), config.ResponseLockFile)
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to lock response cache")
	}
	defer func() { _ = lock.Unlock() }()

	if context != "" {
		if err := os.RemoveAll(c.paths.ResponseDir(context)); err != nil {
			return errs.Wrap(errs.KindRuntime, err, "failed to clear response cache for %q", context)
		}
		return nil
	}

	entries, err := os.ReadDir(c.paths.ResponsesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindRuntime, err, "failed to read response cache directory")
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.paths.ResponsesDir(), entry.Name())); err != nil {
			return errs.Wrap(errs.KindRuntime, err, "failed to clear response cache for %q", entry.Name())
		}
	}
	return nil
}
