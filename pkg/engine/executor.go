package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aperture-cli/aperture/pkg/cache"
	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/logging"
)

// sharedClient is the process-wide HTTP client with its connection pool;
// initialized once on first use.
var (
	sharedClient     *http.Client
	sharedClientOnce sync.Once
)

// Client returns the shared HTTP client. The timeout is fixed on first use;
// per-invocation processes never need more than one value.
func Client(timeout time.Duration) *http.Client {
	sharedClientOnce.Do(func() {
		sharedClient = &http.Client{Timeout: timeout}
	})
	return sharedClient
}

// Invocation is one operation execution through the full pipeline.
type Invocation struct {
	Build BuildInput

	DryRun bool

	CacheEnabled       bool
	CacheTTLSecs       int64
	AllowAuthenticated bool

	Retry   RetryPolicy
	Timeout time.Duration
}

// Result is the pipeline outcome handed to the output stage.
type Result struct {
	Status      int
	Body        []byte
	ContentType string
	FromCache   bool
	DryRun      bool
	Retry       errs.RetryInfo
}

// Executor runs invocations against the shared client and response cache.
type Executor struct {
	ResponseCache *cache.ResponseCache
}

// Execute builds the request, short-circuits on dry-run, consults the
// response cache, sends with retries, stores per cache policy, and returns
// the response.
func (e *Executor) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	br, err := Build(&inv.Build)
	if err != nil {
		return nil, err
	}

	if inv.DryRun {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(Describe(br)); err != nil {
			return nil, errs.Wrap(errs.KindRuntime, err, "failed to render dry-run description")
		}
		body := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
		return &Result{Status: 0, Body: body, ContentType: "application/json", DryRun: true}, nil
	}

	key := br.CacheKey(inv.Build.Context)
	if inv.CacheEnabled && e.ResponseCache != nil {
		entry, err := e.ResponseCache.Lookup(inv.Build.Context, key)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			slog.Debug("response cache hit", "context", inv.Build.Context, "key", key)
			return &Result{
				Status:      entry.Status,
				Body:        entry.Body,
				ContentType: headerValue(entry.Headers, "Content-Type"),
				FromCache:   true,
			}, nil
		}
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	slog.Debug("sending request", "method", br.Method, "url", br.URL.String())

	sent, err := Send(ctx, Client(timeout), br, inv.Retry)
	if err != nil {
		return nil, err
	}
	slog.Debug("received response",
		"status", sent.Response.StatusCode,
		"attempts", sent.Info.Attempts,
		"body", logging.TruncateBody(sent.Body))

	status := sent.Response.StatusCode
	result := &Result{
		Status:      status,
		Body:        sent.Body,
		ContentType: sent.Response.Header.Get("Content-Type"),
		Retry:       sent.Info,
	}

	if status < 200 || status > 299 {
		return nil, httpError(status, sent.Body, sent.Info)
	}

	if inv.CacheEnabled && e.ResponseCache != nil && (inv.AllowAuthenticated || !br.HasAuth()) {
		policy := cache.StorePolicy{
			AllowAuthenticated: inv.AllowAuthenticated,
			TTLSecs:            inv.CacheTTLSecs,
		}
		if err := e.ResponseCache.Store(inv.Build.Context, key, status, sent.Response.Header, sent.Body, br.Headers, policy); err != nil {
			// A cache write failure never fails the request.
			slog.Warn("failed to store response cache entry", "error", err.Error())
		}
	}

	return result, nil
}

func headerValue(headers map[string][]string, name string) string {
	for k, vals := range headers {
		if len(vals) > 0 && http.CanonicalHeaderKey(k) == http.CanonicalHeaderKey(name) {
			return vals[0]
		}
	}
	return ""
}

// httpError builds the HttpError with a truncated body in context and a
// status-appropriate hint.
func httpError(status int, body []byte, info errs.RetryInfo) *errs.Error {
	const maxContext = 1024
	ctx := string(body)
	if len(ctx) > maxContext {
		ctx = ctx[:maxContext] + "...(truncated)"
	}

	e := errs.New(errs.KindHTTP, "HTTP %d %s", status, http.StatusText(status)).
		WithContext(ctx).
		WithDetail("status", status).
		WithRetry(&info)

	switch {
	case status == http.StatusUnauthorized:
		e.WithHint(errs.HintCredentials)
	case status == http.StatusForbidden:
		e.WithHint(errs.HintPermission)
	case status == http.StatusNotFound:
		e.WithHint(errs.HintNotFound)
	case status == http.StatusTooManyRequests:
		e.WithHint(errs.HintRateLimited)
	case status >= 500:
		e.WithHint(errs.HintServerError)
	}
	return e
}

// Describe renders the would-be request for --dry-run, with credential
// values redacted.
func Describe(br *BuiltRequest) map[string]any {
	headers := make(map[string]string, len(br.Headers))
	for name := range br.Headers {
		if cache.IsAuthHeader(name) || isAuthName(br.AuthHeaderNames, name) {
			headers[name] = "<redacted>"
			continue
		}
		headers[name] = br.Headers.Get(name)
	}
	if len(br.Cookies) > 0 {
		headers["Cookie"] = "<redacted>"
	}

	reqURL := *br.URL
	q := reqURL.Query()
	for _, n := range br.AuthHeaderNames {
		if name, ok := strings.CutPrefix(n, "query:"); ok && q.Has(name) {
			q.Set(name, "<redacted>")
		}
	}
	reqURL.RawQuery = q.Encode()

	desc := map[string]any{
		"dry_run": true,
		"method":  br.Method,
		"url":     reqURL.String(),
		"headers": headers,
	}
	if len(br.Body) > 0 {
		var parsed any
		if err := json.Unmarshal(br.Body, &parsed); err == nil {
			desc["body"] = parsed
		} else {
			desc["body"] = string(br.Body)
		}
	}
	return desc
}

func isAuthName(authNames []string, header string) bool {
	for _, n := range authNames {
		if n == header {
			return true
		}
	}
	return false
}
