package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aperture-cli/aperture/pkg/errs"
)

func builtGet(t *testing.T, rawURL string) *BuiltRequest {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return &BuiltRequest{Method: "GET", URL: u, Headers: http.Header{}}
}

func builtPost(t *testing.T, rawURL string) *BuiltRequest {
	br := builtGet(t, rawURL)
	br.Method = "POST"
	return br
}

func TestSendRetriesOn429WithRetryAfter(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	policy := RetryPolicy{MaxAttempts: 2, InitialDelay: 10 * time.Second, MaxDelay: 20 * time.Second}
	start := time.Now()
	res, err := Send(context.Background(), server.Client(), builtGet(t, server.URL), policy)
	if err != nil {
		t.Fatal(err)
	}
	// Retry-After: 0 overrides the computed 10s delay.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Retry-After should override the computed delay, slept %v", elapsed)
	}
	if res.Info.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Info.Attempts)
	}
	if res.Info.FinalStatus == nil || *res.Info.FinalStatus != 200 {
		t.Errorf("final status = %v", res.Info.FinalStatus)
	}
	if string(res.Body) != `{"ok":true}` {
		t.Errorf("body = %s", res.Body)
	}
}

func TestSendNoRetryByDefault(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	res, err := Send(context.Background(), server.Client(), builtGet(t, server.URL), RetryPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1 (retries default to disabled)", got)
	}
	if res.Response.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", res.Response.StatusCode)
	}
	if !res.Info.Retryable {
		t.Error("503 should be reported as retryable")
	}
}

func TestSendTerminalStatusNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond}
	res, err := Send(context.Background(), server.Client(), builtGet(t, server.URL), policy)
	if err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1 (404 is terminal)", got)
	}
	if res.Info.Retryable {
		t.Error("404 must not be reported as retryable")
	}
}

func TestSendNonIdempotentGate(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	t.Run("POST not retried without opt-in", func(t *testing.T) {
		atomic.StoreInt32(&calls, 0)
		_, err := Send(context.Background(), server.Client(), builtPost(t, server.URL), policy)
		if err != nil {
			t.Fatal(err)
		}
		if got := atomic.LoadInt32(&calls); got != 1 {
			t.Errorf("calls = %d, want 1", got)
		}
	})

	t.Run("POST retried with force-retry", func(t *testing.T) {
		atomic.StoreInt32(&calls, 0)
		forced := policy
		forced.ForceRetry = true
		_, err := Send(context.Background(), server.Client(), builtPost(t, server.URL), forced)
		if err != nil {
			t.Fatal(err)
		}
		if got := atomic.LoadInt32(&calls); got != 3 {
			t.Errorf("calls = %d, want 3", got)
		}
	})

	t.Run("POST retried with idempotency key", func(t *testing.T) {
		atomic.StoreInt32(&calls, 0)
		keyed := policy
		keyed.HasIdempotencyKey = true
		_, err := Send(context.Background(), server.Client(), builtPost(t, server.URL), keyed)
		if err != nil {
			t.Fatal(err)
		}
		if got := atomic.LoadInt32(&calls); got != 3 {
			t.Errorf("calls = %d, want 3", got)
		}
	})
}

func TestSendNetworkErrorAnnotated(t *testing.T) {
	// A server that is immediately closed yields connection errors.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := server.Client()
	addr := server.URL
	server.Close()

	policy := RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	_, err := Send(context.Background(), client, builtGet(t, addr), policy)
	if err == nil {
		t.Fatal("expected network error")
	}
	info := errs.From(err).Retry
	if info == nil || info.Attempts != 2 || !info.Retryable {
		t.Errorf("expected retry info with 2 attempts, got %+v", info)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	policy := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(policy, attempt)
		if d < 0 || d > policy.MaxDelay {
			t.Errorf("attempt %d: delay %v out of [0, %v]", attempt, d, policy.MaxDelay)
		}
	}
	// First attempt jitter stays within [0.5x, 1.5x] of the base.
	d := backoffDelay(policy, 1)
	if d < 50*time.Millisecond || d > 150*time.Millisecond {
		t.Errorf("first-attempt delay %v outside jitter window", d)
	}
}

func TestRetryAfterParsing(t *testing.T) {
	h := http.Header{}

	h.Set("Retry-After", "2")
	if d, ok := retryAfter(h); !ok || d != 2*time.Second {
		t.Errorf("seconds form: %v, %v", d, ok)
	}

	h.Set("Retry-After", time.Now().Add(3*time.Second).UTC().Format(http.TimeFormat))
	if d, ok := retryAfter(h); !ok || d <= 0 || d > 4*time.Second {
		t.Errorf("date form: %v, %v", d, ok)
	}

	h.Set("Retry-After", "garbage")
	if _, ok := retryAfter(h); ok {
		t.Error("garbage should not parse")
	}

	h.Del("Retry-After")
	if _, ok := retryAfter(h); ok {
		t.Error("absent header should not parse")
	}
}
