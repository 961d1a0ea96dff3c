package engine

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aperture-cli/aperture/pkg/errs"
)

// RetryPolicy configures the retry wrapper around a single-request send.
// MaxAttempts counts total attempts; 0 or 1 disables retries.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// ForceRetry allows retries for non-idempotent methods.
	ForceRetry bool
	// HasIdempotencyKey also unlocks non-idempotent retries.
	HasIdempotencyKey bool
}

// idempotentMethods are safe to retry without an explicit opt-in.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
}

// retryableStatus applies the retryability matrix for HTTP responses.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return status >= 500 && status <= 599
}

// allowed reports whether the policy permits retrying this method at all.
func (p RetryPolicy) allowed(method string) bool {
	if idempotentMethods[strings.ToUpper(method)] {
		return true
	}
	return p.ForceRetry || p.HasIdempotencyKey
}

// SendResult is the retry layer's outcome.
type SendResult struct {
	Response *http.Response
	Body     []byte
	Info     errs.RetryInfo
}

// Send executes the request with retries per policy. The response body is
// fully read and closed before returning. On exhaustion the last error (or
// last retryable response) is returned with retry info attached.
func Send(ctx context.Context, client *http.Client, br *BuiltRequest, policy RetryPolicy) (*SendResult, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	canRetry := policy.allowed(br.Method) && attempts > 1

	info := errs.RetryInfo{}
	var totalDelay time.Duration

	for attempt := 1; ; attempt++ {
		info.Attempts = attempt

		resp, body, err := sendOnce(ctx, client, br)
		if err == nil && !retryableStatus(resp.StatusCode) {
			status := resp.StatusCode
			info.FinalStatus = &status
			info.Retryable = false
			info.TotalDelayMS = totalDelay.Milliseconds()
			return &SendResult{Response: resp, Body: body, Info: info}, nil
		}

		// Retryable outcome: either a network error or a retryable status.
		if !canRetry || attempt >= attempts {
			info.Retryable = true
			info.TotalDelayMS = totalDelay.Milliseconds()
			if err != nil {
				return nil, networkError(err).WithRetry(&info)
			}
			status := resp.StatusCode
			info.FinalStatus = &status
			return &SendResult{Response: resp, Body: body, Info: info}, nil
		}

		delay := backoffDelay(policy, attempt)
		if err == nil {
			if ra, ok := retryAfter(resp.Header); ok {
				delay = ra
			}
		}
		totalDelay += delay

		select {
		case <-ctx.Done():
			info.Retryable = true
			info.TotalDelayMS = totalDelay.Milliseconds()
			return nil, errs.Wrap(errs.KindNetwork, ctx.Err(), "request cancelled during retry wait").WithRetry(&info)
		case <-time.After(delay):
		}
	}
}

// sendOnce performs one attempt, draining and closing the body.
func sendOnce(ctx context.Context, client *http.Client, br *BuiltRequest) (*http.Response, []byte, error) {
	req, err := br.HTTPRequest(ctx)
	if err != nil {
		return nil, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

// backoffDelay computes the exponential delay for an attempt with a
// multiplicative jitter factor in [0.5, 1.5], capped at MaxDelay.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	initial := policy.InitialDelay
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	max := policy.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
	if jittered > max {
		jittered = max
	}
	return jittered
}

// retryAfter parses a Retry-After header: delta-seconds or an HTTP date.
func retryAfter(h http.Header) (time.Duration, bool) {
	value := h.Get("Retry-After")
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// networkError classifies a transport-level failure.
func networkError(err error) *errs.Error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		switch {
		case urlErr.Timeout():
			return errs.Wrap(errs.KindNetwork, err, "request timed out").WithHint(errs.HintTimeout)
		case errors.Is(err, os.ErrDeadlineExceeded):
			return errs.Wrap(errs.KindNetwork, err, "request timed out").WithHint(errs.HintTimeout)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindNetwork, err, "request timed out").WithHint(errs.HintTimeout)
	}
	return errs.Wrap(errs.KindNetwork, err, "request failed").WithHint(errs.HintConnection)
}
