package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestRedactHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(&redactHandler{inner: inner})

	logger.Info("sending request",
		"method", "GET",
		"Authorization", "Bearer secret123",
		"X-Auth-Token", "tok",
		"x-api-key", "k",
	)

	out := buf.String()
	for _, leaked := range []string{"secret123", "tok"} {
		if strings.Contains(out, leaked) {
			t.Errorf("secret %q leaked into log output: %s", leaked, out)
		}
	}
	if !strings.Contains(out, "<redacted>") {
		t.Errorf("expected redaction marker: %s", out)
	}
	if !strings.Contains(out, "method=GET") {
		t.Errorf("non-sensitive attrs should survive: %s", out)
	}
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("APERTURE_LOG", "debug")
	t.Setenv("APERTURE_LOG_FORMAT", "json")
	t.Setenv("APERTURE_LOG_MAX_BODY", "100")
	t.Setenv("APERTURE_LOG_REDACT", "false")

	opts := OptionsFromEnv()
	if opts.Level != slog.LevelDebug {
		t.Errorf("level = %v", opts.Level)
	}
	if opts.Format != "json" {
		t.Errorf("format = %q", opts.Format)
	}
	if opts.MaxBody != 100 {
		t.Errorf("max body = %d", opts.MaxBody)
	}
	if opts.Redact {
		t.Error("redact should be disabled")
	}
}

func TestOptionsDefaults(t *testing.T) {
	t.Setenv("APERTURE_LOG", "")
	t.Setenv("APERTURE_LOG_FORMAT", "")
	t.Setenv("APERTURE_LOG_MAX_BODY", "")
	t.Setenv("APERTURE_LOG_REDACT", "")

	opts := OptionsFromEnv()
	if opts.Level != slog.LevelWarn {
		t.Errorf("default level = %v", opts.Level)
	}
	if opts.Format != "text" {
		t.Errorf("default format = %q", opts.Format)
	}
	if !opts.Redact {
		t.Error("redaction must default to on")
	}
}
