package logging

import (
	"context"
	"log/slog"
	"strings"
)

// Attribute keys whose values are always redacted, regardless of level.
var sensitiveKeys = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"token":               true,
	"secret":              true,
	"api-key":             true,
	"x-api-key":           true,
	"x-api-token":         true,
}

const redacted = "<redacted>"

// redactHandler wraps a slog.Handler and replaces sensitive attribute values
// before they reach the sink.
type redactHandler struct {
	inner slog.Handler
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = redactAttr(a)
	}
	return &redactHandler{inner: h.inner.WithAttrs(masked)}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if sensitiveKeys[key] || strings.HasPrefix(key, "x-auth-") || strings.HasPrefix(key, "x-api-") {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		masked := make([]any, 0, len(group))
		for _, g := range group {
			masked = append(masked, redactAttr(g))
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(attrsOf(masked)...)}
	}
	return a
}

func attrsOf(vals []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(vals))
	for _, v := range vals {
		if a, ok := v.(slog.Attr); ok {
			attrs = append(attrs, a)
		}
	}
	return attrs
}
