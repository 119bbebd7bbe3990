// Package audit emits structured records for consent decisions, suppressed
// ingestion and export outcomes.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"qazna.org/telemetry/internal/auth"
	"qazna.org/telemetry/internal/obs"
)

type requestIDKey struct{}

// WithRequestID stores the request id; blank ids leave ctx unchanged.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id = strings.TrimSpace(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LogEvent writes one audit record at info level. Fields are emitted as a
// "fields" group in key order; request id, actor and trace id are added when
// the context carries them.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	if event = strings.TrimSpace(event); event == "" {
		return errors.New("audit: event name is required")
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", event),
	}
	if id := RequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if actor, ok := auth.UserIDFromContext(ctx); ok {
		attrs = append(attrs, slog.String("user_id", actor))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	group := make([]any, 0, len(keys))
	for _, k := range keys {
		group = append(group, slog.Any(k, fields[k]))
	}
	attrs = append(attrs, slog.Group("fields", group...))

	obs.Logger().LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}
