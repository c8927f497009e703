package api

import (
	"context"
	"log/slog"
)

// ContextHandler is an slog.Handler that enriches every record with the
// request id from the context, so handlers can use slog.InfoContext and
// correlate logs without threading the id explicitly.
//
// Wiring in main:
//
//	base := slog.NewJSONHandler(os.Stdout, nil)
//	slog.SetDefault(slog.New(api.NewContextHandler(base)))
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler wraps the given handler.
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		record.AddAttrs(slog.String("request_id", reqID))
	}
	return h.inner.Handle(ctx, record)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
