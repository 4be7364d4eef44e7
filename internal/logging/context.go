package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	projectIDKey ctxKey = iota
	phaseKey
	crewKey
)

// WithProjectID returns a context with the project ID set.
func WithProjectID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, projectIDKey, id)
}

// WithPhase returns a context with the phase set.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey, phase)
}

// WithCrew returns a context with the crew name set.
func WithCrew(ctx context.Context, crew string) context.Context {
	return context.WithValue(ctx, crewKey, crew)
}

// ProjectID extracts the project ID from the context, or "" if absent.
func ProjectID(ctx context.Context) string {
	v, _ := ctx.Value(projectIDKey).(string)
	return v
}

// Phase extracts the phase from the context, or "" if absent.
func Phase(ctx context.Context) string {
	v, _ := ctx.Value(phaseKey).(string)
	return v
}

// Crew extracts the crew name from the context, or "" if absent.
func Crew(ctx context.Context) string {
	v, _ := ctx.Value(crewKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, projectID, phase, crew string) context.Context {
	ctx = WithProjectID(ctx, projectID)
	ctx = WithPhase(ctx, phase)
	ctx = WithCrew(ctx, crew)
	return ctx
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record. Use with
// slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := ProjectID(ctx); v != "" {
		r.AddAttrs(slog.String("project_id", v))
	}
	if v := Phase(ctx); v != "" {
		r.AddAttrs(slog.String("phase", v))
	}
	if v := Crew(ctx); v != "" {
		r.AddAttrs(slog.String("crew", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
