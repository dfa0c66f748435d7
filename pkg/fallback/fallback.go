package fallback

import (
	"context"

	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

// Handler substitutes a secondary result when a primary operation fails.
// The order is strict: primary, then Fallback, then the static value,
// then the primary's error.
type Handler[T any] struct {
	Name string

	// Fallback is tried when the primary fails. Optional.
	Fallback func(ctx context.Context) (T, error)

	Logger *zap.Logger

	value    T
	hasValue bool
}

// New returns a Handler with an optional fallback operation.
func New[T any](name string, fb func(ctx context.Context) (T, error), lg *zap.Logger) *Handler[T] {
	return &Handler[T]{Name: name, Fallback: fb, Logger: lg}
}

// WithValue sets the static value returned when both the primary and the
// fallback operation fail.
func (h *Handler[T]) WithValue(v T) *Handler[T] {
	h.value = v
	h.hasValue = true
	return h
}

func (h *Handler[T]) logger() *zap.Logger {
	if h.Logger == nil {
		return nopLogger
	}
	return h.Logger
}

// Execute runs primary and falls back on failure.
func (h *Handler[T]) Execute(ctx context.Context, primary func(ctx context.Context) (T, error)) (T, error) {
	v, err := primary(ctx)
	if err == nil {
		return v, nil
	}
	lg := h.logger()

	if h.Fallback != nil {
		fv, ferr := h.Fallback(ctx)
		if ferr == nil {
			lg.Warn("primary operation failed, fallback operation used",
				zap.String("op", h.Name),
				zap.Error(err))
			return fv, nil
		}
		lg.Warn("fallback operation failed",
			zap.String("op", h.Name),
			zap.Error(err),
			zap.NamedError("fallback_error", ferr))
	}

	if h.hasValue {
		lg.Warn("primary operation failed, static fallback value used",
			zap.String("op", h.Name),
			zap.Error(err))
		return h.value, nil
	}

	var zero T
	return zero, err
}
