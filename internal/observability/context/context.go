// Package context carries request and pass identifiers for logs and spans.
package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type meterIDKey struct{}
type runIDKey struct{}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return valueFrom(ctx, requestIDKey{})
}

// WithMeterID tags the context with the meter a pass or query is for.
func WithMeterID(ctx context.Context, meterID string) context.Context {
	return withValue(ctx, meterIDKey{}, meterID)
}

func MeterIDFromContext(ctx context.Context) string {
	return valueFrom(ctx, meterIDKey{})
}

// WithRunID tags the context with the scheduler run that owns it.
func WithRunID(ctx context.Context, runID string) context.Context {
	return withValue(ctx, runIDKey{}, runID)
}

func RunIDFromContext(ctx context.Context) string {
	return valueFrom(ctx, runIDKey{})
}

func withValue(ctx context.Context, key any, value string) context.Context {
	value = strings.TrimSpace(value)
	if ctx == nil || value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func valueFrom(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
