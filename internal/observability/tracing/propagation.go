package tracing

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// ExtractContext reads remote trace context from carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectContext writes the current trace context into carrier.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

var sensitiveKeys = []string{"token", "authorization", "password", "secret", "cookie"}

// SafeAttributes drops attributes whose keys look like credentials.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if isSensitive(string(attr.Key)) {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError strips messages that may carry credentials before recording.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	if isSensitive(err.Error()) {
		return errors.New("redacted error")
	}
	return err
}

func isSensitive(value string) bool {
	value = strings.ToLower(value)
	for _, key := range sensitiveKeys {
		if strings.Contains(value, key) {
			return true
		}
	}
	return false
}
