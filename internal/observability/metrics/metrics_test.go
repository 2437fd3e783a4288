package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("meter_id", "123"),
		attribute.String("granularity", "hour"),
		attribute.String("outcome", "ok"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "meter_id" {
			t.Fatalf("expected meter_id to be dropped")
		}
	}
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "waterstats"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordUpstreamFetch(context.Background(), "hour", "ok", 24)
	m.RecordHourlyQuery(context.Background(), "ok")
	m.RecordRateLimitDenied(context.Background(), "hourly_usage", "rate_limited")
}
