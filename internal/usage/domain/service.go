package domain

import (
	"context"
	"errors"
	"time"
)

// Source is the upstream usage provider.
type Source interface {
	ListConnections(ctx context.Context) ([]Connection, error)
	Usage(ctx context.Context, meterID string, start, end time.Time, g Granularity) ([]UsageRecord, error)
}

// Service fetches usage windows from the upstream source. It never retries.
type Service interface {
	Fetch(ctx context.Context, meterID string, start, end time.Time, g Granularity) ([]UsageRecord, error)
	HourlyUsage(ctx context.Context, meterID string, start, end time.Time) ([]UsageRecord, error)
	Connections(ctx context.Context) ([]Connection, error)
}

var (
	ErrUpstream       = errors.New("upstream_unavailable")
	ErrInvalidRange   = errors.New("invalid_range")
	ErrInvalidMeterID = errors.New("invalid_meter_id")
)
