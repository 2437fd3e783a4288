package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/waterstats/internal/series"
)

// Service is the statistics store adapter. It is safe for concurrent use;
// each call runs on its own pooled connection.
type Service interface {
	LastPoint(ctx context.Context, seriesID string) (LastPoint, error)
	Append(ctx context.Context, seriesID string, meta series.Metadata, points []Point) (AppendResult, error)
	Points(ctx context.Context, seriesID string, start, end time.Time) ([]Point, error)
	ListSeries(ctx context.Context) ([]Meta, error)
}

var (
	ErrStatisticsRead  = errors.New("statistics_read_failed")
	ErrStatisticsWrite = errors.New("statistics_write_failed")
	ErrInvalidSeriesID = errors.New("invalid_series_id")
	ErrSeriesMismatch  = errors.New("series_metadata_mismatch")
)
