package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/waterstats/internal/clock"
	"github.com/smallbiznis/waterstats/internal/config"
	obsmetrics "github.com/smallbiznis/waterstats/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const hourlyQueryWindow = 24 * time.Hour

type ServiceParam struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Source     usagedomain.Source
	Policy     *config.PolicyHolder `optional:"true"`
	ObsMetrics *obsmetrics.Metrics  `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	clock      clock.Clock
	source     usagedomain.Source
	policy     *config.PolicyHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		log:        p.Log.Named("usage.service"),
		clock:      p.Clock,
		source:     p.Source,
		policy:     p.Policy,
		obsMetrics: p.ObsMetrics,
	}
}

// Fetch returns one meter's records for [start, end], ascending by period
// start with duplicate periods collapsed. Zero bounds default to the
// granularity's lookback ending now.
func (s *Service) Fetch(ctx context.Context, meterID string, start, end time.Time, g usagedomain.Granularity) ([]usagedomain.UsageRecord, error) {
	meterID = strings.TrimSpace(meterID)
	if meterID == "" {
		return nil, usagedomain.ErrInvalidMeterID
	}
	if g != usagedomain.GranularityHour && g != usagedomain.GranularityDay {
		return nil, fmt.Errorf("%w: meter %s: granularity %q", usagedomain.ErrInvalidRange, meterID, g)
	}

	start, end = s.window(start, end, g)
	if start.After(end) {
		return nil, fmt.Errorf("%w: meter %s: start %s after end %s",
			usagedomain.ErrInvalidRange, meterID, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	raw, err := s.source.Usage(ctx, meterID, start, end, g)
	if err != nil {
		s.obsMetrics.RecordUpstreamFetch(ctx, string(g), "error", 0)
		if errors.Is(err, usagedomain.ErrUpstream) {
			return nil, fmt.Errorf("meter %s: %w", meterID, err)
		}
		return nil, fmt.Errorf("%w: meter %s: %w", usagedomain.ErrUpstream, meterID, err)
	}

	records := s.normalize(meterID, g, raw)
	s.obsMetrics.RecordUpstreamFetch(ctx, string(g), "success", len(records))
	s.log.Debug("usage.fetch.finish",
		zap.String("meter_id", meterID),
		zap.String("granularity", string(g)),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// HourlyUsage serves on-demand queries. It never touches the statistics
// store; a zero bound selects the trailing 24 hours.
func (s *Service) HourlyUsage(ctx context.Context, meterID string, start, end time.Time) ([]usagedomain.UsageRecord, error) {
	if end.IsZero() {
		end = s.clock.Now()
	}
	if start.IsZero() {
		start = end.Add(-hourlyQueryWindow)
	}

	records, err := s.Fetch(ctx, meterID, start, end, usagedomain.GranularityHour)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.obsMetrics.RecordHourlyQuery(ctx, outcome)
	return records, err
}

func (s *Service) Connections(ctx context.Context) ([]usagedomain.Connection, error) {
	conns, err := s.source.ListConnections(ctx)
	if err != nil {
		if errors.Is(err, usagedomain.ErrUpstream) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: list connections: %w", usagedomain.ErrUpstream, err)
	}
	return conns, nil
}

func (s *Service) window(start, end time.Time, g usagedomain.Granularity) (time.Time, time.Time) {
	policy := config.DefaultPolicy()
	if s.policy != nil {
		policy = s.policy.Get()
	}
	lookback := policy.HourlyLookback
	if g == usagedomain.GranularityDay {
		lookback = policy.DailyLookback
	}

	if end.IsZero() {
		end = s.clock.Now()
	}
	floor := end.Add(-lookback)
	if start.IsZero() {
		start = floor
	}
	if g == usagedomain.GranularityHour && start.Before(floor) {
		start = floor
	}
	return start, end
}

func (s *Service) normalize(meterID string, g usagedomain.Granularity, raw []usagedomain.UsageRecord) []usagedomain.UsageRecord {
	records := make([]usagedomain.UsageRecord, 0, len(raw))
	for _, rec := range raw {
		if rec.MeterID == "" {
			rec.MeterID = meterID
		}
		if rec.Granularity == "" {
			rec.Granularity = g
		}
		if rec.PeriodEnd.IsZero() {
			rec.PeriodEnd = rec.PeriodStart.Add(g.Step())
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].PeriodStart.Before(records[j].PeriodStart)
	})

	out := records[:0]
	for _, rec := range records {
		if n := len(out); n > 0 && out[n-1].PeriodStart.Equal(rec.PeriodStart) {
			s.log.Warn("usage.fetch.duplicate_period",
				zap.String("meter_id", meterID),
				zap.String("granularity", string(g)),
				zap.Time("period_start", rec.PeriodStart),
				zap.Float64("kept_total", out[n-1].TotalQuantity),
				zap.Float64("dropped_total", rec.TotalQuantity),
			)
			continue
		}
		out = append(out, rec)
	}
	return out
}
