package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/waterstats/internal/clock"
	"github.com/smallbiznis/waterstats/internal/config"
	"github.com/smallbiznis/waterstats/internal/cost"
	obsmetrics "github.com/smallbiznis/waterstats/internal/observability/metrics"
	reconciledomain "github.com/smallbiznis/waterstats/internal/reconcile/domain"
	"github.com/smallbiznis/waterstats/internal/series"
	statisticsdomain "github.com/smallbiznis/waterstats/internal/statistics/domain"
	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Statistics statisticsdomain.Service
	Policy     *config.PolicyHolder `optional:"true"`
}

type Engine struct {
	log   *zap.Logger
	clock clock.Clock
	stats statisticsdomain.Service
	// policy is nil when no holder was provided; defaults apply.
	policy *config.PolicyHolder
}

func New(p Params) reconciledomain.Engine {
	return &Engine{
		log:    p.Log.Named("reconcile.engine"),
		clock:  p.Clock,
		stats:  p.Statistics,
		policy: p.Policy,
	}
}

type seriesPlan struct {
	outcome reconciledomain.SeriesOutcome
	meta    series.Metadata
	points  []statisticsdomain.Point
}

// Reconcile plans every series from the store's last points, then appends.
// Nothing is written when ctx ends before the append phase.
func (e *Engine) Reconcile(ctx context.Context, req reconciledomain.Request) reconciledomain.Result {
	ctx, span := otel.Tracer("waterstats/reconcile").Start(ctx, "reconcile.meter")
	defer span.End()
	span.SetAttributes(
		attribute.String("meter_id", req.Meter.ID),
		attribute.String("granularity", string(req.Granularity)),
	)

	records, heldBack := Eligible(req.Records, e.clock.Now(), e.buffer(req.Granularity))
	result := reconciledomain.Result{
		MeterID:     req.Meter.ID,
		Granularity: req.Granularity,
		Eligible:    len(records),
		HeldBack:    heldBack,
	}

	plans := make([]seriesPlan, 0, len(series.Kinds))
	for _, kind := range series.Kinds {
		plans = append(plans, e.plan(ctx, req.Meter, kind, records))
	}

	reconcileMetrics := obsmetrics.Reconcile()
	for i := range plans {
		p := &plans[i]
		if p.outcome.Err == nil && len(p.points) > 0 {
			if err := ctx.Err(); err != nil {
				p.outcome.Err = fmt.Errorf("meter %s %s: %w", req.Meter.ID, p.outcome.Kind, err)
			} else {
				res, err := e.stats.Append(ctx, p.outcome.SeriesID, p.meta, p.points)
				p.outcome.Appended = res.Appended
				p.outcome.Rejected = res.Rejected
				p.outcome.Err = err
			}
		}

		kind := p.outcome.Kind.String()
		if p.outcome.Err != nil {
			reconcileMetrics.IncSeriesError(kind, p.outcome.Err)
			e.log.Error("reconcile.series.failed",
				zap.String("meter_id", req.Meter.ID),
				zap.String("kind", kind),
				zap.String("series_id", p.outcome.SeriesID),
				zap.Bool("last_found", p.outcome.Last.Found),
				zap.Time("last_ts", p.outcome.Last.Timestamp),
				zap.Float64("last_cumulative", p.outcome.Last.CumulativeValue),
				zap.Int("planned", len(p.points)),
				zap.Error(p.outcome.Err),
			)
		}
		reconcileMetrics.AddPointsAppended(kind, p.outcome.Appended)
		reconcileMetrics.AddPointsRejected(kind, p.outcome.Rejected)
		result.Series = append(result.Series, p.outcome)
	}

	result.FinishedAt = e.clock.Now()
	if err := result.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "series failed")
	}
	span.SetAttributes(attribute.Int("appended", result.Appended()))
	return result
}

func (e *Engine) plan(ctx context.Context, meter usagedomain.Connection, kind series.Kind, records []usagedomain.UsageRecord) seriesPlan {
	p := seriesPlan{outcome: reconciledomain.SeriesOutcome{Kind: kind}}

	meta, err := series.MetadataFor(meter.ID, meter.DisplayName(), kind)
	if err != nil {
		p.outcome.Err = fmt.Errorf("meter %s %s: %w", meter.ID, kind, err)
		return p
	}
	if addr := strings.TrimSpace(meter.Address); addr != "" {
		meta.Attributes["address"] = addr
	}
	if account := strings.TrimSpace(meter.AccountNumber); account != "" {
		meta.Attributes["account_number"] = account
	}
	p.meta = meta
	p.outcome.SeriesID = meta.StatisticID

	if len(records) == 0 {
		return p
	}

	last, err := e.stats.LastPoint(ctx, meta.StatisticID)
	if err != nil {
		p.outcome.Err = err
		return p
	}
	p.outcome.Last = last

	points, anomalies := BuildPoints(kind, records, last)
	p.points = points
	p.outcome.Anomalies = len(anomalies)
	for _, rec := range anomalies {
		obsmetrics.Reconcile().IncAnomaly(kind.String())
		e.log.Warn("reconcile.reading.anomalous",
			zap.String("meter_id", meter.ID),
			zap.String("kind", kind.String()),
			zap.Time("period_start", rec.PeriodStart),
			zap.Float64("period_value", Project(kind, rec)),
			zap.Float64("last_cumulative", last.CumulativeValue),
			zap.Error(reconciledomain.ErrAnomalousReading),
		)
	}
	return p
}

func (e *Engine) buffer(g usagedomain.Granularity) time.Duration {
	policy := config.DefaultPolicy()
	if e.policy != nil {
		policy = e.policy.Get()
	}
	if g == usagedomain.GranularityDay {
		return policy.DailyBuffer
	}
	return policy.HourlyBuffer
}

// Eligible returns records old enough to be final, ascending by
// PeriodStart, and how many were held back.
func Eligible(records []usagedomain.UsageRecord, now time.Time, buffer time.Duration) ([]usagedomain.UsageRecord, int) {
	out := make([]usagedomain.UsageRecord, 0, len(records))
	for _, rec := range records {
		if rec.PeriodStart.Add(buffer).After(now) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out, len(records) - len(out)
}

// Project returns the period value of rec for kind.
func Project(kind series.Kind, rec usagedomain.UsageRecord) float64 {
	switch kind {
	case series.KindTotalUsage:
		return rec.TotalQuantity
	case series.KindIrrigationUsage:
		return rec.IrrigationQuantity
	case series.KindIrrigationEvents:
		return float64(rec.IrrigationEventCount)
	case series.KindTotalCost:
		return cost.Derive(rec.TotalQuantity)
	default:
		return 0
	}
}

func accumulate(kind series.Kind, cumulative, period float64) float64 {
	if kind == series.KindTotalCost {
		return cost.Sum(cumulative, period)
	}
	return cumulative + period
}

// BuildPoints keeps records strictly newer than last, skips negative
// projections, and carries the running sum forward from last.
func BuildPoints(kind series.Kind, records []usagedomain.UsageRecord, last statisticsdomain.LastPoint) ([]statisticsdomain.Point, []usagedomain.UsageRecord) {
	var (
		points    []statisticsdomain.Point
		anomalies []usagedomain.UsageRecord
	)
	cumulative := last.CumulativeValue
	for _, rec := range records {
		if !last.After(rec.PeriodStart) {
			continue
		}
		value := Project(kind, rec)
		if value < 0 {
			anomalies = append(anomalies, rec)
			continue
		}
		cumulative = accumulate(kind, cumulative, value)
		points = append(points, statisticsdomain.Point{
			Timestamp:       rec.PeriodStart,
			PeriodValue:     value,
			CumulativeValue: cumulative,
		})
	}
	return points, anomalies
}
