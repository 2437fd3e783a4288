package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waterstats/internal/clock"
	"github.com/smallbiznis/waterstats/internal/config"
	meterdomain "github.com/smallbiznis/waterstats/internal/meter/domain"
	obsmetrics "github.com/smallbiznis/waterstats/internal/observability/metrics"
	"github.com/smallbiznis/waterstats/internal/ratelimit"
	reconciledomain "github.com/smallbiznis/waterstats/internal/reconcile/domain"
	"github.com/smallbiznis/waterstats/internal/scheduler/guard"
	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
	"github.com/smallbiznis/waterstats/internal/usage/liveevents"
	"github.com/smallbiznis/waterstats/internal/usage/snapshot"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxFetchAttempts is the initial fetch plus one immediate retry.
const maxFetchAttempts = 2

var (
	ErrInvalidConfig = errors.New("invalid_scheduler_config")
	ErrPassInFlight  = errors.New("pass_in_flight")
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	GenID     *snowflake.Node
	Meters    meterdomain.Service
	Usage     usagedomain.Service
	Engine    reconciledomain.Engine
	Snapshots *snapshot.Store
	Hub       *liveevents.Hub      `optional:"true"`
	Locker    *ratelimit.Locker    `optional:"true"`
	Policy    *config.PolicyHolder `optional:"true"`
	Config    Config               `optional:"true"`
}

// Scheduler drives the update cycle: every tick each enabled meter gets one
// pass of fetch, reconcile and publish.
type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	policy    *config.PolicyHolder
	genID     *snowflake.Node
	clock     clock.Clock
	meters    meterdomain.Service
	usage     usagedomain.Service
	engine    reconciledomain.Engine
	snapshots *snapshot.Store
	hub       *liveevents.Hub
	guard     *guard.Guard
}

// CycleReport summarizes one RunOnce. Skipped lists meters whose previous
// pass was still in flight.
type CycleReport struct {
	RunID   string                       `json:"run_id"`
	Results []reconciledomain.PassResult `json:"results"`
	Skipped []string                     `json:"skipped,omitempty"`
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.GenID == nil || p.Meters == nil || p.Usage == nil || p.Engine == nil || p.Snapshots == nil {
		return nil, ErrInvalidConfig
	}
	log := p.Log.Named("scheduler").With(zap.String("component", "scheduler"))

	var remote guard.DistributedLock
	if p.Locker.Enabled() {
		remote = p.Locker
	}

	return &Scheduler{
		log:       log,
		cfg:       p.Config.withDefaults(),
		policy:    p.Policy,
		genID:     p.GenID,
		clock:     p.Clock,
		meters:    p.Meters,
		usage:     p.Usage,
		engine:    p.Engine,
		snapshots: p.Snapshots,
		hub:       p.Hub,
		guard:     guard.New(log, remote),
	}, nil
}

func (s *Scheduler) config() Config {
	if s.policy == nil {
		return s.cfg
	}
	return ConfigFromPolicy(s.policy.Get()).withDefaults()
}

// RunOnce runs one pass for every enabled meter. Per-meter failures are
// reported in the CycleReport; only a failure to list meters is returned.
func (s *Scheduler) RunOnce(parent context.Context) (CycleReport, error) {
	cfg := s.config()
	runID := s.genID.Generate().String()
	ctx := s.withLogContext(parent, runID, "")
	report := CycleReport{RunID: runID}

	meters, err := s.meters.Connections(ctx)
	if err != nil {
		s.logger(ctx).Error("scheduler.cycle.meters_failed", zap.Error(err))
		return report, fmt.Errorf("list meters: %w", err)
	}

	run := &cycleRun{
		runID:     runID,
		trigger:   liveevents.TriggerSchedule,
		startedAt: time.Now(),
		meters:    len(meters),
	}
	s.logCycleStart(ctx, run)

	results := make([]reconciledomain.PassResult, len(meters))
	skipped := make([]bool, len(meters))
	ran := make([]bool, len(meters))

	var g errgroup.Group
	g.SetLimit(cfg.MaxConcurrent)
	for i, meter := range meters {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			result, err := s.runPass(ctx, runID, meter, liveevents.TriggerSchedule, cfg)
			if errors.Is(err, ErrPassInFlight) {
				skipped[i] = true
				return nil
			}
			if err != nil {
				result = reconciledomain.PassResult{
					RunID:   runID,
					MeterID: meter.ID,
					Outcome: reconciledomain.PassFailed,
					Err:     err,
				}
			}
			results[i] = result
			ran[i] = true
			return nil
		})
	}
	_ = g.Wait()

	for i := range meters {
		switch {
		case skipped[i]:
			report.Skipped = append(report.Skipped, meters[i].ID)
			run.skipped++
		case ran[i]:
			report.Results = append(report.Results, results[i])
			run.add(results[i])
		}
	}
	s.logCycleFinish(ctx, run)
	return report, nil
}

// RunMeter runs an immediate pass for one meter. It returns ErrPassInFlight
// when a pass for that meter is already running.
func (s *Scheduler) RunMeter(ctx context.Context, meterID string) (reconciledomain.PassResult, error) {
	meter, err := s.meters.Get(ctx, meterID)
	if err != nil {
		return reconciledomain.PassResult{}, err
	}
	runID := s.genID.Generate().String()
	return s.runPass(ctx, runID, meter, liveevents.TriggerManual, s.config())
}

// InFlight reports whether a pass for meterID is running in this process.
func (s *Scheduler) InFlight(meterID string) bool {
	return s.guard.Held(meterID)
}

// RunForever runs a cycle immediately and then once per interval until ctx
// is done. Interval changes take effect after the current cycle.
func (s *Scheduler) RunForever(ctx context.Context) {
	interval := s.config().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	nextRun := time.Now()
	m := obsmetrics.Reconcile()

	for {
		if lag := time.Since(nextRun); lag > 0 {
			m.ObserveRunLoopLag(lag)
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("scheduler.cycle.failed", zap.Error(err))
		}

		if next := s.config().Interval; next != interval {
			s.log.Info("scheduler.interval.changed",
				zap.Duration("previous", interval),
				zap.Duration("interval", next),
			)
			interval = next
			ticker.Reset(interval)
			nextRun = time.Now()
		}
		nextRun = nextRun.Add(interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runPass(
	parent context.Context,
	runID string,
	meter usagedomain.Connection,
	trigger string,
	cfg Config,
) (reconciledomain.PassResult, error) {
	ctx := s.withLogContext(parent, runID, meter.ID)
	m := obsmetrics.Reconcile()

	release, ok, err := s.guard.TryAcquire(ctx, meter.ID, cfg.lockTTL())
	if err != nil {
		return reconciledomain.PassResult{}, err
	}
	if !ok {
		m.IncPassSkipped(obsmetrics.SkipReasonInFlight)
		s.logger(ctx).Info("scheduler.pass.skipped",
			zap.String("trigger", trigger),
			zap.String("reason", obsmetrics.SkipReasonInFlight),
		)
		return reconciledomain.PassResult{}, ErrPassInFlight
	}
	defer release()

	started := time.Now()
	result := reconciledomain.PassResult{
		RunID:     runID,
		MeterID:   meter.ID,
		StartedAt: s.clock.Now(),
	}
	s.logger(ctx).Debug("scheduler.pass.start", zap.String("trigger", trigger))

	passCtx, cancel := context.WithTimeout(ctx, cfg.PassTimeout)
	defer cancel()

	records, attempts, fetchErr := s.fetchHourly(passCtx, meter.ID)
	result.Attempts = attempts
	if fetchErr == nil {
		result.Reconcile = s.engine.Reconcile(passCtx, reconciledomain.Request{
			Meter:       meter,
			Granularity: usagedomain.GranularityHour,
			Records:     records,
		})
	}
	result.Outcome = reconciledomain.Classify(fetchErr, result.Reconcile)
	result.Err = errors.Join(fetchErr, result.Reconcile.Err())
	result.FinishedAt = s.clock.Now()

	var daily []usagedomain.UsageRecord
	if fetchErr == nil {
		daily = s.fetchDaily(passCtx, meter.ID)
	}

	s.snapshots.Publish(snapshot.Update{
		Meter:   meter,
		Records: daily,
		Pass:    result,
	})
	s.hub.Publish(passEvent(result, trigger))

	elapsed := time.Since(started)
	m.IncPass(string(result.Outcome))
	m.ObservePassDuration(elapsed)
	s.logPassFinish(ctx, result, elapsed)
	return result, nil
}

// fetchHourly fetches the default hourly window, retrying once when the
// upstream failure is transient.
func (s *Scheduler) fetchHourly(ctx context.Context, meterID string) ([]usagedomain.UsageRecord, int, error) {
	for attempt := 1; ; attempt++ {
		records, err := s.usage.Fetch(ctx, meterID, time.Time{}, time.Time{}, usagedomain.GranularityHour)
		if err == nil {
			return records, attempt, nil
		}
		if attempt >= maxFetchAttempts || !obsmetrics.IsRetryable(err) || ctx.Err() != nil {
			return nil, attempt, err
		}
		obsmetrics.Reconcile().IncUpstreamRetry()
		s.logger(ctx).Warn("scheduler.pass.fetch_retry",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

// fetchDaily loads the daily records kept for display. A failure keeps the
// previously published records.
func (s *Scheduler) fetchDaily(ctx context.Context, meterID string) []usagedomain.UsageRecord {
	records, err := s.usage.Fetch(ctx, meterID, time.Time{}, time.Time{}, usagedomain.GranularityDay)
	if err != nil {
		s.logger(ctx).Warn("scheduler.pass.daily_fetch_failed", zap.Error(err))
		return nil
	}
	if records == nil {
		records = []usagedomain.UsageRecord{}
	}
	return records
}

func passEvent(result reconciledomain.PassResult, trigger string) liveevents.PassEvent {
	event := liveevents.PassEvent{
		MeterID:    result.MeterID,
		RunID:      result.RunID,
		Trigger:    trigger,
		Outcome:    string(result.Outcome),
		Appended:   result.Reconcile.Appended(),
		HeldBack:   result.Reconcile.HeldBack,
		FinishedAt: result.FinishedAt,
	}
	for _, series := range result.Reconcile.Series {
		event.Anomalies += series.Anomalies
	}
	if result.Err != nil {
		event.Error = result.Err.Error()
	}
	return event
}
