package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/waterstats/internal/observability/context"
	obslogger "github.com/smallbiznis/waterstats/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/waterstats/internal/observability/metrics"
	reconciledomain "github.com/smallbiznis/waterstats/internal/reconcile/domain"
	"go.uber.org/zap"
)

// cycleRun tracks one tick across all meters.
type cycleRun struct {
	runID     string
	trigger   string
	startedAt time.Time
	meters    int
	succeeded int
	partial   int
	failed    int
	skipped   int
}

func (r *cycleRun) add(result reconciledomain.PassResult) {
	switch result.Outcome {
	case reconciledomain.PassSucceeded:
		r.succeeded++
	case reconciledomain.PassPartiallyFailed:
		r.partial++
	default:
		r.failed++
	}
}

func (s *Scheduler) withLogContext(ctx context.Context, runID, meterID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if runID != "" {
		ctx = obscontext.WithRunID(ctx, runID)
	}
	if meterID != "" {
		ctx = obscontext.WithMeterID(ctx, meterID)
	}
	return ctx
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logCycleStart(ctx context.Context, run *cycleRun) {
	s.logger(ctx).Info("scheduler.cycle.start",
		zap.String("trigger", run.trigger),
		zap.Int("meters", run.meters),
	)
}

func (s *Scheduler) logCycleFinish(ctx context.Context, run *cycleRun) {
	fields := []zap.Field{
		zap.String("trigger", run.trigger),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("meters", run.meters),
		zap.Int("succeeded", run.succeeded),
		zap.Int("partially_failed", run.partial),
		zap.Int("failed", run.failed),
		zap.Int("skipped", run.skipped),
	}
	log := s.logger(ctx)
	if run.failed > 0 || run.partial > 0 {
		log.Warn("scheduler.cycle.finish", fields...)
		return
	}
	log.Info("scheduler.cycle.finish", fields...)
}

func (s *Scheduler) logPassFinish(ctx context.Context, result reconciledomain.PassResult, elapsed time.Duration) {
	fields := []zap.Field{
		zap.String("outcome", string(result.Outcome)),
		zap.Int("attempts", result.Attempts),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
		zap.Int("eligible", result.Reconcile.Eligible),
		zap.Int("held_back", result.Reconcile.HeldBack),
		zap.Int("appended", result.Reconcile.Appended()),
	}
	log := s.logger(ctx)
	if result.Err == nil {
		log.Info("scheduler.pass.finish", fields...)
		return
	}
	fields = append(fields,
		zap.String("error_type", obsmetrics.ClassifyReason(result.Err)),
		zap.Error(result.Err),
	)
	if result.Outcome == reconciledomain.PassFailed {
		log.Error("scheduler.pass.finish", fields...)
		return
	}
	log.Warn("scheduler.pass.finish", fields...)
}
