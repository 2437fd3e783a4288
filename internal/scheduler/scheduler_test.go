package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waterstats/internal/clock"
	"github.com/smallbiznis/waterstats/internal/config"
	meterdomain "github.com/smallbiznis/waterstats/internal/meter/domain"
	reconciledomain "github.com/smallbiznis/waterstats/internal/reconcile/domain"
	"github.com/smallbiznis/waterstats/internal/series"
	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
	"github.com/smallbiznis/waterstats/internal/usage/liveevents"
	"github.com/smallbiznis/waterstats/internal/usage/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

type metersStub struct {
	conns []usagedomain.Connection
	err   error
}

func (m *metersStub) Connections(context.Context) ([]usagedomain.Connection, error) {
	return m.conns, m.err
}

func (m *metersStub) Get(_ context.Context, id string) (usagedomain.Connection, error) {
	for _, c := range m.conns {
		if c.ID == id {
			return c, nil
		}
	}
	return usagedomain.Connection{}, meterdomain.ErrNotFound
}

func (m *metersStub) Refresh(context.Context) ([]meterdomain.Meter, error) { return nil, nil }
func (m *metersStub) List(context.Context) ([]meterdomain.Meter, error)    { return nil, nil }
func (m *metersStub) SetEnabled(context.Context, string, bool) (*meterdomain.Meter, error) {
	return nil, nil
}

type usageMock struct{ mock.Mock }

func (m *usageMock) Fetch(_ context.Context, meterID string, _, _ time.Time, g usagedomain.Granularity) ([]usagedomain.UsageRecord, error) {
	args := m.Called(meterID, g)
	records, _ := args.Get(0).([]usagedomain.UsageRecord)
	return records, args.Error(1)
}

func (m *usageMock) HourlyUsage(context.Context, string, time.Time, time.Time) ([]usagedomain.UsageRecord, error) {
	return nil, nil
}

func (m *usageMock) Connections(context.Context) ([]usagedomain.Connection, error) {
	return nil, nil
}

// engineStub appends one point per hourly record unless a series error is
// configured. A gate blocks the pass until closed.
type engineStub struct {
	mu        sync.Mutex
	requests  []reconciledomain.Request
	seriesErr map[string]error
	gates     map[string]chan struct{}
}

func newEngineStub() *engineStub {
	return &engineStub{seriesErr: map[string]error{}, gates: map[string]chan struct{}{}}
}

func (e *engineStub) Reconcile(_ context.Context, req reconciledomain.Request) reconciledomain.Result {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	gate := e.gates[req.Meter.ID]
	seriesErr := e.seriesErr[req.Meter.ID]
	e.mu.Unlock()

	if gate != nil {
		<-gate
	}

	outcome := reconciledomain.SeriesOutcome{
		Kind:      series.KindTotalUsage,
		SeriesID:  "dropcountr:dropcountr_" + req.Meter.ID + "_total_gallons",
		Appended:  len(req.Records),
		Anomalies: 1,
	}
	if seriesErr != nil {
		outcome.Appended = 0
		outcome.Err = seriesErr
	}
	return reconciledomain.Result{
		MeterID:     req.Meter.ID,
		Granularity: req.Granularity,
		Eligible:    len(req.Records),
		Series:      []reconciledomain.SeriesOutcome{outcome},
		FinishedAt:  now,
	}
}

func (e *engineStub) calls(meterID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, req := range e.requests {
		if req.Meter.ID == meterID {
			n++
		}
	}
	return n
}

type fixture struct {
	sched     *Scheduler
	meters    *metersStub
	usage     *usageMock
	engine    *engineStub
	snapshots *snapshot.Store
	hub       *liveevents.Hub
}

func setupScheduler(t *testing.T, conns ...usagedomain.Connection) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	log := zap.NewNop()
	clk := clock.NewFakeClock(now)
	f := &fixture{
		meters: &metersStub{conns: conns},
		usage:  new(usageMock),
		engine: newEngineStub(),
		snapshots: snapshot.NewStore(snapshot.Params{
			Log:    log,
			Clock:  clk,
			Config: config.Config{TimeZone: "UTC"},
		}),
		hub: liveevents.NewHub(),
	}
	f.sched, err = New(Params{
		Log:       log,
		Clock:     clk,
		GenID:     node,
		Meters:    f.meters,
		Usage:     f.usage,
		Engine:    f.engine,
		Snapshots: f.snapshots,
		Hub:       f.hub,
		Policy:    config.NewStaticPolicyHolder(config.DefaultPolicy()),
	})
	require.NoError(t, err)
	return f
}

func hourly(meterID string, values ...float64) []usagedomain.UsageRecord {
	out := make([]usagedomain.UsageRecord, 0, len(values))
	start := now.Add(-time.Duration(len(values)+2) * time.Hour)
	for i, v := range values {
		ps := start.Add(time.Duration(i) * time.Hour)
		out = append(out, usagedomain.UsageRecord{
			MeterID:       meterID,
			PeriodStart:   ps,
			PeriodEnd:     ps.Add(time.Hour),
			Granularity:   usagedomain.GranularityHour,
			TotalQuantity: v,
		})
	}
	return out
}

func daily(meterID string, values ...float64) []usagedomain.UsageRecord {
	out := make([]usagedomain.UsageRecord, 0, len(values))
	start := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -len(values)+1)
	for i, v := range values {
		ps := start.AddDate(0, 0, i)
		out = append(out, usagedomain.UsageRecord{
			MeterID:       meterID,
			PeriodStart:   ps,
			PeriodEnd:     ps.AddDate(0, 0, 1),
			Granularity:   usagedomain.GranularityDay,
			TotalQuantity: v,
		})
	}
	return out
}

func upstreamErr(meterID string) error {
	return fmt.Errorf("%w: meter %s: status 503", usagedomain.ErrUpstream, meterID)
}

func TestRunOnceReconcilesEveryMeter(t *testing.T) {
	f := setupScheduler(t,
		usagedomain.Connection{ID: "1234", Name: "Main House"},
		usagedomain.Connection{ID: "5678", Name: "Guest House"},
	)
	for _, id := range []string{"1234", "5678"} {
		f.usage.On("Fetch", id, usagedomain.GranularityHour).Return(hourly(id, 10, 15, 12), nil)
		f.usage.On("Fetch", id, usagedomain.GranularityDay).Return(daily(id, 200, 250), nil)
	}

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Empty(t, report.Skipped)
	require.Len(t, report.Results, 2)

	for i, id := range []string{"1234", "5678"} {
		result := report.Results[i]
		assert.Equal(t, id, result.MeterID)
		assert.Equal(t, report.RunID, result.RunID)
		assert.Equal(t, reconciledomain.PassSucceeded, result.Outcome)
		assert.Equal(t, 1, result.Attempts)
		assert.Equal(t, 3, result.Reconcile.Appended())
		assert.NoError(t, result.Err)

		snap, ok := f.snapshots.Get(id)
		require.True(t, ok)
		assert.Len(t, snap.Records, 2)
		require.NotNil(t, snap.Latest)
		assert.Equal(t, 250.0, snap.Latest.TotalQuantity)
		assert.Equal(t, now, snap.LastSuccessAt)
		assert.True(t, snap.Summary.Connected)
	}

	for _, req := range f.engine.requests {
		assert.Equal(t, usagedomain.GranularityHour, req.Granularity)
	}
	f.usage.AssertExpectations(t)
}

func TestRunOnceIsolatesMeterFailures(t *testing.T) {
	f := setupScheduler(t,
		usagedomain.Connection{ID: "bad"},
		usagedomain.Connection{ID: "good"},
	)
	f.usage.On("Fetch", "bad", usagedomain.GranularityHour).Return(nil, upstreamErr("bad"))
	f.usage.On("Fetch", "good", usagedomain.GranularityHour).Return(hourly("good", 5), nil)
	f.usage.On("Fetch", "good", usagedomain.GranularityDay).Return(daily("good", 40), nil)

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	bad, good := report.Results[0], report.Results[1]
	assert.Equal(t, reconciledomain.PassFailed, bad.Outcome)
	assert.Equal(t, maxFetchAttempts, bad.Attempts)
	assert.ErrorIs(t, bad.Err, usagedomain.ErrUpstream)
	assert.Equal(t, 0, f.engine.calls("bad"))

	assert.Equal(t, reconciledomain.PassSucceeded, good.Outcome)
	assert.Equal(t, 1, f.engine.calls("good"))

	snap, ok := f.snapshots.Get("bad")
	require.True(t, ok)
	assert.Equal(t, reconciledomain.PassFailed, snap.Pass.Outcome)
	assert.False(t, snap.Summary.Connected)
	assert.True(t, snap.LastSuccessAt.IsZero())

	f.usage.AssertNotCalled(t, "Fetch", "bad", usagedomain.GranularityDay)
	f.usage.AssertNumberOfCalls(t, "Fetch", 4)
}

func TestRunMeterRetriesUpstreamOnce(t *testing.T) {
	f := setupScheduler(t, usagedomain.Connection{ID: "1234"})
	f.usage.On("Fetch", "1234", usagedomain.GranularityHour).Return(nil, upstreamErr("1234")).Once()
	f.usage.On("Fetch", "1234", usagedomain.GranularityHour).Return(hourly("1234", 7, 8), nil).Once()
	f.usage.On("Fetch", "1234", usagedomain.GranularityDay).Return(daily("1234", 30), nil)

	result, err := f.sched.RunMeter(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.PassSucceeded, result.Outcome)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 2, result.Reconcile.Appended())
	f.usage.AssertExpectations(t)
}

func TestRunMeterDoesNotRetryInvalidRange(t *testing.T) {
	f := setupScheduler(t, usagedomain.Connection{ID: "1234"})
	f.usage.On("Fetch", "1234", usagedomain.GranularityHour).
		Return(nil, fmt.Errorf("%w: meter 1234: start after end", usagedomain.ErrInvalidRange)).Once()

	result, err := f.sched.RunMeter(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.PassFailed, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.Err, usagedomain.ErrInvalidRange)
	f.usage.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestSeriesErrorIsPartialFailure(t *testing.T) {
	f := setupScheduler(t, usagedomain.Connection{ID: "1234"})
	f.engine.seriesErr["1234"] = errors.New("statistics_write: boom")
	f.usage.On("Fetch", "1234", usagedomain.GranularityHour).Return(hourly("1234", 1), nil)
	f.usage.On("Fetch", "1234", usagedomain.GranularityDay).Return(daily("1234", 1), nil)

	result, err := f.sched.RunMeter(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.PassPartiallyFailed, result.Outcome)
	assert.Error(t, result.Err)

	snap, ok := f.snapshots.Get("1234")
	require.True(t, ok)
	assert.True(t, snap.Summary.Connected)
	assert.True(t, snap.LastSuccessAt.IsZero())
}

func TestDailyFetchFailureKeepsPreviousRecords(t *testing.T) {
	f := setupScheduler(t, usagedomain.Connection{ID: "1234"})
	f.usage.On("Fetch", "1234", usagedomain.GranularityHour).Return(hourly("1234", 1), nil)
	f.usage.On("Fetch", "1234", usagedomain.GranularityDay).Return(daily("1234", 11, 12, 13), nil).Once()
	f.usage.On("Fetch", "1234", usagedomain.GranularityDay).Return(nil, upstreamErr("1234")).Once()

	_, err := f.sched.RunMeter(context.Background(), "1234")
	require.NoError(t, err)
	result, err := f.sched.RunMeter(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.PassSucceeded, result.Outcome)

	snap, ok := f.snapshots.Get("1234")
	require.True(t, ok)
	assert.Len(t, snap.Records, 3)
	require.NotNil(t, snap.Latest)
	assert.Equal(t, 13.0, snap.Latest.TotalQuantity)
}

func TestPassInFlightIsSkipped(t *testing.T) {
	f := setupScheduler(t,
		usagedomain.Connection{ID: "1234"},
		usagedomain.Connection{ID: "5678"},
	)
	gate := make(chan struct{})
	f.engine.gates["1234"] = gate
	for _, id := range []string{"1234", "5678"} {
		f.usage.On("Fetch", id, usagedomain.GranularityHour).Return(hourly(id, 1), nil)
		f.usage.On("Fetch", id, usagedomain.GranularityDay).Return(daily(id, 1), nil)
	}

	done := make(chan reconciledomain.PassResult, 1)
	go func() {
		result, _ := f.sched.RunMeter(context.Background(), "1234")
		done <- result
	}()
	require.Eventually(t, func() bool { return f.engine.calls("1234") == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.sched.InFlight("1234"))

	_, err := f.sched.RunMeter(context.Background(), "1234")
	assert.ErrorIs(t, err, ErrPassInFlight)

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1234"}, report.Skipped)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "5678", report.Results[0].MeterID)

	close(gate)
	select {
	case result := <-done:
		assert.Equal(t, reconciledomain.PassSucceeded, result.Outcome)
	case <-time.After(time.Second):
		t.Fatal("blocked pass did not finish")
	}
	assert.False(t, f.sched.InFlight("1234"))
	assert.Equal(t, 1, f.engine.calls("1234"))
}

func TestRunMeterUnknownMeter(t *testing.T) {
	f := setupScheduler(t, usagedomain.Connection{ID: "1234"})

	_, err := f.sched.RunMeter(context.Background(), "9999")
	assert.ErrorIs(t, err, meterdomain.ErrNotFound)
	f.usage.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestRunOnceMeterListFailure(t *testing.T) {
	f := setupScheduler(t)
	f.meters.err = errors.New("upstream_unavailable")

	report, err := f.sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Empty(t, report.Results)
}

func TestPassPublishesLiveEvent(t *testing.T) {
	f := setupScheduler(t, usagedomain.Connection{ID: "1234"})
	f.usage.On("Fetch", "1234", usagedomain.GranularityHour).Return(hourly("1234", 3, 4), nil)
	f.usage.On("Fetch", "1234", usagedomain.GranularityDay).Return(daily("1234", 7), nil)

	sub, backlog, err := f.hub.Subscribe("1234")
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, backlog)

	result, err := f.sched.RunMeter(context.Background(), "1234")
	require.NoError(t, err)

	select {
	case event := <-sub.Events():
		assert.Equal(t, result.RunID, event.RunID)
		assert.Equal(t, liveevents.TriggerManual, event.Trigger)
		assert.Equal(t, string(reconciledomain.PassSucceeded), event.Outcome)
		assert.Equal(t, 2, event.Appended)
		assert.Equal(t, 1, event.Anomalies)
		assert.Empty(t, event.Error)
	case <-time.After(time.Second):
		t.Fatal("no live event")
	}
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	f := setupScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.RunForever(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunForever did not stop")
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigFollowsPolicy(t *testing.T) {
	p := config.DefaultPolicy()
	p.Interval = 30 * time.Minute
	p.MaxConcurrent = 0
	cfg := ConfigFromPolicy(p).withDefaults()

	assert.Equal(t, 30*time.Minute, cfg.Interval)
	assert.Equal(t, config.DefaultPolicy().MaxConcurrent, cfg.MaxConcurrent)
	assert.Equal(t, config.DefaultPolicy().PassTimeout+lockMargin, cfg.lockTTL())
	assert.Equal(t, 4*time.Hour, DefaultConfig().Interval)
}
