package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/waterstats/internal/clock"
	"github.com/smallbiznis/waterstats/internal/config"
	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

type sourceMock struct {
	mock.Mock
}

func (m *sourceMock) ListConnections(ctx context.Context) ([]usagedomain.Connection, error) {
	args := m.Called(ctx)
	conns, _ := args.Get(0).([]usagedomain.Connection)
	return conns, args.Error(1)
}

func (m *sourceMock) Usage(ctx context.Context, meterID string, start, end time.Time, g usagedomain.Granularity) ([]usagedomain.UsageRecord, error) {
	args := m.Called(ctx, meterID, start, end, g)
	records, _ := args.Get(0).([]usagedomain.UsageRecord)
	return records, args.Error(1)
}

func newTestService(t *testing.T, source usagedomain.Source, log *zap.Logger) *Service {
	t.Helper()
	if log == nil {
		log = zap.NewNop()
	}
	return NewService(ServiceParam{
		Log:    log,
		Clock:  clock.NewFakeClock(now),
		Source: source,
	}).(*Service)
}

func record(ts time.Time, total float64) usagedomain.UsageRecord {
	return usagedomain.UsageRecord{PeriodStart: ts, TotalQuantity: total}
}

func TestFetchDefaultsWindow(t *testing.T) {
	tests := []struct {
		name      string
		g         usagedomain.Granularity
		wantStart time.Time
	}{
		{name: "hourly", g: usagedomain.GranularityHour, wantStart: now.Add(-7 * 24 * time.Hour)},
		{name: "daily", g: usagedomain.GranularityDay, wantStart: now.Add(-45 * 24 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &sourceMock{}
			source.On("Usage", mock.Anything, "1234", tt.wantStart, now, tt.g).Return([]usagedomain.UsageRecord{}, nil)

			svc := newTestService(t, source, nil)
			records, err := svc.Fetch(context.Background(), "1234", time.Time{}, time.Time{}, tt.g)
			require.NoError(t, err)
			assert.Empty(t, records)
			source.AssertExpectations(t)
		})
	}
}

func TestFetchClampsHourlyLookback(t *testing.T) {
	end := now.Add(-time.Hour)
	source := &sourceMock{}
	source.On("Usage", mock.Anything, "1234", end.Add(-7*24*time.Hour), end, usagedomain.GranularityHour).
		Return([]usagedomain.UsageRecord{}, nil)

	svc := newTestService(t, source, nil)
	_, err := svc.Fetch(context.Background(), "1234", end.Add(-30*24*time.Hour), end, usagedomain.GranularityHour)
	require.NoError(t, err)
	source.AssertExpectations(t)
}

func TestFetchHonoursPolicyLookback(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.HourlyLookback = 48 * time.Hour

	source := &sourceMock{}
	source.On("Usage", mock.Anything, "1234", now.Add(-48*time.Hour), now, usagedomain.GranularityHour).
		Return([]usagedomain.UsageRecord{}, nil)

	svc := newTestService(t, source, nil)
	svc.policy = config.NewStaticPolicyHolder(policy)
	_, err := svc.Fetch(context.Background(), "1234", time.Time{}, time.Time{}, usagedomain.GranularityHour)
	require.NoError(t, err)
	source.AssertExpectations(t)
}

func TestFetchInvalidInput(t *testing.T) {
	source := &sourceMock{}
	svc := newTestService(t, source, nil)

	_, err := svc.Fetch(context.Background(), "1234", now, now.Add(-time.Hour), usagedomain.GranularityHour)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidRange)
	assert.Contains(t, err.Error(), "1234")

	_, err = svc.Fetch(context.Background(), "  ", time.Time{}, time.Time{}, usagedomain.GranularityHour)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidMeterID)

	_, err = svc.Fetch(context.Background(), "1234", time.Time{}, time.Time{}, usagedomain.Granularity("week"))
	assert.ErrorIs(t, err, usagedomain.ErrInvalidRange)

	source.AssertNotCalled(t, "Usage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchWrapsUpstreamFailure(t *testing.T) {
	source := &sourceMock{}
	source.On("Usage", mock.Anything, "1234", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset"))

	svc := newTestService(t, source, nil)
	_, err := svc.Fetch(context.Background(), "1234", time.Time{}, time.Time{}, usagedomain.GranularityHour)
	require.Error(t, err)
	assert.ErrorIs(t, err, usagedomain.ErrUpstream)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestFetchSortsAndCollapsesDuplicates(t *testing.T) {
	base := now.Add(-10 * time.Hour)
	source := &sourceMock{}
	source.On("Usage", mock.Anything, "1234", mock.Anything, mock.Anything, usagedomain.GranularityHour).
		Return([]usagedomain.UsageRecord{
			record(base.Add(2*time.Hour), 3),
			record(base, 1),
			record(base.Add(time.Hour), 2),
			record(base.Add(time.Hour), 99),
		}, nil)

	core, logs := observer.New(zap.WarnLevel)
	svc := newTestService(t, source, zap.New(core))
	records, err := svc.Fetch(context.Background(), "1234", time.Time{}, time.Time{}, usagedomain.GranularityHour)
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, []float64{1, 2, 3}, []float64{records[0].TotalQuantity, records[1].TotalQuantity, records[2].TotalQuantity})
	for _, rec := range records {
		assert.Equal(t, "1234", rec.MeterID)
		assert.Equal(t, usagedomain.GranularityHour, rec.Granularity)
		assert.Equal(t, rec.PeriodStart.Add(time.Hour), rec.PeriodEnd)
	}
	assert.Equal(t, 1, logs.FilterMessage("usage.fetch.duplicate_period").Len())
}

func TestHourlyUsageDefaultsToLastDay(t *testing.T) {
	source := &sourceMock{}
	source.On("Usage", mock.Anything, "1234", now.Add(-24*time.Hour), now, usagedomain.GranularityHour).
		Return([]usagedomain.UsageRecord{record(now.Add(-2*time.Hour), 4)}, nil)

	svc := newTestService(t, source, nil)
	records, err := svc.HourlyUsage(context.Background(), "1234", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	source.AssertExpectations(t)
}

func TestHourlyUsageExplicitRange(t *testing.T) {
	start := now.Add(-3 * time.Hour)
	end := now.Add(-time.Hour)
	source := &sourceMock{}
	source.On("Usage", mock.Anything, "1234", start, end, usagedomain.GranularityHour).
		Return([]usagedomain.UsageRecord{}, nil)

	svc := newTestService(t, source, nil)
	_, err := svc.HourlyUsage(context.Background(), "1234", start, end)
	require.NoError(t, err)
	source.AssertExpectations(t)
}

func TestConnections(t *testing.T) {
	source := &sourceMock{}
	source.On("ListConnections", mock.Anything).Return([]usagedomain.Connection{{ID: "1", Name: "House"}}, nil).Once()
	source.On("ListConnections", mock.Anything).Return(nil, errors.New("dns failure")).Once()

	svc := newTestService(t, source, nil)
	conns, err := svc.Connections(context.Background())
	require.NoError(t, err)
	assert.Len(t, conns, 1)

	_, err = svc.Connections(context.Background())
	assert.ErrorIs(t, err, usagedomain.ErrUpstream)
}
