package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/waterstats/internal/series"
	statisticsdomain "github.com/smallbiznis/waterstats/internal/statistics/domain"
	"github.com/smallbiznis/waterstats/internal/statistics/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var base = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestLastPointAbsentForUnknownSeries(t *testing.T) {
	svc, _ := setupStatisticsService(t)

	last, err := svc.LastPoint(context.Background(), "dropcountr:dropcountr_1_total_gallons")
	require.NoError(t, err)
	assert.False(t, last.Found)
	assert.Zero(t, last.CumulativeValue)
}

func TestAppendThenLastPoint(t *testing.T) {
	svc, _ := setupStatisticsService(t)
	ctx := context.Background()
	id, meta := seriesFor(t, "1", series.KindTotalUsage)

	res, err := svc.Append(ctx, id, meta, []statisticsdomain.Point{
		{Timestamp: base, PeriodValue: 10, CumulativeValue: 10},
		{Timestamp: base.Add(time.Hour), PeriodValue: 15, CumulativeValue: 25},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Appended)
	assert.Zero(t, res.Rejected)

	last, err := svc.LastPoint(ctx, id)
	require.NoError(t, err)
	assert.True(t, last.Found)
	assert.True(t, last.Timestamp.Equal(base.Add(time.Hour)))
	assert.Equal(t, 25.0, last.CumulativeValue)
}

func TestAppendEmptyIsNoop(t *testing.T) {
	svc, db := setupStatisticsService(t)
	id, meta := seriesFor(t, "1", series.KindTotalUsage)

	res, err := svc.Append(context.Background(), id, meta, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Appended)

	var count int64
	require.NoError(t, db.Model(&statisticsdomain.Meta{}).Count(&count).Error)
	assert.Zero(t, count, "empty append must not create series metadata")
}

func TestAppendDropsPointsNotNewerThanStored(t *testing.T) {
	svc, _ := setupStatisticsService(t)
	ctx := context.Background()
	id, meta := seriesFor(t, "1", series.KindTotalUsage)

	_, err := svc.Append(ctx, id, meta, []statisticsdomain.Point{
		{Timestamp: base.Add(2 * time.Hour), PeriodValue: 100, CumulativeValue: 100},
	})
	require.NoError(t, err)

	res, err := svc.Append(ctx, id, meta, []statisticsdomain.Point{
		{Timestamp: base.Add(time.Hour), PeriodValue: 1, CumulativeValue: 101},
		{Timestamp: base.Add(2 * time.Hour), PeriodValue: 1, CumulativeValue: 101},
		{Timestamp: base.Add(3 * time.Hour), PeriodValue: 5, CumulativeValue: 105},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Appended)
	assert.Equal(t, 2, res.Rejected)

	points, err := svc.Points(ctx, id, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 100.0, points[0].CumulativeValue)
	assert.Equal(t, 105.0, points[1].CumulativeValue)
}

func TestAppendCreatesMetadataOnce(t *testing.T) {
	svc, db := setupStatisticsService(t)
	ctx := context.Background()
	id, meta := seriesFor(t, "1", series.KindTotalCost)

	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		_, err := svc.Append(ctx, id, meta, []statisticsdomain.Point{{Timestamp: ts, PeriodValue: 1, CumulativeValue: float64(i + 1)}})
		require.NoError(t, err)
	}

	var metas []statisticsdomain.Meta
	require.NoError(t, db.Find(&metas).Error)
	require.Len(t, metas, 1)
	assert.Equal(t, id, metas[0].StatisticID)
	assert.Equal(t, series.UnitUSD, metas[0].Unit)
	assert.True(t, metas[0].IsCurrency)
	assert.Equal(t, "1", metas[0].Attributes["meter_id"])
	assert.Equal(t, "Main House", metas[0].Attributes["meter_name"])
	assert.Equal(t, "total_cost", metas[0].Attributes["kind"])

	listed, err := svc.ListSeries(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestAppendRefreshesRenamedMetadata(t *testing.T) {
	svc, db := setupStatisticsService(t)
	ctx := context.Background()
	id, meta := seriesFor(t, "1", series.KindTotalUsage)

	_, err := svc.Append(ctx, id, meta, []statisticsdomain.Point{{Timestamp: base, PeriodValue: 1, CumulativeValue: 1}})
	require.NoError(t, err)

	meta.Name = "DropCountr Cabin Total Water Usage"
	_, err = svc.Append(ctx, id, meta, []statisticsdomain.Point{{Timestamp: base.Add(time.Hour), PeriodValue: 1, CumulativeValue: 2}})
	require.NoError(t, err)

	var stored statisticsdomain.Meta
	require.NoError(t, db.Where("statistic_id = ?", id).First(&stored).Error)
	assert.Equal(t, "DropCountr Cabin Total Water Usage", stored.Name)
}

func TestAppendRefreshesChangedAttributes(t *testing.T) {
	svc, db := setupStatisticsService(t)
	ctx := context.Background()
	id, meta := seriesFor(t, "1", series.KindTotalUsage)

	_, err := svc.Append(ctx, id, meta, []statisticsdomain.Point{{Timestamp: base, PeriodValue: 1, CumulativeValue: 1}})
	require.NoError(t, err)

	meta.Attributes["address"] = "1 Water Way"
	_, err = svc.Append(ctx, id, meta, []statisticsdomain.Point{{Timestamp: base.Add(time.Hour), PeriodValue: 1, CumulativeValue: 2}})
	require.NoError(t, err)

	var stored statisticsdomain.Meta
	require.NoError(t, db.Where("statistic_id = ?", id).First(&stored).Error)
	assert.Equal(t, "1 Water Way", stored.Attributes["address"])
	assert.Equal(t, "1", stored.Attributes["meter_id"])
}

func TestAppendRejectsMismatchedMetadata(t *testing.T) {
	svc, _ := setupStatisticsService(t)
	id, _ := seriesFor(t, "1", series.KindTotalUsage)
	_, other := seriesFor(t, "2", series.KindTotalUsage)

	_, err := svc.Append(context.Background(), id, other, []statisticsdomain.Point{{Timestamp: base, PeriodValue: 1, CumulativeValue: 1}})
	assert.ErrorIs(t, err, statisticsdomain.ErrSeriesMismatch)
}

func TestAppendFailureIsStatisticsWriteError(t *testing.T) {
	svc, db := setupStatisticsService(t)
	id, meta := seriesFor(t, "1", series.KindTotalUsage)
	require.NoError(t, db.Migrator().DropTable(&statisticsdomain.Statistic{}))

	_, err := svc.Append(context.Background(), id, meta, []statisticsdomain.Point{{Timestamp: base, PeriodValue: 1, CumulativeValue: 1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, statisticsdomain.ErrStatisticsWrite))
	assert.Contains(t, err.Error(), id)
}

func TestConcurrentSeriesAppends(t *testing.T) {
	svc, _ := setupStatisticsService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, len(series.Kinds))
	for _, kind := range series.Kinds {
		id, meta := seriesFor(t, "1", kind)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Append(ctx, id, meta, []statisticsdomain.Point{{Timestamp: base, PeriodValue: 2, CumulativeValue: 2}})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, kind := range series.Kinds {
		id, _ := seriesFor(t, "1", kind)
		last, err := svc.LastPoint(ctx, id)
		require.NoError(t, err)
		assert.True(t, last.Found, kind)
	}
}

func seriesFor(t *testing.T, meterID string, kind series.Kind) (string, series.Metadata) {
	t.Helper()
	meta, err := series.MetadataFor(meterID, "Main House", kind)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	return meta.StatisticID, meta
}

func setupStatisticsService(t *testing.T) (statisticsdomain.Service, *gorm.DB) {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	if err := db.AutoMigrate(&statisticsdomain.Meta{}, &statisticsdomain.Statistic{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
	})
	return svc, db
}
