package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/waterstats/internal/observability/metrics"
	"github.com/smallbiznis/waterstats/internal/series"
	statisticsdomain "github.com/smallbiznis/waterstats/internal/statistics/domain"
	"github.com/smallbiznis/waterstats/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  statisticsdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  statisticsdomain.Repository
	genID *snowflake.Node
}

func New(p Params) statisticsdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("statistics.service"),
		repo:  p.Repo,
		genID: p.GenID,
	}
}

func (s *Service) LastPoint(ctx context.Context, seriesID string) (statisticsdomain.LastPoint, error) {
	seriesID = strings.TrimSpace(seriesID)
	if seriesID == "" {
		return statisticsdomain.LastPoint{}, statisticsdomain.ErrInvalidSeriesID
	}

	start := time.Now()
	defer func() {
		obsmetrics.Reconcile().ObserveStoreOp(obsmetrics.StoreOpLastPoint, time.Since(start))
	}()

	meta, err := s.repo.FindMetaByStatisticID(ctx, s.db, seriesID)
	if err != nil {
		return statisticsdomain.LastPoint{}, readError(seriesID, err)
	}
	if meta == nil {
		return statisticsdomain.LastPoint{}, nil
	}

	last, err := s.repo.FindLast(ctx, s.db, meta.ID)
	if err != nil {
		return statisticsdomain.LastPoint{}, readError(seriesID, err)
	}
	return toLastPoint(last), nil
}

// Append writes points newer than the stored last point. Older or equal
// points are dropped and counted in AppendResult.Rejected.
func (s *Service) Append(ctx context.Context, seriesID string, meta series.Metadata, points []statisticsdomain.Point) (statisticsdomain.AppendResult, error) {
	seriesID = strings.TrimSpace(seriesID)
	if seriesID == "" {
		return statisticsdomain.AppendResult{}, statisticsdomain.ErrInvalidSeriesID
	}
	if meta.StatisticID != "" && meta.StatisticID != seriesID {
		return statisticsdomain.AppendResult{}, fmt.Errorf("%w: %s != %s", statisticsdomain.ErrSeriesMismatch, meta.StatisticID, seriesID)
	}
	if len(points) == 0 {
		return statisticsdomain.AppendResult{}, nil
	}

	start := time.Now()
	defer func() {
		obsmetrics.Reconcile().ObserveStoreOp(obsmetrics.StoreOpAppend, time.Since(start))
	}()

	stored, err := s.ensureMeta(ctx, seriesID, meta)
	if err != nil {
		return statisticsdomain.AppendResult{}, writeError(seriesID, err)
	}

	var result statisticsdomain.AppendResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		last, err := s.repo.FindLast(ctx, tx, stored.ID)
		if err != nil {
			return err
		}
		floor := toLastPoint(last)

		now := time.Now().UTC()
		rows := make([]statisticsdomain.Statistic, 0, len(points))
		for _, p := range points {
			if !floor.After(p.Timestamp) {
				result.Rejected++
				continue
			}
			rows = append(rows, statisticsdomain.Statistic{
				ID:        s.genID.Generate(),
				MetaID:    stored.ID,
				StartTS:   p.Timestamp.UTC(),
				State:     p.PeriodValue,
				Sum:       p.CumulativeValue,
				CreatedAt: now,
			})
			floor = statisticsdomain.LastPoint{Found: true, Timestamp: p.Timestamp, CumulativeValue: p.CumulativeValue}
		}

		if err := s.repo.InsertBatch(ctx, tx, rows); err != nil {
			return err
		}
		result.Appended = len(rows)
		return nil
	})
	if err != nil {
		return statisticsdomain.AppendResult{}, writeError(seriesID, err)
	}

	if result.Rejected > 0 {
		s.log.Warn("statistics.append.rejected",
			zap.String("series_id", seriesID),
			zap.Int("rejected", result.Rejected),
			zap.Int("appended", result.Appended),
		)
	}
	return result, nil
}

func (s *Service) Points(ctx context.Context, seriesID string, start, end time.Time) ([]statisticsdomain.Point, error) {
	seriesID = strings.TrimSpace(seriesID)
	if seriesID == "" {
		return nil, statisticsdomain.ErrInvalidSeriesID
	}

	meta, err := s.repo.FindMetaByStatisticID(ctx, s.db, seriesID)
	if err != nil {
		return nil, readError(seriesID, err)
	}
	if meta == nil {
		return []statisticsdomain.Point{}, nil
	}

	rows, err := s.repo.ListRange(ctx, s.db, meta.ID, start, end)
	if err != nil {
		return nil, readError(seriesID, err)
	}
	points := make([]statisticsdomain.Point, 0, len(rows))
	for _, row := range rows {
		points = append(points, statisticsdomain.Point{
			Timestamp:       row.StartTS,
			PeriodValue:     row.State,
			CumulativeValue: row.Sum,
		})
	}
	return points, nil
}

func (s *Service) ListSeries(ctx context.Context) ([]statisticsdomain.Meta, error) {
	metas, err := s.repo.ListMeta(ctx, s.db, series.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", statisticsdomain.ErrStatisticsRead, err)
	}
	return metas, nil
}

// ensureMeta returns the stored meta row for seriesID, creating it on first
// use. Display fields are refreshed when they drift.
func (s *Service) ensureMeta(ctx context.Context, seriesID string, meta series.Metadata) (*statisticsdomain.Meta, error) {
	existing, err := s.repo.FindMetaByStatisticID(ctx, s.db, seriesID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if metaChanged(existing, meta) {
			existing.Name = meta.Name
			existing.Unit = meta.Unit
			existing.HasSum = meta.HasSum
			existing.IsCurrency = meta.IsCurrency
			if meta.Attributes != nil {
				existing.Attributes = attributesMap(meta.Attributes)
			}
			if err := s.repo.UpdateMeta(ctx, s.db, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	source := meta.Source
	if source == "" {
		source = series.Source
	}
	created := &statisticsdomain.Meta{
		ID:          s.genID.Generate(),
		StatisticID: seriesID,
		Source:      source,
		Name:        meta.Name,
		Unit:        meta.Unit,
		HasSum:      meta.HasSum,
		IsCurrency:  meta.IsCurrency,
		Attributes:  attributesMap(meta.Attributes),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.InsertMeta(ctx, s.db, created); err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return nil, err
		}
		// Lost a create race with another replica.
		existing, findErr := s.repo.FindMetaByStatisticID(ctx, s.db, seriesID)
		if findErr != nil {
			return nil, errors.Join(err, findErr)
		}
		if existing == nil {
			return nil, err
		}
		return existing, nil
	}

	s.log.Info("statistics.meta.created",
		zap.String("series_id", seriesID),
		zap.String("unit", meta.Unit),
	)
	return created, nil
}

func metaChanged(existing *statisticsdomain.Meta, meta series.Metadata) bool {
	return (meta.Name != "" && existing.Name != meta.Name) ||
		existing.Unit != meta.Unit ||
		existing.HasSum != meta.HasSum ||
		existing.IsCurrency != meta.IsCurrency ||
		(meta.Attributes != nil && attributesChanged(existing.Attributes, meta.Attributes))
}

func attributesChanged(stored datatypes.JSONMap, want map[string]string) bool {
	if len(stored) != len(want) {
		return true
	}
	for k, v := range want {
		if got, ok := stored[k].(string); !ok || got != v {
			return true
		}
	}
	return false
}

func attributesMap(attrs map[string]string) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func toLastPoint(stat *statisticsdomain.Statistic) statisticsdomain.LastPoint {
	if stat == nil {
		return statisticsdomain.LastPoint{}
	}
	return statisticsdomain.LastPoint{
		Found:           true,
		Timestamp:       stat.StartTS,
		CumulativeValue: stat.Sum,
	}
}

func readError(seriesID string, err error) error {
	return fmt.Errorf("%w: series %s: %w", statisticsdomain.ErrStatisticsRead, seriesID, err)
}

func writeError(seriesID string, err error) error {
	return fmt.Errorf("%w: series %s: %w", statisticsdomain.ErrStatisticsWrite, seriesID, err)
}
