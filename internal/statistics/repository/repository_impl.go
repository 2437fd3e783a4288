package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	statisticsdomain "github.com/smallbiznis/waterstats/internal/statistics/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() statisticsdomain.Repository {
	return &repo{}
}

func (r *repo) FindMetaByStatisticID(ctx context.Context, db *gorm.DB, statisticID string) (*statisticsdomain.Meta, error) {
	var meta statisticsdomain.Meta
	err := db.WithContext(ctx).Raw(
		`SELECT id, statistic_id, source, name, unit, has_sum, is_currency, attributes, created_at
		 FROM statistics_meta WHERE statistic_id = ?`,
		statisticID,
	).Scan(&meta).Error
	if err != nil {
		return nil, err
	}
	if meta.ID == 0 {
		return nil, nil
	}
	return &meta, nil
}

func (r *repo) InsertMeta(ctx context.Context, db *gorm.DB, meta *statisticsdomain.Meta) error {
	return db.WithContext(ctx).Create(meta).Error
}

func (r *repo) UpdateMeta(ctx context.Context, db *gorm.DB, meta *statisticsdomain.Meta) error {
	return db.WithContext(ctx).Exec(
		`UPDATE statistics_meta
		 SET name = ?, unit = ?, has_sum = ?, is_currency = ?, attributes = ?
		 WHERE id = ?`,
		meta.Name,
		meta.Unit,
		meta.HasSum,
		meta.IsCurrency,
		meta.Attributes,
		meta.ID,
	).Error
}

func (r *repo) ListMeta(ctx context.Context, db *gorm.DB, source string) ([]statisticsdomain.Meta, error) {
	var metas []statisticsdomain.Meta
	err := db.WithContext(ctx).Raw(
		`SELECT id, statistic_id, source, name, unit, has_sum, is_currency, attributes, created_at
		 FROM statistics_meta WHERE source = ? ORDER BY statistic_id ASC`,
		source,
	).Scan(&metas).Error
	if err != nil {
		return nil, err
	}
	return metas, nil
}

func (r *repo) FindLast(ctx context.Context, db *gorm.DB, metaID snowflake.ID) (*statisticsdomain.Statistic, error) {
	var stat statisticsdomain.Statistic
	err := db.WithContext(ctx).Raw(
		`SELECT id, meta_id, start_ts, state, sum, created_at
		 FROM statistics WHERE meta_id = ?
		 ORDER BY start_ts DESC
		 LIMIT 1`,
		metaID,
	).Scan(&stat).Error
	if err != nil {
		return nil, err
	}
	if stat.ID == 0 {
		return nil, nil
	}
	return &stat, nil
}

func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, rows []statisticsdomain.Statistic) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(rows, 500).Error
}

func (r *repo) ListRange(ctx context.Context, db *gorm.DB, metaID snowflake.ID, start, end time.Time) ([]statisticsdomain.Statistic, error) {
	var rows []statisticsdomain.Statistic
	err := db.WithContext(ctx).Raw(
		`SELECT id, meta_id, start_ts, state, sum, created_at
		 FROM statistics
		 WHERE meta_id = ? AND start_ts >= ? AND start_ts < ?
		 ORDER BY start_ts ASC`,
		metaID,
		start.UTC(),
		end.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
