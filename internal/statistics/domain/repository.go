package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindMetaByStatisticID(ctx context.Context, db *gorm.DB, statisticID string) (*Meta, error)
	InsertMeta(ctx context.Context, db *gorm.DB, meta *Meta) error
	UpdateMeta(ctx context.Context, db *gorm.DB, meta *Meta) error
	ListMeta(ctx context.Context, db *gorm.DB, source string) ([]Meta, error)
	FindLast(ctx context.Context, db *gorm.DB, metaID snowflake.ID) (*Statistic, error)
	InsertBatch(ctx context.Context, db *gorm.DB, rows []Statistic) error
	ListRange(ctx context.Context, db *gorm.DB, metaID snowflake.ID, start, end time.Time) ([]Statistic, error)
}
