package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, meter *Meter) error
	Update(ctx context.Context, db *gorm.DB, meter *Meter) error
	FindByConnectionID(ctx context.Context, db *gorm.DB, connectionID string) (*Meter, error)
	List(ctx context.Context, db *gorm.DB) ([]Meter, error)
}
