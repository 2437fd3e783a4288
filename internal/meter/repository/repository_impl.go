package repository

import (
	"context"

	meterdomain "github.com/smallbiznis/waterstats/internal/meter/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() meterdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, m *meterdomain.Meter) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO meters (id, connection_id, name, address, account_number, status, meter_serial, enabled, last_seen_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.ConnectionID,
		m.Name,
		m.Address,
		m.AccountNumber,
		m.Status,
		m.MeterSerial,
		m.Enabled,
		m.LastSeenAt,
		m.CreatedAt,
		m.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, m *meterdomain.Meter) error {
	return db.WithContext(ctx).Exec(
		`UPDATE meters
		 SET name = ?, address = ?, account_number = ?, status = ?, meter_serial = ?, enabled = ?, last_seen_at = ?, updated_at = ?
		 WHERE id = ?`,
		m.Name,
		m.Address,
		m.AccountNumber,
		m.Status,
		m.MeterSerial,
		m.Enabled,
		m.LastSeenAt,
		m.UpdatedAt,
		m.ID,
	).Error
}

func (r *repo) FindByConnectionID(ctx context.Context, db *gorm.DB, connectionID string) (*meterdomain.Meter, error) {
	var meter meterdomain.Meter
	err := db.WithContext(ctx).Raw(
		`SELECT id, connection_id, name, address, account_number, status, meter_serial, enabled, last_seen_at, created_at, updated_at
		 FROM meters WHERE connection_id = ?`,
		connectionID,
	).Scan(&meter).Error
	if err != nil {
		return nil, err
	}
	if meter.ID == 0 {
		return nil, nil
	}
	return &meter, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]meterdomain.Meter, error) {
	var meters []meterdomain.Meter
	err := db.WithContext(ctx).Raw(
		`SELECT id, connection_id, name, address, account_number, status, meter_serial, enabled, last_seen_at, created_at, updated_at
		 FROM meters ORDER BY connection_id ASC`,
	).Scan(&meters).Error
	if err != nil {
		return nil, err
	}
	return meters, nil
}
