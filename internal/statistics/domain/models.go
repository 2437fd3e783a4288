// Package domain contains the long-term statistics store models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Meta describes one statistic series. StatisticID is the public id; ID is
// internal to the store.
type Meta struct {
	ID          snowflake.ID      `json:"id" gorm:"primaryKey"`
	StatisticID string            `json:"statistic_id" gorm:"type:varchar(255);not null;uniqueIndex:ux_statistics_meta_statistic_id"`
	Source      string            `json:"source" gorm:"type:text;not null"`
	Name        string            `json:"name" gorm:"type:text;not null"`
	Unit        string            `json:"unit" gorm:"type:text"`
	HasSum      bool              `json:"has_sum" gorm:"not null;default:true"`
	IsCurrency  bool              `json:"is_currency" gorm:"not null;default:false"`
	Attributes  datatypes.JSONMap `json:"attributes" gorm:"column:attributes"`
	CreatedAt   time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Meta) TableName() string { return "statistics_meta" }

// Statistic is one stored period of a series. State is the period value and
// Sum the running total including it.
type Statistic struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	MetaID    snowflake.ID `json:"meta_id" gorm:"not null;uniqueIndex:ux_statistics_meta_start,priority:1"`
	StartTS   time.Time    `json:"start_ts" gorm:"column:start_ts;not null;uniqueIndex:ux_statistics_meta_start,priority:2"`
	State     float64      `json:"state" gorm:"not null"`
	Sum       float64      `json:"sum" gorm:"not null"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Statistic) TableName() string { return "statistics" }

// Point is a value to append to a series.
type Point struct {
	Timestamp       time.Time `json:"timestamp"`
	PeriodValue     float64   `json:"period_value"`
	CumulativeValue float64   `json:"cumulative_value"`
}

// LastPoint is the most recent stored point of a series. Found is false when
// the series has no history, in which case the cumulative baseline is 0.
type LastPoint struct {
	Found           bool      `json:"found"`
	Timestamp       time.Time `json:"timestamp"`
	CumulativeValue float64   `json:"cumulative_value"`
}

// After reports whether t is newer than the last point. Everything is newer
// than an absent point.
func (p LastPoint) After(t time.Time) bool {
	return !p.Found || t.After(p.Timestamp)
}

type AppendResult struct {
	Appended int `json:"appended"`
	// Rejected counts points that were not newer than the stored last point.
	Rejected int `json:"rejected"`
}
