package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
)

// Meter is the last known state of an upstream service connection.
// Disabled meters are listed but never reconciled.
type Meter struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	ConnectionID  string       `json:"connection_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_meters_connection_id"`
	Name          string       `json:"name" gorm:"type:text;not null"`
	Address       string       `json:"address" gorm:"type:text"`
	AccountNumber string       `json:"account_number" gorm:"type:text"`
	Status        string       `json:"status" gorm:"type:text"`
	MeterSerial   string       `json:"meter_serial" gorm:"type:text"`
	Enabled       bool         `json:"enabled" gorm:"not null;default:true"`
	LastSeenAt    time.Time    `json:"last_seen_at" gorm:"not null"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Meter) TableName() string { return "meters" }

func (m Meter) Connection() usagedomain.Connection {
	return usagedomain.Connection{
		ID:            m.ConnectionID,
		Name:          m.Name,
		Address:       m.Address,
		AccountNumber: m.AccountNumber,
		Status:        m.Status,
		MeterSerial:   m.MeterSerial,
	}
}

// Changed reports whether the upstream connection differs from the stored
// descriptive fields.
func (m Meter) Changed(c usagedomain.Connection) bool {
	return m.Name != c.Name ||
		m.Address != c.Address ||
		m.AccountNumber != c.AccountNumber ||
		m.Status != c.Status ||
		m.MeterSerial != c.MeterSerial
}
