// Package domain contains the upstream usage models.
package domain

import (
	"fmt"
	"strings"
	"time"
)

type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

func ParseGranularity(raw string) (Granularity, error) {
	switch Granularity(strings.ToLower(strings.TrimSpace(raw))) {
	case GranularityHour:
		return GranularityHour, nil
	case GranularityDay:
		return GranularityDay, nil
	default:
		return "", fmt.Errorf("%w: granularity %q", ErrInvalidRange, raw)
	}
}

// Step is the bucket width.
func (g Granularity) Step() time.Duration {
	if g == GranularityDay {
		return 24 * time.Hour
	}
	return time.Hour
}

// UsageRecord is one observation for one meter over one period.
type UsageRecord struct {
	MeterID              string      `json:"meter_id"`
	PeriodStart          time.Time   `json:"period_start"`
	PeriodEnd            time.Time   `json:"period_end"`
	Granularity          Granularity `json:"granularity"`
	TotalQuantity        float64     `json:"total_gallons"`
	IrrigationQuantity   float64     `json:"irrigation_gallons"`
	IrrigationEventCount int64       `json:"irrigation_events"`
	Leak                 bool        `json:"is_leaking"`
}

// Connection is a service connection (meter) known to the upstream source.
type Connection struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Address       string `json:"address,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	Status        string `json:"status,omitempty"`
	MeterSerial   string `json:"meter_serial,omitempty"`
}

// DisplayName falls back to the id when the upstream name is blank.
func (c Connection) DisplayName() string {
	if name := strings.TrimSpace(c.Name); name != "" {
		return name
	}
	return c.ID
}
