package snapshot

import (
	"time"

	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
)

const trailingDays = 7

// Summary aggregates daily records the way a dashboard shows them.
type Summary struct {
	// LatestDay is the most recent complete local day with a record.
	LatestDay             time.Time `json:"latest_day,omitempty"`
	DailyTotal            float64   `json:"daily_total"`
	DailyIrrigation       float64   `json:"daily_irrigation"`
	DailyIrrigationEvents int64     `json:"daily_irrigation_events"`
	WeeklyTotal           float64   `json:"weekly_total"`
	MonthlyTotal          float64   `json:"monthly_total"`
	Leaking               bool      `json:"leaking"`
	Connected             bool      `json:"connected"`
}

// Summarize expects records ascending by PeriodStart. Records that start
// on today's local date are still accumulating and are skipped for the
// latest-day and weekly figures.
func Summarize(records []usagedomain.UsageRecord, connected bool, now time.Time, loc *time.Location) Summary {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)

	summary := Summary{Connected: connected}
	complete := make([]usagedomain.UsageRecord, 0, len(records))
	for _, rec := range records {
		start := rec.PeriodStart.In(loc)
		if !start.Before(monthStart) {
			summary.MonthlyTotal += rec.TotalQuantity
		}
		if start.Before(today) {
			complete = append(complete, rec)
		}
	}
	if n := len(records); n > 0 {
		summary.Leaking = records[n-1].Leak
	}
	if len(complete) == 0 {
		return summary
	}

	latest := complete[len(complete)-1]
	day := latest.PeriodStart.In(loc)
	summary.LatestDay = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	summary.DailyTotal = latest.TotalQuantity
	summary.DailyIrrigation = latest.IrrigationQuantity
	summary.DailyIrrigationEvents = latest.IrrigationEventCount

	window := complete
	if len(window) > trailingDays {
		window = window[len(window)-trailingDays:]
	}
	for _, rec := range window {
		summary.WeeklyTotal += rec.TotalQuantity
	}
	return summary
}
