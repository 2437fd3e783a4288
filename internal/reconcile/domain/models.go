// Package domain holds reconciliation pass inputs and outcomes.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/waterstats/internal/series"
	statisticsdomain "github.com/smallbiznis/waterstats/internal/statistics/domain"
	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
)

// ErrAnomalousReading marks a record whose projected period value is
// negative. It is logged and counted, never returned.
var ErrAnomalousReading = errors.New("anomalous_reading")

// Request is one meter's freshly fetched window.
type Request struct {
	Meter       usagedomain.Connection
	Granularity usagedomain.Granularity
	Records     []usagedomain.UsageRecord
}

// SeriesOutcome reports what happened to one series during a pass.
type SeriesOutcome struct {
	Kind      series.Kind                `json:"kind"`
	SeriesID  string                     `json:"series_id"`
	Last      statisticsdomain.LastPoint `json:"last"`
	Appended  int                        `json:"appended"`
	Rejected  int                        `json:"rejected"`
	Anomalies int                        `json:"anomalies"`
	Err       error                      `json:"-"`
}

// Result is the outcome of reconciling one meter's window.
type Result struct {
	MeterID     string                  `json:"meter_id"`
	Granularity usagedomain.Granularity `json:"granularity"`
	Eligible    int                     `json:"eligible"`
	HeldBack    int                     `json:"held_back"`
	Series      []SeriesOutcome         `json:"series"`
	FinishedAt  time.Time               `json:"finished_at"`
}

// Err joins every per-series error.
func (r Result) Err() error {
	var errs []error
	for _, s := range r.Series {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errors.Join(errs...)
}

func (r Result) Appended() int {
	total := 0
	for _, s := range r.Series {
		total += s.Appended
	}
	return total
}

// Engine reconciles fetched records against the statistics store.
type Engine interface {
	Reconcile(ctx context.Context, req Request) Result
}

type PassOutcome string

const (
	PassSucceeded       PassOutcome = "succeeded"
	PassPartiallyFailed PassOutcome = "partially_failed"
	PassFailed          PassOutcome = "failed"
)

// PassResult is the driver's record of one meter's pass.
type PassResult struct {
	RunID      string      `json:"run_id"`
	MeterID    string      `json:"meter_id"`
	Outcome    PassOutcome `json:"outcome"`
	Attempts   int         `json:"attempts"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	// Reconcile is zero when the fetch never succeeded.
	Reconcile Result `json:"reconcile"`
	Err       error  `json:"-"`
}

// Classify derives the pass outcome from the fetch error and the
// reconciliation result.
func Classify(fetchErr error, result Result) PassOutcome {
	if fetchErr != nil {
		return PassFailed
	}
	if result.Err() != nil {
		return PassPartiallyFailed
	}
	return PassSucceeded
}
