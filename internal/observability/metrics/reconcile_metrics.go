package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	statisticsdomain "github.com/smallbiznis/waterstats/internal/statistics/domain"
	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
	"gorm.io/gorm"
)

const (
	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonUpstream             = "upstream"
	ReasonInvalidRange         = "invalid_range"
	ReasonStatisticsWrite      = "statistics_write"
	ReasonStatisticsRead       = "statistics_read"
	ReasonDBLockTimeout        = "db_lock_timeout"
	ReasonSerializationFailure = "serialization_failure"
	ReasonUniqueViolation      = "unique_violation"
	ReasonUnknown              = "unknown"

	SkipReasonInFlight = "in_flight"
)

const (
	StoreOpLastPoint = "last_point"
	StoreOpAppend    = "append"
)

// ReconcileMetrics captures update cycle and statistics store health.
type ReconcileMetrics struct {
	passRuns        *prometheus.CounterVec
	passDuration    prometheus.Observer
	passSkipped     *prometheus.CounterVec
	upstreamRetries prometheus.Counter
	pointsAppended  *prometheus.CounterVec
	pointsRejected  *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
	seriesErrors    *prometheus.CounterVec
	storeOpDuration *prometheus.HistogramVec
	runLoopLag      prometheus.Observer
	storeObservers  map[string]prometheus.Observer
}

var (
	reconcileMetricsOnce sync.Once
	reconcileMetrics     *ReconcileMetrics
)

// Reconcile returns the singleton reconcile metrics registry.
func Reconcile() *ReconcileMetrics {
	return ReconcileWithConfig(Config{})
}

// ReconcileWithConfig returns the singleton reconcile metrics registry using config labels.
func ReconcileWithConfig(cfg Config) *ReconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileMetrics = newReconcileMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconcileMetrics
}

// ResetReconcileMetricsForTest resets the singleton for tests.
func ResetReconcileMetricsForTest() {
	reconcileMetricsOnce = sync.Once{}
	reconcileMetrics = nil
}

// NewReconcileMetricsForTest builds an unshared instance on registerer.
func NewReconcileMetricsForTest(registerer prometheus.Registerer) *ReconcileMetrics {
	return newReconcileMetrics(registerer, Config{ServiceName: "waterstats", Environment: "test"})
}

func newReconcileMetrics(registerer prometheus.Registerer, cfg Config) *ReconcileMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "waterstats"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	passRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "waterstats_reconcile_pass_total",
		Help:        "Reconciliation passes by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	passDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "waterstats_reconcile_pass_duration_seconds",
		Help:        "Wall-clock time of one meter's pass from fetch to append.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	passSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "waterstats_reconcile_pass_skipped_total",
		Help:        "Passes skipped because another pass for the meter was running.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	upstreamRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "waterstats_upstream_retries_total",
		Help:        "Fetch retries issued after an upstream failure.",
		ConstLabels: constLabels,
	})
	pointsAppended := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "waterstats_statistics_points_appended_total",
		Help:        "Statistic points written by metric kind.",
		ConstLabels: constLabels,
	}, []string{"kind"})
	pointsRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "waterstats_statistics_points_rejected_total",
		Help:        "Points dropped by the store because they were not newer than the last stored point.",
		ConstLabels: constLabels,
	}, []string{"kind"})
	anomalies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "waterstats_reconcile_anomalies_total",
		Help:        "Upstream readings skipped because they projected a negative period value.",
		ConstLabels: constLabels,
	}, []string{"kind"})
	seriesErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "waterstats_reconcile_series_errors_total",
		Help:        "Per-series reconciliation errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"kind", "reason"})
	storeOpDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "waterstats_statistics_store_duration_seconds",
		Help:        "Statistics store call latency.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"op"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "waterstats_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		passRuns,
		passDuration,
		passSkipped,
		upstreamRetries,
		pointsAppended,
		pointsRejected,
		anomalies,
		seriesErrors,
		storeOpDuration,
		runLoopLag,
	)

	return &ReconcileMetrics{
		passRuns:        passRuns,
		passDuration:    passDuration,
		passSkipped:     passSkipped,
		upstreamRetries: upstreamRetries,
		pointsAppended:  pointsAppended,
		pointsRejected:  pointsRejected,
		anomalies:       anomalies,
		seriesErrors:    seriesErrors,
		storeOpDuration: storeOpDuration,
		runLoopLag:      runLoopLag,
		storeObservers: map[string]prometheus.Observer{
			StoreOpLastPoint: storeOpDuration.WithLabelValues(StoreOpLastPoint),
			StoreOpAppend:    storeOpDuration.WithLabelValues(StoreOpAppend),
		},
	}
}

// IncPass counts a finished pass by outcome.
func (m *ReconcileMetrics) IncPass(outcome string) {
	if m == nil {
		return
	}
	m.passRuns.WithLabelValues(outcome).Inc()
}

func (m *ReconcileMetrics) ObservePassDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(d.Seconds())
}

func (m *ReconcileMetrics) IncPassSkipped(reason string) {
	if m == nil {
		return
	}
	m.passSkipped.WithLabelValues(reason).Inc()
}

func (m *ReconcileMetrics) IncUpstreamRetry() {
	if m == nil {
		return
	}
	m.upstreamRetries.Inc()
}

func (m *ReconcileMetrics) AddPointsAppended(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.pointsAppended.WithLabelValues(kind).Add(float64(count))
}

func (m *ReconcileMetrics) AddPointsRejected(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.pointsRejected.WithLabelValues(kind).Add(float64(count))
}

func (m *ReconcileMetrics) IncAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

// IncSeriesError counts a per-series failure with classification.
func (m *ReconcileMetrics) IncSeriesError(kind string, err error) {
	if m == nil || err == nil {
		return
	}
	m.seriesErrors.WithLabelValues(kind, ClassifyReason(err)).Inc()
}

// ObserveStoreOp records statistics store latency for op.
func (m *ReconcileMetrics) ObserveStoreOp(op string, d time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.storeObservers[op]; ok {
		observer.Observe(d.Seconds())
		return
	}
	m.storeOpDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *ReconcileMetrics) ObserveRunLoopLag(d time.Duration) {
	if m == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.runLoopLag.Observe(d.Seconds())
}

// ClassifyReason maps reconciliation errors to low-cardinality reasons.
func ClassifyReason(err error) string {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonDeadlineExceeded
	}
	if errors.Is(err, usagedomain.ErrInvalidRange) {
		return ReasonInvalidRange
	}
	if errors.Is(err, usagedomain.ErrUpstream) {
		return ReasonUpstream
	}
	if isDBLockTimeout(err) {
		return ReasonDBLockTimeout
	}
	if isSerializationFailure(err) {
		return ReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return ReasonUniqueViolation
	}
	if errors.Is(err, statisticsdomain.ErrStatisticsWrite) {
		return ReasonStatisticsWrite
	}
	if errors.Is(err, statisticsdomain.ErrStatisticsRead) {
		return ReasonStatisticsRead
	}
	return ReasonUnknown
}

// IsRetryable reports whether a failed pass is worth repeating immediately.
// Only upstream failures qualify, including client timeouts. Store errors
// wait for the next tick.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, usagedomain.ErrUpstream)
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
