// Package observability exposes Prometheus metrics for candle fetching,
// persistence, resampling and the live tick feed.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Historical metrics
	CandlesFetched   *prometheus.CounterVec
	FetchErrors      *prometheus.CounterVec
	FetchLatency     *prometheus.HistogramVec
	PersistErrors    *prometheus.CounterVec
	PersistLatency   *prometheus.HistogramVec
	ResampleResults  *prometheus.CounterVec
	BackfillsTotal   *prometheus.CounterVec
	ValidationErrors *prometheus.CounterVec

	// Cache metrics
	CacheLookups *prometheus.CounterVec

	// Live feed metrics
	TicksReceived    prometheus.Counter
	SnapshotWrites   *prometheus.CounterVec
	SnapshotAge      prometheus.Gauge
	WorkerReconnects prometheus.Counter
	WorkerRestarts   *prometheus.CounterVec
	WorkerRunning    prometheus.Gauge

	// Health metrics
	LastSuccessfulUpdate prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "market_data"
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Historical metrics
		CandlesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "historical",
			Name:      "candles_fetched_total",
			Help:      "Total number of candles returned by the candle source",
		}, []string{"timeframe"}),
		FetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "historical",
			Name:      "fetch_errors_total",
			Help:      "Total number of candle source failures by timeframe",
		}, []string{"timeframe"}),
		FetchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "historical",
			Name:      "fetch_latency_seconds",
			Help:      "Candle source call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"timeframe"}),
		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "historical",
			Name:      "persist_errors_total",
			Help:      "Total number of candle store write failures",
		}, []string{"timeframe"}),
		PersistLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "historical",
			Name:      "persist_latency_seconds",
			Help:      "Candle store write latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"timeframe"}),
		ResampleResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "historical",
			Name:      "resample_results_total",
			Help:      "Resample outcomes by target timeframe and status",
		}, []string{"timeframe", "status"}),
		BackfillsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "historical",
			Name:      "backfills_total",
			Help:      "Total number of intraday backfills by status",
		}, []string{"status"}),
		ValidationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "validation_errors_total",
			Help:      "Total number of rejected candle series",
		}, []string{"timeframe"}),

		// Cache metrics
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result (hit, miss, expired)",
		}, []string{"result"}),

		// Live feed metrics
		TicksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "livefeed",
			Name:      "ticks_received_total",
			Help:      "Total number of ticks received by the feed worker",
		}),
		SnapshotWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "livefeed",
			Name:      "snapshot_writes_total",
			Help:      "Tick snapshot writes by status",
		}, []string{"status"}),
		SnapshotAge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "livefeed",
			Name:      "snapshot_age_seconds",
			Help:      "Age of the tick snapshot as last observed by the supervisor",
		}),
		WorkerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "livefeed",
			Name:      "worker_reconnects_total",
			Help:      "Total number of tick source reconnect attempts",
		}),
		WorkerRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "livefeed",
			Name:      "worker_restarts_total",
			Help:      "Total number of worker restarts by reason",
		}, []string{"reason"}),
		WorkerRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "livefeed",
			Name:      "worker_running",
			Help:      "1 while the supervisor holds a live worker",
		}),

		// Health metrics
		LastSuccessfulUpdate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_update_timestamp",
			Help:      "Unix timestamp of last successful candle persist",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", prometheus.DefaultRegisterer)

// RecordFetch records a candle source call.
func RecordFetch(timeframe string, candles int, seconds float64, err error) {
	DefaultMetrics.FetchLatency.WithLabelValues(timeframe).Observe(seconds)
	if err != nil {
		DefaultMetrics.FetchErrors.WithLabelValues(timeframe).Inc()
		return
	}
	DefaultMetrics.CandlesFetched.WithLabelValues(timeframe).Add(float64(candles))
}

// RecordPersist records a candle store write.
func RecordPersist(timeframe string, seconds float64, err error) {
	DefaultMetrics.PersistLatency.WithLabelValues(timeframe).Observe(seconds)
	if err != nil {
		DefaultMetrics.PersistErrors.WithLabelValues(timeframe).Inc()
	}
}

// RecordResample records one resample outcome.
func RecordResample(timeframe string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	DefaultMetrics.ResampleResults.WithLabelValues(timeframe, status).Inc()
}

// RecordBackfill records an intraday backfill run.
func RecordBackfill(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	DefaultMetrics.BackfillsTotal.WithLabelValues(status).Inc()
}

// RecordValidationError increments the rejected series counter.
func RecordValidationError(timeframe string) {
	DefaultMetrics.ValidationErrors.WithLabelValues(timeframe).Inc()
}

// RecordCacheLookup records a cache lookup result: hit, miss or expired.
func RecordCacheLookup(result string) {
	DefaultMetrics.CacheLookups.WithLabelValues(result).Inc()
}

// RecordTick increments the ticks received counter.
func RecordTick() {
	DefaultMetrics.TicksReceived.Inc()
}

// RecordSnapshotWrite records a tick snapshot write.
func RecordSnapshotWrite(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	DefaultMetrics.SnapshotWrites.WithLabelValues(status).Inc()
}

// UpdateSnapshotAge sets the snapshot age gauge.
func UpdateSnapshotAge(seconds float64) {
	DefaultMetrics.SnapshotAge.Set(seconds)
}

// RecordReconnect increments the reconnect counter.
func RecordReconnect() {
	DefaultMetrics.WorkerReconnects.Inc()
}

// RecordRestart records a worker restart with its trigger.
func RecordRestart(reason string) {
	DefaultMetrics.WorkerRestarts.WithLabelValues(reason).Inc()
}

// SetWorkerRunning toggles the worker running gauge.
func SetWorkerRunning(running bool) {
	if running {
		DefaultMetrics.WorkerRunning.Set(1)
		return
	}
	DefaultMetrics.WorkerRunning.Set(0)
}

// MarkUpdated stamps the last successful update gauge.
func MarkUpdated(unixSeconds float64) {
	DefaultMetrics.LastSuccessfulUpdate.Set(unixSeconds)
}
