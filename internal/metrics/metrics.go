package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metricsOnce ensures metrics are registered only once
	metricsOnce sync.Once

	// upsertedTotal tracks candidates merged into the store
	upsertedTotal prometheus.Counter

	// harvestSkippedTotal tracks raw records skipped during harvest by reason
	harvestSkippedTotal *prometheus.CounterVec

	// attributionDriftTotal tracks merges whose artifact/ecosystem disagreed with the stored record
	attributionDriftTotal prometheus.Counter

	// exportRequestsTotal tracks exports by format
	exportRequestsTotal *prometheus.CounterVec

	// exportDuration tracks latency of exports by format
	exportDuration *prometheus.HistogramVec

	// mispPushTotal tracks MISP pushes by outcome
	mispPushTotal *prometheus.CounterVec

	// upstreamErrorsTotal tracks errors of outbound HTTP clients
	upstreamErrorsTotal *prometheus.CounterVec
)

// Init registers all Prometheus metrics.
// This should be called once at application startup
func Init() {
	metricsOnce.Do(func() {
		upsertedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "iochub_upserted_records_total",
				Help: "Total number of IOC candidates merged into the store",
			},
		)

		harvestSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iochub_harvest_skipped_total",
				Help: "Total number of raw records skipped during harvest by reason",
			},
			[]string{"reason"},
		)

		attributionDriftTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "iochub_attribution_drift_total",
				Help: "Merges where the incoming artifact or ecosystem differed from the stored one",
			},
		)

		exportRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iochub_export_requests_total",
				Help: "Total number of exports by format",
			},
			[]string{"format"},
		)

		exportDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "iochub_export_duration_seconds",
				Help:    "Duration of exports in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"format"},
		)

		mispPushTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iochub_misp_push_total",
				Help: "Total number of MISP pushes by status",
			},
			[]string{"status"},
		)

		upstreamErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iochub_upstream_errors_total",
				Help: "Total number of outbound HTTP errors by client and error type",
			},
			[]string{"client", "error_type"},
		)
	})
}

// RecordUpserted adds n merged candidates
func RecordUpserted(n int) {
	if upsertedTotal != nil {
		upsertedTotal.Add(float64(n))
	}
}

// RecordHarvestSkipped records a skipped raw record
// reason: "decode", "missing_value", "missing_artifact_id"
func RecordHarvestSkipped(reason string) {
	if harvestSkippedTotal != nil {
		harvestSkippedTotal.WithLabelValues(reason).Inc()
	}
}

func RecordAttributionDrift(n int) {
	if attributionDriftTotal != nil && n > 0 {
		attributionDriftTotal.Add(float64(n))
	}
}

// RecordExport records one export of the given format ("csv", "stix", "cef") and its duration
func RecordExport(format string, duration time.Duration) {
	if exportRequestsTotal != nil {
		exportRequestsTotal.WithLabelValues(format).Inc()
	}
	if exportDuration != nil {
		exportDuration.WithLabelValues(format).Observe(duration.Seconds())
	}
}

// RecordMISPPush records a push outcome
// status: "ok", "empty", "error", "config_error"
func RecordMISPPush(status string) {
	if mispPushTotal != nil {
		mispPushTotal.WithLabelValues(status).Inc()
	}
}

// RecordUpstreamError records an outbound HTTP error
// errorType: "timeout", "auth", "rate_limit", "server_error", "connection", "http_error", "circuit_open"
func RecordUpstreamError(client, errorType string) {
	if upstreamErrorsTotal != nil {
		upstreamErrorsTotal.WithLabelValues(client, errorType).Inc()
	}
}

// ExportTimer is a helper for timing exports
type ExportTimer struct {
	format string
	start  time.Time
}

// StartExport creates a new timer for an export of the given format
func StartExport(format string) *ExportTimer {
	return &ExportTimer{format: format, start: time.Now()}
}

// Observe records the export and the elapsed time since the timer started
func (t *ExportTimer) Observe() {
	if t != nil {
		RecordExport(t.format, time.Since(t.start))
	}
}
