// Package metrics provides Prometheus metrics for entrace
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for entrace
type Metrics struct {
	// Ingest metrics
	SpansIngestedTotal    prometheus.Counter
	FramesReceivedTotal   prometheus.Counter
	FrameBytesTotal       prometheus.Counter
	FrameDecodeErrors     prometheus.Counter
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge

	// Store metrics
	ConversionsTotal   *prometheus.CounterVec
	ConversionDuration prometheus.Histogram
	TraceSpansTotal    prometheus.Gauge

	// Query metrics
	QueriesTotal      *prometheus.CounterVec
	QueryDuration     prometheus.Histogram
	QueryWorkers      prometheus.Gauge
	QueryResultsTotal prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// Ingest metrics
	m.SpansIngestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entrace_spans_ingested_total",
			Help: "Total number of spans ingested over the socket",
		},
	)

	m.FramesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entrace_frames_received_total",
			Help: "Total number of length-prefixed frames received",
		},
	)

	m.FrameBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entrace_frame_bytes_total",
			Help: "Total frame payload bytes received",
		},
	)

	m.FrameDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entrace_frame_decode_errors_total",
			Help: "Total number of frames that failed to decode",
		},
	)

	m.ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entrace_connections_total",
			Help: "Total number of accepted ingest connections",
		},
	)

	m.ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "entrace_connections_active",
			Help: "Number of ingest connections currently open",
		},
	)

	// Store metrics
	m.ConversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entrace_conversions_total",
			Help: "Total number of trace file conversions",
		},
		[]string{"direction", "status"},
	)

	m.ConversionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "entrace_conversion_duration_seconds",
			Help:    "Duration of trace file conversions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.TraceSpansTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "entrace_trace_spans_total",
			Help: "Number of spans in the currently loaded trace",
		},
	)

	// Query metrics
	m.QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entrace_queries_total",
			Help: "Total number of script queries",
		},
		[]string{"status"},
	)

	m.QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "entrace_query_duration_seconds",
			Help:    "Duration of script queries in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	m.QueryWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "entrace_query_workers",
			Help: "Worker count of the most recent query",
		},
	)

	m.QueryResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entrace_query_results_total",
			Help: "Total number of span identifiers returned by queries",
		},
	)

	// Server metrics
	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "entrace_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordQuery records a completed query
func (m *Metrics) RecordQuery(status string, duration time.Duration, results int) {
	m.QueriesTotal.WithLabelValues(status).Inc()
	m.QueryDuration.Observe(duration.Seconds())
	m.QueryResultsTotal.Add(float64(results))
}

// RecordConversion records a trace file conversion
func (m *Metrics) RecordConversion(direction string, status string, duration time.Duration) {
	m.ConversionsTotal.WithLabelValues(direction, status).Inc()
	m.ConversionDuration.Observe(duration.Seconds())
}
