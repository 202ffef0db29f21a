// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Pipeline metrics
	PipelineSteps        *prometheus.CounterVec
	PipelineRunsTotal    *prometheus.CounterVec
	VerificationDuration prometheus.Histogram
	StepDuration         *prometheus.HistogramVec

	// Ledger metrics
	TransactionsCreated   *prometheus.CounterVec
	TransactionsCompleted *prometheus.CounterVec
	AdminConfirmations    prometheus.Counter

	// Settlement metrics
	DispatchesTotal  *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// External service latency
	RPCCallLatency *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Realtime metrics
	WSClients         prometheus.Gauge
	WSMessagesSent    prometheus.Counter
	WSMessagesDropped prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulSettlement prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered on the default registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a new Metrics instance registered on reg.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "cashbridge"
	}
	f := promauto.With(reg)

	return &Metrics{
		// Pipeline metrics
		PipelineSteps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "steps_total",
			Help:      "Verification pipeline step outcomes",
		}, []string{"step", "outcome"}),
		PipelineRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of verify-and-settle runs by final status",
		}, []string{"status"}),
		VerificationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Verify-and-settle execution duration in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Verification pipeline step duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),

		// Ledger metrics
		TransactionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transactions_created_total",
			Help:      "Total number of exchange transactions created by currency",
		}, []string{"currency"}),
		TransactionsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transactions_completed_total",
			Help:      "Total number of completed transactions by method",
		}, []string{"method"}),
		AdminConfirmations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "admin_confirmations_total",
			Help:      "Total number of manual admin confirmations",
		}),

		// Settlement metrics
		DispatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "dispatches_total",
			Help:      "Total number of custody dispatches by currency and status",
		}, []string{"currency", "status"}),
		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "dispatch_duration_seconds",
			Help:      "Custody dispatch latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"currency"}),

		RPCCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "call_latency_seconds",
			Help:      "External service call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method"}),

		// HTTP metrics
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed, labeled by status code",
		}, []string{"method", "endpoint", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP requests",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30, 120},
		}, []string{"method", "endpoint"}),

		// Realtime metrics
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "clients",
			Help:      "Number of authenticated websocket clients",
		}),
		WSMessagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "messages_sent_total",
			Help:      "Total number of status messages queued to clients",
		}),
		WSMessagesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "messages_dropped_total",
			Help:      "Total number of status messages dropped for slow clients",
		}),

		// Database metrics
		DBQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastSuccessfulSettlement: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_settlement_timestamp",
			Help:      "Unix timestamp of last successful settlement",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordStep records one pipeline step outcome.
func RecordStep(step, outcome string, d time.Duration) {
	DefaultMetrics.PipelineSteps.WithLabelValues(step, outcome).Inc()
	DefaultMetrics.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// RecordPipelineRun records a finished verify-and-settle run.
func RecordPipelineRun(status string, d time.Duration) {
	DefaultMetrics.PipelineRunsTotal.WithLabelValues(status).Inc()
	DefaultMetrics.VerificationDuration.Observe(d.Seconds())
}

// RecordTransactionCreated increments the created counter.
func RecordTransactionCreated(currency string) {
	DefaultMetrics.TransactionsCreated.WithLabelValues(currency).Inc()
}

// RecordCompletion records a transaction reaching completed.
func RecordCompletion(method string) {
	DefaultMetrics.TransactionsCompleted.WithLabelValues(method).Inc()
	if method == "admin_override" {
		DefaultMetrics.AdminConfirmations.Inc()
	}
}

// RecordDispatch records a custody dispatch.
func RecordDispatch(currency string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	} else {
		DefaultMetrics.LastSuccessfulSettlement.SetToCurrentTime()
	}
	DefaultMetrics.DispatchesTotal.WithLabelValues(currency, status).Inc()
	DefaultMetrics.DispatchDuration.WithLabelValues(currency).Observe(d.Seconds())
}

// RecordRPCLatency records external call latency.
func RecordRPCLatency(service, method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(service, method).Observe(seconds)
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, endpoint string, status int, d time.Duration) {
	DefaultMetrics.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	DefaultMetrics.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

// SetWSClients updates the websocket clients gauge.
func SetWSClients(n int) {
	DefaultMetrics.WSClients.Set(float64(n))
}

// RecordWSMessage records a queued or dropped websocket message.
func RecordWSMessage(dropped bool) {
	if dropped {
		DefaultMetrics.WSMessagesDropped.Inc()
		return
	}
	DefaultMetrics.WSMessagesSent.Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
