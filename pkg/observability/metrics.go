package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Reconciliation metrics
	DrainTotal    *prometheus.CounterVec
	DrainDuration *prometheus.HistogramVec
	CaptureLag    *prometheus.GaugeVec
	Backlog       *prometheus.GaugeVec

	// Audit log metrics
	AuditRecordsTotal    *prometheus.CounterVec
	AuditDuplicatesTotal *prometheus.CounterVec
	AuditAppendDuration  prometheus.Histogram

	// Access metrics
	AccessDeniedTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		DrainTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinaudit_drain_total",
				Help: "Reconciliation ticks by table and outcome",
			},
			[]string{"table", "outcome"},
		),
		DrainDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clinaudit_drain_duration_seconds",
				Help:    "Duration of a reconciliation tick",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"table"},
		),
		CaptureLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clinaudit_capture_lag_seconds",
				Help: "Seconds since the table's cursor last advanced",
			},
			[]string{"table"},
		),
		Backlog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clinaudit_capture_backlog",
				Help: "Change positions not yet drained",
			},
			[]string{"table"},
		),
		AuditRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinaudit_audit_records_total",
				Help: "Records appended per log",
			},
			[]string{"log"},
		),
		AuditDuplicatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinaudit_audit_duplicates_total",
				Help: "Entries skipped because their dedup key was already written",
			},
			[]string{"log"},
		),
		AuditAppendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clinaudit_audit_append_duration_seconds",
				Help:    "Duration of an audit batch append",
				Buckets: prometheus.DefBuckets,
			},
		),
		AccessDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinaudit_access_denied_total",
				Help: "Rows withheld by the access evaluator",
			},
			[]string{"table"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinaudit_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clinaudit_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		m.DrainTotal,
		m.DrainDuration,
		m.CaptureLag,
		m.Backlog,
		m.AuditRecordsTotal,
		m.AuditDuplicatesTotal,
		m.AuditAppendDuration,
		m.AccessDeniedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// ObserveDrain records the outcome of one reconciliation tick.
func (m *Metrics) ObserveDrain(table, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DrainTotal.WithLabelValues(table, outcome).Inc()
	m.DrainDuration.WithLabelValues(table).Observe(d.Seconds())
}

// ObserveAppend records a committed audit batch.
func (m *Metrics) ObserveAppend(log string, written, duplicates int, d time.Duration) {
	if m == nil {
		return
	}
	if written > 0 {
		m.AuditRecordsTotal.WithLabelValues(log).Add(float64(written))
	}
	if duplicates > 0 {
		m.AuditDuplicatesTotal.WithLabelValues(log).Add(float64(duplicates))
	}
	m.AuditAppendDuration.Observe(d.Seconds())
}

// SetLag publishes the capture lag and backlog of a table.
func (m *Metrics) SetLag(table string, lag time.Duration, backlog int64) {
	if m == nil {
		return
	}
	m.CaptureLag.WithLabelValues(table).Set(lag.Seconds())
	m.Backlog.WithLabelValues(table).Set(float64(backlog))
}

// IncDenied counts rows withheld from a reader.
func (m *Metrics) IncDenied(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.AccessDeniedTotal.WithLabelValues(table).Add(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Routes are labelled by their mux path template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(r *mux.Router, registry *prometheus.Registry) {
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
