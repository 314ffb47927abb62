// Package observability provides logging, metrics, tracing and health checks
// for the clinaudit binaries.
//
// # Logging
//
// Components take a *logrus.Logger. NewLogger configures level and format
// (JSON in production, text for local runs):
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	logger.WithFields(logrus.Fields{"table": "observations", "position": 42}).Info("Drained batch")
//
// # Metrics
//
// Prometheus metrics are registered on an explicit registry and exposed on
// /metrics. Every Observe/Set helper on *Metrics is nil-safe so packages can
// run without metrics in tests.
//
//   - clinaudit_drain_total{table,outcome}
//   - clinaudit_drain_duration_seconds{table}
//   - clinaudit_audit_records_total{log}
//   - clinaudit_audit_duplicates_total{log}
//   - clinaudit_capture_lag_seconds{table}
//   - clinaudit_capture_backlog{table}
//   - clinaudit_access_denied_total{table}
//   - clinaudit_http_requests_total{method,route,status}
//
// OpenTelemetry counters for capture events are created from the global
// meter provider (see OTelMetrics), and traces are exported over OTLP/gRPC
// when enabled.
//
// # Health
//
// HealthChecker serves /health/live and /health/ready. Readiness runs the
// registered checks: the database (required), Redis when configured, and
// whatever the binaries add with AddCheck, such as the capture backlog.
package observability
