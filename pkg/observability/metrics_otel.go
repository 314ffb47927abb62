package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry instruments for the capture pipeline.
// They are pushed through the OTLP meter provider set up by InitOTel; with
// OTel disabled the global no-op provider makes every call free.
type OTelMetrics struct {
	changeEvents   metric.Int64Counter
	deleteAttempts metric.Int64Counter
	batchSize      metric.Int64Histogram
}

// NewOTelMetrics creates the instruments from the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsFrom(otel.GetMeterProvider())
}

// NewOTelMetricsFrom creates the instruments from an explicit provider
func NewOTelMetricsFrom(provider metric.MeterProvider) (*OTelMetrics, error) {
	meter := provider.Meter("github.com/platinummonkey/clinaudit")

	m := &OTelMetrics{}
	var err error

	m.changeEvents, err = meter.Int64Counter(
		"clinaudit.capture.change_events",
		metric.WithDescription("Field-level change events produced by the capture pipeline"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create change_events counter: %w", err)
	}

	m.deleteAttempts, err = meter.Int64Counter(
		"clinaudit.capture.delete_attempts",
		metric.WithDescription("Deletes observed on watched tables"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delete_attempts counter: %w", err)
	}

	m.batchSize, err = meter.Int64Histogram(
		"clinaudit.capture.batch_size",
		metric.WithDescription("Raw changes read per drain batch"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch_size histogram: %w", err)
	}

	return m, nil
}

// RecordBatch records one committed drain batch.
func (m *OTelMetrics) RecordBatch(ctx context.Context, table string, read, events, deletes int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("table", table))
	m.batchSize.Record(ctx, int64(read), attrs)
	if events > 0 {
		m.changeEvents.Add(ctx, int64(events), attrs)
	}
	if deletes > 0 {
		m.deleteAttempts.Add(ctx, int64(deletes), attrs)
	}
}
