// Package telemetry bundles the OpenTelemetry instruments the runtime
// records into a single handle threaded through constructors. Only the otel
// API is used; wiring an exporter (or leaving the no-op default) is the
// embedding process's concern.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "meshforge.runtime.engine"

// Telemetry carries the tracer and instruments shared by the engine and
// consumer.
type Telemetry struct {
	Tracer trace.Tracer

	EventsReceived     metric.Int64Counter
	EventsEmitted      metric.Int64Counter
	IdempotencyHits    metric.Int64Counter
	SecurityViolations metric.Int64Counter
	ProcessingDuration metric.Float64Histogram
}

// New builds the instrument set from the global otel providers. With no SDK
// installed every instrument is a no-op, which is the correct default for
// tests and embedded use.
func New() (*Telemetry, error) {
	meter := otel.Meter(scopeName)

	received, err := meter.Int64Counter("events_received_total",
		metric.WithDescription("Total events received by the engine"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: events_received_total: %w", err)
	}
	emitted, err := meter.Int64Counter("events_emitted_total",
		metric.WithDescription("Total events emitted by the engine"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: events_emitted_total: %w", err)
	}
	idem, err := meter.Int64Counter("idempotency_hits_total",
		metric.WithDescription("Total duplicate deliveries answered from the store"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: idempotency_hits_total: %w", err)
	}
	violations, err := meter.Int64Counter("security_violations_total",
		metric.WithDescription("Total envelopes rejected at ingress validation"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: security_violations_total: %w", err)
	}
	duration, err := meter.Float64Histogram("event_processing_duration_ms",
		metric.WithDescription("Event processing duration in milliseconds"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: event_processing_duration_ms: %w", err)
	}

	return &Telemetry{
		Tracer:             otel.Tracer(scopeName),
		EventsReceived:     received,
		EventsEmitted:      emitted,
		IdempotencyHits:    idem,
		SecurityViolations: violations,
		ProcessingDuration: duration,
	}, nil
}
