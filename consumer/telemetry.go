// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/absmach/eventhubs/consumer"

// telemetry holds the tracer and metric instruments of a client. Both come
// from the global providers, which are no-ops unless the application
// installs an SDK.
type telemetry struct {
	tracer trace.Tracer

	eventsReceived     metric.Int64Counter
	authorizations     metric.Int64Counter
	receiveErrors      metric.Int64Counter
	receiversActive    metric.Int64UpDownCounter
	managementDuration metric.Float64Histogram
}

func newTelemetry() (*telemetry, error) {
	meter := otel.Meter(instrumentationName)
	t := &telemetry{
		tracer: otel.Tracer(instrumentationName),
	}

	var err error
	t.eventsReceived, err = meter.Int64Counter(
		"eventhubs.events.received",
		metric.WithDescription("Events received from partitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventsReceived counter: %w", err)
	}

	t.authorizations, err = meter.Int64Counter(
		"eventhubs.cbs.authorizations",
		metric.WithDescription("CBS put-token exchanges performed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorizations counter: %w", err)
	}

	t.receiveErrors, err = meter.Int64Counter(
		"eventhubs.receive.errors",
		metric.WithDescription("Partition receive loops ended by an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create receiveErrors counter: %w", err)
	}

	t.receiversActive, err = meter.Int64UpDownCounter(
		"eventhubs.receivers.active",
		metric.WithDescription("Partition receivers currently running"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create receiversActive counter: %w", err)
	}

	t.managementDuration, err = meter.Float64Histogram(
		"eventhubs.management.duration",
		metric.WithDescription("Management request latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create managementDuration histogram: %w", err)
	}

	return t, nil
}

func (t *telemetry) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindClient))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *telemetry) recordManagement(ctx context.Context, operation string, start time.Time, err error) {
	t.managementDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.Bool("error", err != nil),
		))
}
