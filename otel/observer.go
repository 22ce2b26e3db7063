// Package otel provides OpenTelemetry integration for the bridge.
package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/toolgate/manager"
)

// BridgeObserver records manager lifecycle signals into OpenTelemetry.
type BridgeObserver struct {
	tracer trace.Tracer

	calls    metric.Int64Counter
	restarts metric.Int64Counter
	health   metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewBridgeObserver creates an observer bound to the provided meter/tracer.
func NewBridgeObserver(meter metric.Meter, tracer trace.Tracer) (*BridgeObserver, error) {
	calls, err := meter.Int64Counter(
		"toolgate.calls",
		metric.WithDescription("Number of tool invocations through the bridge"),
	)
	if err != nil {
		return nil, err
	}
	restarts, err := meter.Int64Counter(
		"toolgate.restarts",
		metric.WithDescription("Number of server process restart attempts"),
	)
	if err != nil {
		return nil, err
	}
	health, err := meter.Int64Counter(
		"toolgate.health.checks",
		metric.WithDescription("Number of health probes"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"toolgate.call.latency",
		metric.WithDescription("Tool invocation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &BridgeObserver{
		tracer:   tracer,
		calls:    calls,
		restarts: restarts,
		health:   health,
		latency:  latency,
	}, nil
}

// ObserveCall records one completed invocation.
func (o *BridgeObserver) ObserveCall(observation manager.CallObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.Tool),
		attribute.String("method", observation.Method),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.calls.Add(ctx, 1, options)
	o.latency.Record(ctx, float64(time.Duration(observation.DurationMS)*time.Millisecond)/float64(time.Second), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "bridge.call", trace.WithAttributes(attrs...))
	if !observation.Success {
		span.SetStatus(codes.Error, observation.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ObserveRestart records one restart attempt.
func (o *BridgeObserver) ObserveRestart(observation manager.RestartObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("attempt", observation.Attempt),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}
	o.restarts.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveHealth records one health probe result.
func (o *BridgeObserver) ObserveHealth(observation manager.HealthObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("state", string(observation.State)),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.health.Add(ctx, 1, options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "bridge.health.check", trace.WithAttributes(attrs...))
	if observation.ErrorCode != "" {
		span.SetStatus(codes.Error, observation.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

var _ manager.Observer = (*BridgeObserver)(nil)
