// Package adapter connects shmnet channels to external systems.
package adapter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shmnet/pkg/metrics"
)

const instrumentationName = "github.com/srediag/shmnet"

// OTel records channel observations as OpenTelemetry instruments and hands out the
// tracer channels use for their spans.
type OTel struct {
	ops      metric.Int64Counter
	bytes    metric.Int64Counter
	duration metric.Float64Histogram
	tracer   trace.Tracer
}

// NewOTel builds the instruments from mp and the tracer from tp. Nil providers fall
// back to no-op ones.
func NewOTel(mp metric.MeterProvider, tp trace.TracerProvider) (*OTel, error) {
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	meter := mp.Meter(instrumentationName)

	ops, err := meter.Int64Counter("shmnet.channel.operations",
		metric.WithDescription("Channel operations by outcome."),
		metric.WithUnit("{operation}"))
	if err != nil {
		return nil, fmt.Errorf("operations counter: %w", err)
	}
	bytes, err := meter.Int64Counter("shmnet.channel.bytes",
		metric.WithDescription("Payload bytes moved by successful channel operations."),
		metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("bytes counter: %w", err)
	}
	duration, err := meter.Float64Histogram("shmnet.channel.duration",
		metric.WithDescription("Channel operation duration, lock wait included."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("duration histogram: %w", err)
	}
	return &OTel{
		ops:      ops,
		bytes:    bytes,
		duration: duration,
		tracer:   tp.Tracer(instrumentationName),
	}, nil
}

// Tracer is passed to shm.Config so channel operations produce spans.
func (o *OTel) Tracer() trace.Tracer {
	return o.tracer
}

// Observe implements metrics.Recorder.
func (o *OTel) Observe(obs metrics.Observation) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("channel.kind", obs.Kind),
		attribute.String("channel.name", obs.Channel),
		attribute.String("channel.op", obs.Op),
	)
	o.ops.Add(ctx, 1, attrs, metric.WithAttributes(attribute.String("channel.outcome", obs.Outcome)))
	if obs.Bytes > 0 {
		o.bytes.Add(ctx, int64(obs.Bytes), attrs)
	}
	o.duration.Record(ctx, obs.Duration.Seconds(), attrs)
}

var _ metrics.Recorder = (*OTel)(nil)
