// Package telemetry defines the OpenTelemetry instruments of qshield.
// Without a configured MeterProvider every instrument is a no-op.
package telemetry

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/thebtf/qshield"

// Instruments bundles the counters and histograms used across packages.
type Instruments struct {
	eventsPublished   metric.Int64Counter
	framesDropped     metric.Int64Counter
	decryptDecisions  metric.Int64Counter
	actions           metric.Int64Counter
	qber              metric.Float64Histogram
	activeConnections metric.Int64UpDownCounter
}

// New creates instruments from the meter provider.
func New(mp metric.MeterProvider) (*Instruments, error) {
	m := mp.Meter(instrumentationName)
	var (
		in  Instruments
		err error
	)
	if in.eventsPublished, err = m.Int64Counter("qshield.events.published",
		metric.WithDescription("Events dispatched to session streams")); err != nil {
		return nil, err
	}
	if in.framesDropped, err = m.Int64Counter("qshield.frames.dropped",
		metric.WithDescription("Frames not delivered to a connection")); err != nil {
		return nil, err
	}
	if in.decryptDecisions, err = m.Int64Counter("qshield.decrypt.decisions",
		metric.WithDescription("Security gate decisions")); err != nil {
		return nil, err
	}
	if in.actions, err = m.Int64Counter("qshield.actions",
		metric.WithDescription("Actor actions processed")); err != nil {
		return nil, err
	}
	if in.qber, err = m.Float64Histogram("qshield.qber",
		metric.WithDescription("Measured quantum bit error rate"),
		metric.WithUnit("%")); err != nil {
		return nil, err
	}
	if in.activeConnections, err = m.Int64UpDownCounter("qshield.connections.active",
		metric.WithDescription("Live actor connections")); err != nil {
		return nil, err
	}
	return &in, nil
}

var (
	defaultOnce sync.Once
	defaultInst *Instruments
)

// Default returns instruments bound to the global meter provider.
func Default() *Instruments {
	defaultOnce.Do(func() {
		inst, err := New(otel.GetMeterProvider())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create metric instruments, using no-op")
			inst, _ = New(noop.NewMeterProvider())
		}
		defaultInst = inst
	})
	return defaultInst
}

// EventPublished counts one dispatched event.
func (in *Instruments) EventPublished(ctx context.Context, kind string) {
	in.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// FrameDropped counts one undelivered frame.
func (in *Instruments) FrameDropped(ctx context.Context, reason string) {
	in.framesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// DecryptDecision counts one gate decision.
func (in *Instruments) DecryptDecision(ctx context.Context, allowed bool, reason string) {
	in.decryptDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.String("reason", reason),
	))
}

// Action counts one processed actor action.
func (in *Instruments) Action(ctx context.Context, action string, ok bool) {
	in.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("ok", ok),
	))
}

// QBER records a measured error rate.
func (in *Instruments) QBER(ctx context.Context, qber float64) {
	in.qber.Record(ctx, qber)
}

// ConnectionDelta adjusts the live connection gauge.
func (in *Instruments) ConnectionDelta(ctx context.Context, delta int64) {
	in.activeConnections.Add(ctx, delta)
}
