// Package otel decorates stores, transports and handlers with OpenTelemetry
// spans and metrics.
package otel

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/clinicsales/eventlog"
)

const (
	instrumentationName = "github.com/clinicsales/eventlog/otel"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	AttrComponent = attribute.Key("eventlog.component")
	AttrOperation = attribute.Key("eventlog.operation")

	// Event attributes
	AttrEventType     = attribute.Key("eventlog.event.type")
	AttrEventID       = attribute.Key("eventlog.event.id")
	AttrEventCount    = attribute.Key("eventlog.events.count")
	AttrAggregateID   = attribute.Key("eventlog.aggregate.id")
	AttrCorrelationID = attribute.Key("eventlog.correlation.id")
	AttrSequence      = attribute.Key("eventlog.event.sequence")

	// Transport attributes
	AttrTopic = attribute.Key("eventlog.topic")

	// Error attributes
	AttrErrorType = attribute.Key("eventlog.error.type")
)

var durationBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// instruments are created per decorator so each can use its own provider.
type instruments struct {
	// EventStore metrics
	storeOps      metric.Int64Counter
	storeErrors   metric.Int64Counter
	storeDuration metric.Float64Histogram
	eventsWritten metric.Int64Counter
	eventsRead    metric.Int64Counter

	// Transport metrics
	sends        metric.Int64Counter
	sendErrors   metric.Int64Counter
	sendDuration metric.Float64Histogram

	// Handler metrics
	handled         metric.Int64Counter
	handlerErrors   metric.Int64Counter
	handlerInFlight metric.Int64UpDownCounter
	handlerDuration metric.Float64Histogram
}

func newInstruments(mp metric.MeterProvider) *instruments {
	meter := mp.Meter(instrumentationName, metric.WithInstrumentationVersion(eventlog.InstrumentationVersion))
	in := &instruments{}

	in.storeOps, _ = meter.Int64Counter(
		"eventlog.eventstore.operations",
		metric.WithDescription("Number of event store operations"),
		metric.WithUnit("{operation}"),
	)
	in.storeErrors, _ = meter.Int64Counter(
		"eventlog.eventstore.errors",
		metric.WithDescription("Number of event store errors"),
		metric.WithUnit("{error}"),
	)
	in.storeDuration, _ = meter.Float64Histogram(
		"eventlog.eventstore.duration",
		metric.WithDescription("Event store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	in.eventsWritten, _ = meter.Int64Counter(
		"eventlog.eventstore.events_written",
		metric.WithDescription("Number of events written to the store"),
		metric.WithUnit("{event}"),
	)
	in.eventsRead, _ = meter.Int64Counter(
		"eventlog.eventstore.events_read",
		metric.WithDescription("Number of events read from the store"),
		metric.WithUnit("{event}"),
	)

	in.sends, _ = meter.Int64Counter(
		"eventlog.transport.sends",
		metric.WithDescription("Number of transport sends"),
		metric.WithUnit("{message}"),
	)
	in.sendErrors, _ = meter.Int64Counter(
		"eventlog.transport.errors",
		metric.WithDescription("Number of failed transport sends"),
		metric.WithUnit("{error}"),
	)
	in.sendDuration, _ = meter.Float64Histogram(
		"eventlog.transport.duration",
		metric.WithDescription("Transport send duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)

	in.handled, _ = meter.Int64Counter(
		"eventlog.handler.handled",
		metric.WithDescription("Number of events handled"),
		metric.WithUnit("{event}"),
	)
	in.handlerErrors, _ = meter.Int64Counter(
		"eventlog.handler.errors",
		metric.WithDescription("Number of handler errors"),
		metric.WithUnit("{error}"),
	)
	in.handlerInFlight, _ = meter.Int64UpDownCounter(
		"eventlog.handler.in_flight",
		metric.WithDescription("Number of events currently being handled"),
		metric.WithUnit("{event}"),
	)
	in.handlerDuration, _ = meter.Float64Histogram(
		"eventlog.handler.duration",
		metric.WithDescription("Event handler duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)

	return in
}

func eventAttributes(e eventlog.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEventType.String(e.Type.String()),
		AttrEventID.String(e.ID),
		AttrAggregateID.String(e.AggregateID()),
	}
	if e.CorrelationID != "" {
		attrs = append(attrs, AttrCorrelationID.String(e.CorrelationID))
	}
	return attrs
}
