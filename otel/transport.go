package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicsales/eventlog"
)

type telemetryTransport struct {
	next   eventlog.Transport
	cfg    *config
	tracer trace.Tracer
	in     *instruments
}

// WithTransportTelemetry wraps next with a producer span per send. Transports
// that propagate context, like the Kafka one, carry this span downstream.
func WithTransportTelemetry(next eventlog.Transport, options ...Option) eventlog.Transport {
	cfg := newConfig(options)
	return &telemetryTransport{
		next:   next,
		cfg:    cfg,
		tracer: cfg.tracer(),
		in:     newInstruments(cfg.MeterProvider),
	}
}

func (t *telemetryTransport) Send(ctx context.Context, topic string, msg eventlog.Message) error {
	attrs := append(eventAttributes(msg.Payload), AttrTopic.String(topic))
	ctx, span := t.tracer.Start(ctx, "transport.send "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.attributes(ctx, attrs...)...),
	)
	defer span.End()

	start := time.Now()
	err := t.next.Send(ctx, topic, msg)

	topicAttr := metric.WithAttributes(AttrTopic.String(topic))
	t.in.sends.Add(ctx, 1, topicAttr)
	t.in.sendDuration.Record(ctx, float64(time.Since(start).Milliseconds()), topicAttr)
	if err != nil {
		t.in.sendErrors.Add(ctx, 1, topicAttr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
