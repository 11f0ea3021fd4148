package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicsales/eventlog"
)

type telemetryHandler struct {
	next   eventlog.EventHandler
	cfg    *config
	tracer trace.Tracer
	in     *instruments
}

// WithEventHandlerTelemetry wraps next with a span per handled event. Skipped
// events end the span with status Ok.
func WithEventHandlerTelemetry(next eventlog.EventHandler, options ...Option) eventlog.EventHandler {
	cfg := newConfig(options)
	return &telemetryHandler{
		next:   next,
		cfg:    cfg,
		tracer: cfg.tracer(),
		in:     newInstruments(cfg.MeterProvider),
	}
}

func (h *telemetryHandler) CanHandle(event eventlog.Event) bool {
	return h.next.CanHandle(event)
}

func (h *telemetryHandler) Handle(ctx context.Context, event eventlog.Event) error {
	attrs := eventAttributes(event)
	if seq := eventlog.SequenceFromContext(ctx); seq > 0 {
		attrs = append(attrs, AttrSequence.Int64(int64(seq)))
	}

	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("events.handle %s", event.Type),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(h.cfg.attributes(ctx, attrs...)...),
	)
	defer span.End()

	typeAttr := metric.WithAttributes(AttrEventType.String(event.Type.String()))
	h.in.handlerInFlight.Add(ctx, 1, typeAttr)
	defer h.in.handlerInFlight.Add(ctx, -1, typeAttr)

	startTime := time.Now()
	err := h.next.Handle(ctx, event)
	h.in.handlerDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)
	h.in.handled.Add(ctx, 1, typeAttr)

	if err != nil {
		var skipped *eventlog.ErrSkippedEvent
		if errors.As(err, &skipped) {
			span.SetStatus(codes.Ok, "event skipped")
			return err
		}
		h.in.handlerErrors.Add(ctx, 1, typeAttr)
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
