package otel

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicsales/eventlog"
)

var _ eventlog.EventStore = (*TelemetryStore)(nil)

// TelemetryStore records a client span and metrics for every store call.
// Query spans cover the whole iteration, from the first Next to exhaustion.
type TelemetryStore struct {
	next   eventlog.EventStore
	cfg    *config
	tracer trace.Tracer
	in     *instruments
}

// WithEventStoreTelemetry wraps next.
func WithEventStoreTelemetry(next eventlog.EventStore, options ...Option) *TelemetryStore {
	cfg := newConfig(options)
	return &TelemetryStore{
		next:   next,
		cfg:    cfg,
		tracer: cfg.tracer(),
		in:     newInstruments(cfg.MeterProvider),
	}
}

func (t *TelemetryStore) finish(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	opAttr := metric.WithAttributes(AttrOperation.String(op))
	t.in.storeOps.Add(ctx, 1, opAttr)
	t.in.storeDuration.Record(ctx, float64(time.Since(start).Milliseconds()), opAttr)
	if err != nil {
		t.in.storeErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(op), AttrErrorType.String(errorType(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (t *TelemetryStore) Append(ctx context.Context, event eventlog.Event) (eventlog.Record, error) {
	ctx, span := t.tracer.Start(ctx, "EventStore.Append",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx, append(eventAttributes(event), AttrOperation.String("append"))...)...),
	)
	defer span.End()

	start := time.Now()
	rec, err := t.next.Append(ctx, event)
	t.finish(ctx, span, "append", start, err)
	if err == nil {
		span.SetAttributes(AttrSequence.Int64(int64(rec.Sequence)))
		t.in.eventsWritten.Add(ctx, 1)
	}
	return rec, err
}

func (t *TelemetryStore) AppendBatch(ctx context.Context, events []eventlog.Event) ([]eventlog.Record, error) {
	ctx, span := t.tracer.Start(ctx, "EventStore.AppendBatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("append_batch"),
			AttrEventCount.Int(len(events)),
		)...),
	)
	defer span.End()

	start := time.Now()
	recs, err := t.next.AppendBatch(ctx, events)
	t.finish(ctx, span, "append_batch", start, err)
	if err == nil {
		t.in.eventsWritten.Add(ctx, int64(len(recs)))
	}
	return recs, err
}

func (t *TelemetryStore) Query(ctx context.Context, filter eventlog.Filter) (*eventlog.Iterator[*eventlog.Record], error) {
	attrs := []attribute.KeyValue{AttrOperation.String("query")}
	if filter.AggregateID != "" {
		attrs = append(attrs, AttrAggregateID.String(filter.AggregateID))
	}
	ctx, span := t.tracer.Start(ctx, "EventStore.Query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx, attrs...)...),
	)

	start := time.Now()
	iter, err := t.next.Query(ctx, filter)
	if err != nil {
		t.finish(ctx, span, "query", start, err)
		span.End()
		return nil, err
	}

	var (
		count int64
		ended bool
	)
	end := func(err error) {
		if ended {
			return
		}
		ended = true
		span.SetAttributes(AttrEventCount.Int64(count))
		t.finish(ctx, span, "query", start, err)
		span.End()
	}

	return eventlog.NewIteratorFunc(func(ictx context.Context) (*eventlog.Record, error) {
		if !iter.Next(ictx) {
			err := iter.Err()
			end(err)
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		}
		count++
		t.in.eventsRead.Add(ctx, 1)
		return iter.Value(), nil
	}).OnClose(func() error {
		end(nil)
		return iter.Close()
	}), nil
}

// Close just forwards
func (t *TelemetryStore) Close() error {
	return t.next.Close()
}

func errorType(err error) string {
	var (
		verr *eventlog.ValidationError
		werr *eventlog.StoreWriteError
		qerr *eventlog.QueryError
		terr *eventlog.TransportSendError
	)
	switch {
	case errors.Is(err, eventlog.ErrDuplicateEvent):
		return "duplicate"
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &werr):
		return "store_write"
	case errors.As(err, &qerr):
		return "query"
	case errors.As(err, &terr):
		return "transport"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "other"
}
