package eventlog

import (
	"context"
	"time"
)

type ctxKey string

const (
	eventIDKey       ctxKey = "eventID"
	eventTypeKey     ctxKey = "eventType"
	aggregateIDKey   ctxKey = "aggregateID"
	correlationIDKey ctxKey = "correlationID"
	userIDKey        ctxKey = "userID"
	clinicIDKey      ctxKey = "clinicID"
	occurredAtKey    ctxKey = "occurredAt"
	sequenceKey      ctxKey = "sequence"
)

// WithEvent adds the envelope of e to the context.
func WithEvent(ctx context.Context, e Event) context.Context {
	ctx = context.WithValue(ctx, eventIDKey, e.ID)
	ctx = context.WithValue(ctx, eventTypeKey, e.Type)
	ctx = context.WithValue(ctx, aggregateIDKey, e.AggregateID())
	ctx = context.WithValue(ctx, correlationIDKey, e.CorrelationID)
	ctx = context.WithValue(ctx, userIDKey, e.UserID)
	ctx = context.WithValue(ctx, clinicIDKey, e.ClinicID)
	ctx = context.WithValue(ctx, occurredAtKey, e.Timestamp)
	return ctx
}

// WithRecord adds the envelope and the store sequence of r to the context.
func WithRecord(ctx context.Context, r *Record) context.Context {
	ctx = WithEvent(ctx, r.Event)
	return context.WithValue(ctx, sequenceKey, r.Sequence)
}

func stringFromContext(ctx context.Context, key ctxKey) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// EventIDFromContext returns the event id or "" if not present.
func EventIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, eventIDKey)
}

// EventTypeFromContext returns the event type or "" if not present.
func EventTypeFromContext(ctx context.Context) EventType {
	if t, ok := ctx.Value(eventTypeKey).(EventType); ok {
		return t
	}
	return ""
}

// AggregateIDFromContext returns the primary aggregate id or "" if not present.
func AggregateIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, aggregateIDKey)
}

// CorrelationIDFromContext returns the correlation id or "" if not present.
func CorrelationIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, correlationIDKey)
}

// UserIDFromContext returns the acting user or "" if not present.
func UserIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, userIDKey)
}

// ClinicIDFromContext returns the tenant clinic or "" if not present.
func ClinicIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, clinicIDKey)
}

// OccurredAtFromContext returns the event timestamp or zero time if not present.
func OccurredAtFromContext(ctx context.Context) time.Time {
	if t, ok := ctx.Value(occurredAtKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}

// SequenceFromContext returns the store sequence or 0 if not present.
func SequenceFromContext(ctx context.Context) uint64 {
	if seq, ok := ctx.Value(sequenceKey).(uint64); ok {
		return seq
	}
	return 0
}
