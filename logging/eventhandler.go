package logging

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/clinicsales/eventlog"
	"github.com/clinicsales/eventlog/logger"
)

type loggingHandler struct {
	logger *zap.Logger
	next   eventlog.EventHandler
}

// WithLoggingMiddleware logs the start and outcome of every handled event.
// Handlers further down find the enriched logger with logger.Get(ctx).
func WithLoggingMiddleware(l *zap.Logger, next eventlog.EventHandler) eventlog.EventHandler {
	return &loggingHandler{logger: l, next: next}
}

func (h *loggingHandler) CanHandle(event eventlog.Event) bool {
	return h.next.CanHandle(event)
}

func (h *loggingHandler) Handle(ctx context.Context, event eventlog.Event) error {
	l := h.logger.With(
		zap.String("event-id", event.ID),
		zap.String("event-type", event.Type.String()),
		zap.String("aggregate-id", event.AggregateID()),
		zap.String("correlation-id", event.CorrelationID),
		zap.Uint64("sequence", eventlog.SequenceFromContext(ctx)),
	)
	ctx = logger.With(ctx, l)

	l.Debug("event processing started")

	err := h.next.Handle(ctx, event)

	var skipped *eventlog.ErrSkippedEvent
	switch {
	case err == nil:
		l.Debug("event processed successfully")
	case errors.As(err, &skipped):
		l.Debug("event skipped")
	default:
		l.Error("error processing event", zap.Error(err))
	}

	return err
}
