package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/clinicsales/eventlog"
	"github.com/clinicsales/eventlog/logging"
	"github.com/clinicsales/eventlog/otel"
)

// tailer polls a store for events persisted by other processes and forwards
// each one once to every topic it routes to.
//
// Each poll re-reads from the newest timestamp seen minus lookback, so events
// from producers with slightly skewed clocks are still picked up. Events read
// twice are dropped by the seen set.
type tailer struct {
	store    eventlog.EventStore
	sink     eventlog.Transport
	router   eventlog.Router
	interval time.Duration
	lookback time.Duration
	log      *zap.Logger

	handler eventlog.EventHandler
	from    time.Time
}

func newTailer(store eventlog.EventStore, sink eventlog.Transport, router eventlog.Router, seen eventlog.SeenSet, log *zap.Logger) *tailer {
	t := &tailer{
		store:    store,
		sink:     sink,
		router:   router,
		interval: time.Second,
		log:      log,
		from:     eventlog.Now().UTC(),
	}
	t.handler = eventlog.Idempotent(
		logging.WithLoggingMiddleware(log,
			otel.WithEventHandlerTelemetry(eventlog.NewEventHandlerFunc(t.forward), otel.WithName("tail"))),
		seen,
	)
	return t
}

// run polls until ctx is done. Query failures are logged and retried on the
// next tick.
func (t *tailer) run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if err := t.poll(ctx); err != nil && ctx.Err() == nil {
			t.log.Warn("tail poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *tailer) poll(ctx context.Context) error {
	last, err := eventlog.Replay(ctx, t.store, eventlog.ByMinTimestamp(t.from.Add(-t.lookback)), t.handler)
	if last != nil && last.Event.Timestamp.After(t.from) {
		t.from = last.Event.Timestamp
	}
	return err
}

// forward never fails: a topic nobody listens to, or a slow client, must not
// stall the tail.
func (t *tailer) forward(ctx context.Context, e eventlog.Event) error {
	msg := eventlog.NewMessage(e)
	for _, topic := range t.router.Route(e) {
		if err := t.sink.Send(ctx, topic, msg); err != nil {
			level := zap.WarnLevel
			if errors.Is(err, eventlog.ErrSubscriberBusy) {
				level = zap.DebugLevel
			}
			t.log.Log(level, "forward to topic failed",
				zap.String("topic", topic),
				zap.String("event_id", e.ID),
				zap.Error(err))
		}
	}
	return nil
}
