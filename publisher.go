package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/clinicsales/eventlog/logger"
)

const (
	DefaultAppendTimeout = 5 * time.Second
	DefaultFanoutTimeout = 2 * time.Second
)

// Publisher persists events to an EventStore and then broadcasts them to every
// routed topic of a Transport.
//
// The durable append is strict: its failure is returned and nothing is sent.
// The fanout is best effort: failed sends are logged and counted but never
// returned to the caller.
type Publisher struct {
	store     EventStore
	transport Transport
	router    Router
	logger    *zap.Logger
	metrics   *Metrics

	appendTimeout time.Duration
	fanoutTimeout time.Duration
	maxWorkers    int
	detached      bool

	// mu orders inflight.Add against Close's Wait.
	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	stats    publisherStats
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithTransport sets the fanout transport. Without it events are only persisted.
func WithTransport(t Transport) PublisherOption {
	return func(p *Publisher) { p.transport = t }
}

// WithRouter replaces the default TopicRouter.
func WithRouter(r Router) PublisherOption {
	return func(p *Publisher) { p.router = r }
}

// WithLogger sets the logger. By default the logger carried by the context is used.
func WithLogger(l *zap.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) PublisherOption {
	return func(p *Publisher) {
		if m, err := NewMetrics(mp); err == nil {
			p.metrics = m
		}
	}
}

// WithAppendTimeout bounds the durable append. Zero disables the bound.
func WithAppendTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.appendTimeout = d }
}

// WithFanoutTimeout bounds how long Publish waits for the fanout to finish.
func WithFanoutTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.fanoutTimeout = d }
}

// WithMaxWorkers limits concurrent sends per fanout. Zero means one goroutine per send.
func WithMaxWorkers(n int) PublisherOption {
	return func(p *Publisher) { p.maxWorkers = n }
}

// WithDetachedFanout makes Publish return right after the durable append.
// Sends still run under the fanout timeout; Close waits for them.
func WithDetachedFanout() PublisherOption {
	return func(p *Publisher) { p.detached = true }
}

// NewPublisher creates a Publisher writing to store.
func NewPublisher(store EventStore, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		store:         store,
		transport:     NopTransport,
		router:        TopicRouter{},
		appendTimeout: DefaultAppendTimeout,
		fanoutTimeout: DefaultFanoutTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = packageMetrics()
	}
	return p
}

// Publish validates e, appends it durably and fans it out to its topics.
//
// Errors:
//   - *ValidationError when e is malformed; nothing is written or sent.
//   - *StoreWriteError when the append failed; nothing is sent.
//   - ErrPublisherClosed after Close; nothing is written.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	if p.isClosed() {
		return ErrPublisherClosed
	}
	if err := e.Validate(); err != nil {
		return err
	}

	actx, cancel := p.appendContext(ctx)
	defer cancel()

	if _, err := p.store.Append(actx, e); err != nil {
		p.appendFailed(ctx, err, 1)
		return WrapStoreWriteError("append", err)
	}
	p.appended(ctx, 1)

	p.fanout(ctx, []Event{e})
	return nil
}

// PublishBatch appends events atomically and fans out each of them
// independently. An empty batch is a no-op.
func (p *Publisher) PublishBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if p.isClosed() {
		return ErrPublisherClosed
	}
	if err := ValidateBatch(events); err != nil {
		return err
	}

	actx, cancel := p.appendContext(ctx)
	defer cancel()

	if _, err := p.store.AppendBatch(actx, events); err != nil {
		p.appendFailed(ctx, err, len(events))
		return WrapStoreWriteError("append batch", err)
	}
	p.appended(ctx, len(events))

	p.fanout(ctx, events)
	return nil
}

// GetEvents returns the stored events referencing aggregateID with a timestamp
// at or after from. Empty arguments disable the respective filter.
func (p *Publisher) GetEvents(ctx context.Context, aggregateID string, from time.Time) ([]Event, error) {
	iter, err := p.store.Query(ctx, Filter{AggregateID: aggregateID, From: from})
	if err != nil {
		return nil, WrapQueryError(err)
	}
	records, err := iter.All(ctx)
	if err != nil {
		return nil, WrapQueryError(err)
	}
	events := make([]Event, len(records))
	for i, r := range records {
		events[i] = r.Event
	}
	return events, nil
}

// Close refuses further publishes and waits for in-flight fanouts to finish
// or ctx to end. It does not close the store or the transport.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// track registers a fanout with Close. It reports false once Close has begun.
func (p *Publisher) track() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.inflight.Add(1)
	return true
}

func (p *Publisher) appendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.appendTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.appendTimeout)
}

func (p *Publisher) log(ctx context.Context) *zap.Logger {
	l := p.logger
	if l == nil {
		l = logger.Get(ctx)
	}
	return l.With(zap.String("component", "publisher"))
}

func (p *Publisher) appended(ctx context.Context, n int) {
	p.stats.appended.Add(uint64(n))
	if p.metrics != nil {
		p.metrics.EventsAppended.Add(ctx, int64(n))
	}
}

func (p *Publisher) appendFailed(ctx context.Context, err error, n int) {
	p.stats.storeErrors.Add(1)
	if p.metrics != nil {
		p.metrics.StoreErrors.Add(ctx, 1)
	}
	p.log(ctx).Error("failed to append events", zap.Int("count", n), zap.Error(err))
}

// fanout sends every event to each of its routed topics. The sends outlive
// cancellation of ctx but are bounded by the fanout timeout.
func (p *Publisher) fanout(ctx context.Context, events []Event) {
	// A Publish racing Close got past its check and appended; its sends are
	// abandoned and counted as dropped.
	if !p.track() {
		for _, e := range events {
			for _, topic := range p.router.Route(e) {
				p.dropped(ctx, &TransportSendError{Topic: topic, EventID: e.ID, Err: ErrPublisherClosed})
			}
		}
		return
	}

	fctx, cancel := context.WithoutCancel(ctx), context.CancelFunc(func() {})
	if p.fanoutTimeout > 0 {
		fctx, cancel = context.WithTimeout(fctx, p.fanoutTimeout)
	}

	done := make(chan struct{})
	go func() {
		defer p.inflight.Done()
		defer cancel()
		defer close(done)
		p.send(fctx, events)
	}()

	if p.detached {
		return
	}
	select {
	case <-done:
	case <-fctx.Done():
	}
	if errors.Is(fctx.Err(), context.DeadlineExceeded) {
		p.stats.timeouts.Add(1)
		if p.metrics != nil {
			p.metrics.FanoutTimeouts.Add(context.WithoutCancel(fctx), 1)
		}
		p.log(ctx).Warn("fanout did not finish in time",
			zap.Duration("timeout", p.fanoutTimeout),
			zap.Int("events", len(events)))
	}
}

func (p *Publisher) send(ctx context.Context, events []Event) {
	start := time.Now()
	wp := pool.New()
	if p.maxWorkers > 0 {
		wp = wp.WithMaxGoroutines(p.maxWorkers)
	}
	for _, e := range events {
		msg := NewMessage(e)
		for _, topic := range p.router.Route(e) {
			wp.Go(func() {
				defer func() {
					if r := recover(); r != nil {
						p.dropped(ctx, &TransportSendError{Topic: topic, EventID: e.ID, Err: fmt.Errorf("panic: %v", r)})
					}
				}()
				if err := p.transport.Send(ctx, topic, msg); err != nil {
					p.dropped(ctx, &TransportSendError{Topic: topic, EventID: e.ID, Err: err})
					return
				}
				p.stats.sent.Add(1)
				if p.metrics != nil {
					p.metrics.FanoutSent.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", e.Type.String())))
				}
			})
		}
	}
	wp.Wait()
	if p.metrics != nil {
		p.metrics.FanoutDuration.Record(context.WithoutCancel(ctx), float64(time.Since(start))/float64(time.Millisecond))
	}
}

func (p *Publisher) dropped(ctx context.Context, err *TransportSendError) {
	p.stats.dropped.Add(1)
	if p.metrics != nil {
		p.metrics.FanoutDropped.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("topic", err.Topic)))
	}
	p.log(ctx).Warn("failed to deliver event",
		zap.String("event_id", err.EventID),
		zap.String("topic", err.Topic),
		zap.Error(err.Err))
}

// Stats is a snapshot of the publisher counters.
type Stats struct {
	Appended    uint64
	StoreErrors uint64
	Sent        uint64
	Dropped     uint64
	Timeouts    uint64
}

type publisherStats struct {
	appended    atomic.Uint64
	storeErrors atomic.Uint64
	sent        atomic.Uint64
	dropped     atomic.Uint64
	timeouts    atomic.Uint64
}

// Stats returns the current counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Appended:    p.stats.appended.Load(),
		StoreErrors: p.stats.storeErrors.Load(),
		Sent:        p.stats.sent.Load(),
		Dropped:     p.stats.dropped.Load(),
		Timeouts:    p.stats.timeouts.Load(),
	}
}
