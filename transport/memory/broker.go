// Package memory provides an in-process Transport that delivers messages to
// named subscribers on their own goroutines.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/clinicsales/eventlog"
)

var _ eventlog.Transport = (*Broker)(nil)

type subscriber struct {
	name    string
	topic   string
	handler eventlog.EventHandler
	queue   chan eventlog.Message
	cancel  context.CancelFunc
}

// Broker fans messages out to subscribers by topic. Each subscriber has a
// bounded queue; a full queue drops the message and Send reports
// ErrSubscriberBusy.
type Broker struct {
	mu         sync.RWMutex
	subs       map[string]*subscriber
	closed     bool
	errs       chan error
	wg         conc.WaitGroup
	bufferSize int
	logger     *zap.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger used for handler failures.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// NewBroker constructs a broker with a given subscriber buffer size.
func NewBroker(bufferSize int, opts ...Option) *Broker {
	if bufferSize < 1 {
		bufferSize = 1
	}
	b := &Broker{
		subs:       make(map[string]*subscriber),
		errs:       make(chan error, 64),
		bufferSize: bufferSize,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "memory-broker"))
	return b
}

// Subscribe registers handler under name for messages sent to topic. The
// subscription ends when ctx is done or the broker is closed.
func (b *Broker) Subscribe(ctx context.Context, name, topic string, handler eventlog.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if topic == "" {
		return errors.New("topic cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return eventlog.ErrTransportClosed
	}
	if _, exists := b.subs[name]; exists {
		return fmt.Errorf("subscriber %q: %w", name, eventlog.ErrDuplicateHandler)
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscriber{
		name:    name,
		topic:   topic,
		handler: handler,
		queue:   make(chan eventlog.Message, b.bufferSize),
		cancel:  cancel,
	}
	b.subs[name] = s

	b.wg.Go(func() { b.run(workerCtx, s) })

	go func() {
		select {
		case <-ctx.Done():
			b.remove(name)
		case <-workerCtx.Done():
		}
	}()

	return nil
}

// Send queues msg for every subscriber of topic without blocking.
func (b *Broker) Send(ctx context.Context, topic string, msg eventlog.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return eventlog.ErrTransportClosed
	}

	var errs []error
	for _, s := range b.subs {
		if s.topic != topic {
			continue
		}
		select {
		case s.queue <- msg:
		default:
			errs = append(errs, fmt.Errorf("subscriber %q: %w", s.name, eventlog.ErrSubscriberBusy))
		}
	}
	return errors.Join(errs...)
}

// Errors reports handler failures. Errors are dropped when nobody reads them.
func (b *Broker) Errors() <-chan error {
	return b.errs
}

// Subscribers returns the number of active subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops every subscriber after it drains its queue, then closes Errors.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for name, s := range b.subs {
		close(s.queue)
		delete(b.subs, name)
	}
	b.mu.Unlock()

	b.wg.Wait()
	close(b.errs)
	return nil
}

func (b *Broker) run(ctx context.Context, s *subscriber) {
	defer s.cancel()
	for msg := range s.queue {
		if ctx.Err() != nil {
			return
		}
		ev := msg.Payload
		if !s.handler.CanHandle(ev) {
			continue
		}
		if err := s.handler.Handle(eventlog.WithEvent(ctx, ev), ev); err != nil {
			b.logger.Warn("subscriber failed to handle event",
				zap.String("subscriber", s.name),
				zap.String("event_id", ev.ID),
				zap.Error(err))
			select {
			case b.errs <- fmt.Errorf("subscriber %q: %w", s.name, err):
			default:
			}
		}
	}
}

func (b *Broker) remove(name string) {
	b.mu.Lock()
	s, ok := b.subs[name]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, name)
	close(s.queue)
	b.mu.Unlock()

	s.cancel()
}
