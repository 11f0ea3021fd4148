// Package kafka publishes routed messages onto a single Kafka topic. The
// routing topic becomes the message key, so every clinic, user and the global
// stream keep their relative order within a partition.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clinicsales/eventlog"
)

var _ eventlog.Transport = (*Transport)(nil)

const (
	HeaderEventName    = "event-name"
	HeaderRoutingTopic = "routing-topic"

	DefaultTopic        = "sales-events"
	defaultFlushTimeout = 5 * time.Second
)

// Producer is the subset of *kafka.Producer the transport needs.
type Producer interface {
	Produce(message *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// NewProducer connects a confluent producer to brokers.
func NewProducer(brokers string, extra kafka.ConfigMap) (*kafka.Producer, error) {
	cfg := kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"acks":               "all",
		"enable.idempotence": true,
	}
	for k, v := range extra {
		cfg[k] = v
	}
	p, err := kafka.NewProducer(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return p, nil
}

// Transport sends every message to one Kafka topic. Produce is asynchronous;
// delivery reports are drained in the background and failures logged.
type Transport struct {
	producer     Producer
	topic        string
	flushTimeout time.Duration
	logger       *zap.Logger
	tracer       trace.Tracer

	mu       sync.RWMutex
	closed   bool
	delivery chan kafka.Event
	drained  chan struct{}

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// Option configures a Transport.
type Option func(*Transport)

// WithTopic overrides the Kafka topic. Defaults to DefaultTopic.
func WithTopic(topic string) Option {
	return func(t *Transport) {
		if topic != "" {
			t.topic = topic
		}
	}
}

// WithLogger sets the logger for delivery failures.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithTracerProvider sets the provider for producer spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Transport) { t.tracer = tp.Tracer("github.com/clinicsales/eventlog/transport/kafka") }
}

// WithFlushTimeout bounds how long Close waits for outstanding deliveries.
func WithFlushTimeout(d time.Duration) Option {
	return func(t *Transport) { t.flushTimeout = d }
}

// New wraps producer. The transport owns it and closes it in Close.
func New(producer Producer, opts ...Option) *Transport {
	t := &Transport{
		producer:     producer,
		topic:        DefaultTopic,
		flushTimeout: defaultFlushTimeout,
		logger:       zap.NewNop(),
		delivery:     make(chan kafka.Event, 256),
		drained:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.tracer == nil {
		t.tracer = otel.Tracer("github.com/clinicsales/eventlog/transport/kafka")
	}
	t.logger = t.logger.With(zap.String("component", "kafka-transport"), zap.String("topic", t.topic))

	go t.drain()
	return t
}

// Send produces msg keyed by the routing topic. A nil error means the message
// was queued, not that the broker acknowledged it.
func (t *Transport) Send(ctx context.Context, topic string, msg eventlog.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, span := t.tracer.Start(ctx, "kafka.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", t.topic),
			attribute.String("messaging.message.id", msg.Payload.ID),
			attribute.String("eventlog.routing_topic", topic),
		),
	)
	defer span.End()

	carrier := propagation.MapCarrier{
		HeaderEventName:    msg.EventName,
		HeaderRoutingTopic: topic,
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make([]kafka.Header, 0, len(carrier))
	for key, v := range carrier {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return eventlog.ErrTransportClosed
	}

	err = t.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &t.topic, Partition: kafka.PartitionAny},
		Key:            []byte(topic),
		Value:          value,
		Headers:        headers,
		Opaque:         msg.Payload.ID,
	}, t.delivery)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to send message to topic %s: %w", t.topic, err)
	}
	return nil
}

func (t *Transport) drain() {
	defer close(t.drained)
	for ev := range t.delivery {
		msg, ok := ev.(*kafka.Message)
		if !ok {
			t.logger.Warn("unexpected delivery event", zap.String("got", fmt.Sprintf("%T", ev)))
			continue
		}
		if msg.TopicPartition.Error != nil {
			t.failed.Add(1)
			t.logger.Error("kafka delivery failed",
				zap.Any("event_id", msg.Opaque),
				zap.ByteString("routing_topic", msg.Key),
				zap.Int32("partition", msg.TopicPartition.Partition),
				zap.Error(msg.TopicPartition.Error))
			continue
		}
		t.delivered.Add(1)
	}
}

// Delivered returns the number of broker-acknowledged messages.
func (t *Transport) Delivered() uint64 { return t.delivered.Load() }

// Failed returns the number of messages the broker rejected.
func (t *Transport) Failed() uint64 { return t.failed.Load() }

// Close flushes outstanding messages, closes the producer and waits for the
// remaining delivery reports.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if left := t.producer.Flush(int(t.flushTimeout / time.Millisecond)); left > 0 {
		t.logger.Warn("messages still in flight at close", zap.Int("count", left))
	}
	t.producer.Close()
	close(t.delivery)
	<-t.drained
	return nil
}
