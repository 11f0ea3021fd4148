package eventlog

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName = "github.com/clinicsales/eventlog"

	// InstrumentationVersion is reported with every meter and tracer.
	InstrumentationVersion = "0.3.0"
)

// Metrics holds the instruments recorded by the publisher.
type Metrics struct {
	// EventsAppended counts events durably appended through the publisher.
	EventsAppended metric.Int64Counter
	// StoreErrors counts failed appends.
	StoreErrors metric.Int64Counter
	// FanoutSent counts successful per-topic deliveries.
	FanoutSent metric.Int64Counter
	// FanoutDropped counts per-topic deliveries that failed or panicked.
	FanoutDropped metric.Int64Counter
	// FanoutTimeouts counts fanouts that did not finish within the fanout timeout.
	FanoutTimeouts metric.Int64Counter
	// FanoutDuration records how long a complete fanout took.
	FanoutDuration metric.Float64Histogram
}

var (
	defaultMetrics *Metrics
	once           sync.Once
	initErr        error
)

// Init creates the package metrics from the global MeterProvider.
// Call this once at application startup.
func Init() error {
	once.Do(func() {
		defaultMetrics, initErr = NewMetrics(otel.GetMeterProvider())
	})
	return initErr
}

// NewMetrics creates the instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName, metric.WithInstrumentationVersion(InstrumentationVersion))
	m := &Metrics{}
	var err error

	m.EventsAppended, err = meter.Int64Counter(
		"eventlog.events.appended",
		metric.WithDescription("Number of events durably appended"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreErrors, err = meter.Int64Counter(
		"eventlog.store.errors",
		metric.WithDescription("Number of failed appends"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.FanoutSent, err = meter.Int64Counter(
		"eventlog.fanout.sent",
		metric.WithDescription("Number of messages delivered to a topic"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	m.FanoutDropped, err = meter.Int64Counter(
		"eventlog.fanout.dropped",
		metric.WithDescription("Number of messages that failed to reach a topic"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	m.FanoutTimeouts, err = meter.Int64Counter(
		"eventlog.fanout.timeouts",
		metric.WithDescription("Number of fanouts abandoned after the fanout timeout"),
		metric.WithUnit("{fanout}"),
	)
	if err != nil {
		return nil, err
	}

	m.FanoutDuration, err = meter.Float64Histogram(
		"eventlog.fanout.duration",
		metric.WithDescription("Fanout duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func packageMetrics() *Metrics {
	if err := Init(); err != nil {
		return nil
	}
	return defaultMetrics
}
