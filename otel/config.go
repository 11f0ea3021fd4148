package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicsales/eventlog"
)

// config holds the options for an instrumented component.
type config struct {
	// Name identifies the wrapped component, e.g. a handler or transport name.
	Name string

	// Attributes holds the default attributes for each span created by the decorator.
	Attributes []attribute.KeyValue

	// GetAttributes is an optional function that can extract trace attributes
	// from the context and add them to the span.
	GetAttributes func(ctx context.Context) []attribute.KeyValue

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

func newConfig(options []Option) *config {
	cfg := &config{
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
	}
	for _, o := range options {
		o.apply(cfg)
	}
	return cfg
}

func (c *config) tracer() trace.Tracer {
	return c.TracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(eventlog.InstrumentationVersion))
}

func (c *config) attributes(ctx context.Context, attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := append([]attribute.KeyValue{}, c.Attributes...)
	if c.Name != "" {
		out = append(out, AttrComponent.String(c.Name))
	}
	if c.GetAttributes != nil {
		out = append(out, c.GetAttributes(ctx)...)
	}
	return append(out, attrs...)
}

// Option configures a telemetry decorator.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (o optionFunc) apply(c *config) {
	o(c)
}

// WithName names the wrapped component in span attributes.
func WithName(name string) Option {
	return optionFunc(func(o *config) {
		o.Name = name
	})
}

// WithAttributes sets the default attributes for the spans created by the decorator.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return optionFunc(func(o *config) {
		o.Attributes = attrs
	})
}

// WithAttributeGetter extracts additional attributes from the context.
func WithAttributeGetter(fn func(ctx context.Context) []attribute.KeyValue) Option {
	return optionFunc(func(o *config) {
		o.GetAttributes = fn
	})
}

// WithTracerProvider replaces the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return optionFunc(func(o *config) {
		o.TracerProvider = tp
	})
}

// WithMeterProvider replaces the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return optionFunc(func(o *config) {
		o.MeterProvider = mp
	})
}
