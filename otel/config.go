package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// config holds the options shared by the store, broker and receiver wrappers.
type config struct {
	// Operation overrides the default span name.
	Operation string

	// Attributes are added to every span.
	Attributes []attribute.KeyValue

	// GetAttributes is an optional function that can extract span
	// attributes from the context.
	GetAttributes func(ctx context.Context) []attribute.KeyValue

	// Propagator reads the trace context captured in OutboxMessage.Trace.
	// Defaults to the global propagator.
	Propagator propagation.TextMapPropagator
}

func newConfig(options []Option) *config {
	cfg := &config{}
	for _, o := range options {
		o.apply(cfg)
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	return cfg
}

func (c *config) spanName(fallback string) string {
	if c.Operation != "" {
		return c.Operation
	}
	return fallback
}

func (c *config) attributes(ctx context.Context, attr ...attribute.KeyValue) []attribute.KeyValue {
	attr = append(attr, c.Attributes...)
	if c.GetAttributes != nil {
		attr = append(attr, c.GetAttributes(ctx)...)
	}
	return attr
}

// Option configures a telemetry wrapper.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (o optionFunc) apply(c *config) {
	o(c)
}

// WithOperation sets the span name.
func WithOperation(operation string) Option {
	return optionFunc(func(o *config) {
		o.Operation = operation
	})
}

// WithAttributes sets the default attributes for the spans created by the wrapper.
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

// WithPropagator sets the propagator used to read captured trace context.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return optionFunc(func(o *config) {
		o.Propagator = p
	})
}
