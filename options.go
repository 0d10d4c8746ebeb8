package gorawrcache

import (
	"github.com/Keksclan/goRawrCache/coordinator"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Option configures a Registry.
type Option func(*config)

// WithLogger sets the logger shared by the registry and the caches it
// builds.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithRegisterer sets where cache metrics are registered. When reg is also
// a prometheus.Gatherer, MetricsHandler serves from it; otherwise it serves
// the default gatherer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}

// WithTracerProvider sets the provider used for cache spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.tp = tp }
}

// WithRules installs the cross-type invalidation table. Without it no
// coordinator is bound and each cache only invalidates itself.
func WithRules(t *coordinator.Table) Option {
	return func(c *config) { c.rules = t }
}
