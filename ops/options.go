package ops

import (
	"time"

	"github.com/Keksclan/goRawrCache/event"
	"github.com/Keksclan/goRawrCache/item"
	"github.com/Keksclan/goRawrCache/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type options struct {
	logger     *zap.Logger
	backend    store.Backend
	tp         trace.TracerProvider
	registerer prometheus.Registerer
	validator  func(item.Fields) error
	sink       event.ErrorSink
	now        func() time.Time
}

// Option configures a Cache.
type Option func(*options)

// WithLogger sets the logger. Without one, Config.Debug selects a zap
// development logger and the cache is otherwise silent.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStore sets the durable backend. The default is an in-memory store.
func WithStore(b store.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithTracerProvider sets the provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tp = tp }
}

// WithRegisterer exports cache metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithValidator checks fields before Create and patches before Update. A
// rejection is returned as a ValidationError without calling the remote.
func WithValidator(fn func(item.Fields) error) Option {
	return func(o *options) { o.validator = fn }
}

// WithErrorSink receives subscriber failures. The default logs them.
func WithErrorSink(s event.ErrorSink) Option {
	return func(o *options) { o.sink = s }
}

// WithClock overrides time.Now for freshness decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
