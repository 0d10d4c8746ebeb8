package gorawrcache

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/coordinator"
	"github.com/Keksclan/goRawrCache/ops"
	"github.com/Keksclan/goRawrCache/remote"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Registry owns the caches of an application and the coordinator that
// relays invalidations between them.
//
//	reg := gorawrcache.New(gorawrcache.WithRules(widget.Rules()))
//	types, _ := reg.NewCache(widget.TypeWidgetType, typeSrc, cfg)
//	widgets, _ := reg.NewCache(widget.TypeWidget, widgetSrc, cfg)
//	if err := reg.Open(ctx); err != nil { ... }
type Registry struct {
	cfg config

	mu     sync.Mutex
	caches map[string]*ops.Cache
	coord  *coordinator.Coordinator
	opened bool
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	return &Registry{cfg: cfg, caches: make(map[string]*ops.Cache)}
}

// CacheOptions returns the ops options carrying the registry's logger,
// metrics registerer and tracer provider.
func (r *Registry) CacheOptions() []ops.Option {
	opts := []ops.Option{ops.WithLogger(r.cfg.logger)}
	if r.cfg.registerer != nil {
		opts = append(opts, ops.WithRegisterer(r.cfg.registerer))
	}
	if r.cfg.tp != nil {
		opts = append(opts, ops.WithTracerProvider(r.cfg.tp))
	}
	return opts
}

// NewCache builds a cache with the registry's shared options followed by
// opts, and registers it.
func (r *Registry) NewCache(entityType string, src remote.Source, cfg ops.Config, opts ...ops.Option) (*ops.Cache, error) {
	c, err := ops.New(entityType, src, cfg, append(r.CacheOptions(), opts...)...)
	if err != nil {
		return nil, err
	}
	if err := r.Register(c); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Register adds c. Each entity type may be registered once, before Open.
func (r *Registry) Register(c *ops.Cache) error {
	if c == nil {
		return cacheerr.Invalid("cache", "must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opened {
		return cacheerr.Invalid("cache", "registry already open")
	}
	if _, dup := r.caches[c.Type()]; dup {
		return cacheerr.Invalid("cache", "type "+c.Type()+" already registered")
	}
	r.caches[c.Type()] = c
	return nil
}

// Cache returns the cache registered for entityType.
func (r *Registry) Cache(entityType string) (*ops.Cache, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[entityType]
	return c, ok
}

// Types returns the registered entity types, sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typesLocked()
}

func (r *Registry) typesLocked() []string {
	types := make([]string, 0, len(r.caches))
	for t := range r.caches {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Open validates the rule table against the registered types, binds the
// coordinator and opens every cache concurrently. A degraded durable store
// is logged and not returned: the affected cache keeps serving from memory.
// Repeated calls are no-ops.
func (r *Registry) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opened {
		return nil
	}

	types := r.typesLocked()
	if r.cfg.rules != nil {
		if err := r.cfg.rules.Validate(types); err != nil {
			return err
		}
		coord := coordinator.New(r.cfg.rules, coordinator.WithLogger(r.cfg.logger))
		targets := make([]coordinator.Target, 0, len(types))
		for _, t := range types {
			targets = append(targets, r.caches[t])
		}
		if _, err := coord.Bind(targets...); err != nil {
			_ = coord.Close()
			return err
		}
		r.coord = coord
	}

	errs := make([]error, len(types))
	var wg sync.WaitGroup
	for i, t := range types {
		wg.Add(1)
		go func(i int, c *ops.Cache) {
			defer wg.Done()
			errs[i] = c.Open(ctx)
		}(i, r.caches[t])
	}
	wg.Wait()

	var fatal []error
	for i, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, cacheerr.ErrStorageUnavailable):
			r.cfg.logger.Warn("cache running without durable store",
				zap.String("cache", types[i]),
				zap.Error(err),
			)
		default:
			fatal = append(fatal, err)
		}
	}
	if len(fatal) > 0 {
		if r.coord != nil {
			_ = r.coord.Close()
			r.coord = nil
		}
		return errors.Join(fatal...)
	}
	r.opened = true
	r.cfg.logger.Info("cache registry opened", zap.Strings("types", types))
	return nil
}

// Reset wipes every registered cache. Storage failures are joined and
// returned; memory is cleared regardless.
func (r *Registry) Reset(ctx context.Context) error {
	r.mu.Lock()
	caches := make([]*ops.Cache, 0, len(r.caches))
	for _, t := range r.typesLocked() {
		caches = append(caches, r.caches[t])
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range caches {
		if err := c.Reset(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close unbinds the coordinator and closes every cache.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.coord != nil {
		errs = append(errs, r.coord.Close())
		r.coord = nil
	}
	for _, t := range r.typesLocked() {
		errs = append(errs, r.caches[t].Close())
	}
	r.opened = false
	return errors.Join(errs...)
}

// MetricsHandler returns an http.Handler that serves the cache metrics.
func (r *Registry) MetricsHandler() http.Handler {
	if g, ok := r.cfg.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
