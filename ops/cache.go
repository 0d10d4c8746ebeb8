// Package ops implements the cache operations for one entity type on top of
// the in-memory map, the durable store, the remote source and the event
// bus.
//
// Reads are served from memory while fresh and fall back to the remote on a
// miss; concurrent misses for the same key or query signature share one
// remote call. Writes go to the remote first and only touch the cache once
// the remote has accepted them. Every write conservatively drops all cached
// query results of the type, then publishes an event.
package ops

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/cachemap"
	"github.com/Keksclan/goRawrCache/contextx"
	"github.com/Keksclan/goRawrCache/event"
	"github.com/Keksclan/goRawrCache/item"
	"github.com/Keksclan/goRawrCache/remote"
	"github.com/Keksclan/goRawrCache/store"
	"github.com/Keksclan/goRawrCache/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Stats is a snapshot of partition sizes and counters.
type Stats = cachemap.Stats

// Info summarises a cache's static configuration.
type Info struct {
	Type     string
	ItemTTL  time.Duration
	QueryTTL time.Duration
	FacetTTL time.Duration
	MaxItems int
	Store    string
	Degraded bool
	Debug    bool
}

// Cache is the cache for one entity type. It is safe for concurrent use.
type Cache struct {
	typ       string
	cfg       Config
	src       remote.Source
	logger    *zap.Logger
	tracer    trace.Tracer
	durable   *store.Durable
	m         *cachemap.Map
	bus       *event.Bus
	validator func(item.Fields) error

	reads   flight[item.Record]
	queries flight[[]item.Record]

	// mut orders writes and their event publication. It is held while
	// subscribers run.
	mut sync.Mutex

	// epoch counts writes and invalidations; a fetch that started before
	// one must not store what it read. storeMu is never held across
	// publication, so subscribers may invalidate any cache.
	storeMu sync.Mutex
	epoch   uint64
}

// New builds the cache for entityType in front of src.
func New(entityType string, src remote.Source, cfg Config, opts ...Option) (*Cache, error) {
	if entityType == "" {
		return nil, cacheerr.Invalid("entityType", "must not be empty")
	}
	if src == nil {
		return nil, cacheerr.Invalid("source", "must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
		if cfg.Debug {
			logger, _ = zap.NewDevelopment()
		}
	}
	logger = logger.With(zap.String("cache", entityType))
	if o.now == nil {
		o.now = time.Now
	}

	if cfg.FacetTTL > cfg.QueryTTL {
		logger.Warn("facet TTL exceeds query TTL; partial results will outlive complete ones",
			zap.Duration("facetTTL", cfg.FacetTTL),
			zap.Duration("queryTTL", cfg.QueryTTL),
		)
	}

	durable := store.NewDurable(o.backend,
		store.WithLogger(logger),
		store.WithOpenTimeout(cfg.OpenTimeout),
		store.WithOpTimeout(cfg.StorageTimeout),
	)

	mapOpts := []cachemap.Option{
		cachemap.WithDurable(durable),
		cachemap.WithLogger(logger),
		cachemap.WithName(entityType),
		cachemap.WithClock(o.now),
	}
	if o.registerer != nil {
		mapOpts = append(mapOpts, cachemap.WithRegisterer(o.registerer))
	}
	m, err := cachemap.New(cfg.mapConfig(), mapOpts...)
	if err != nil {
		return nil, err
	}

	busOpts := []event.Option{event.WithLogger(logger)}
	if o.sink != nil {
		busOpts = append(busOpts, event.WithErrorSink(o.sink))
	}

	return &Cache{
		typ:       entityType,
		cfg:       cfg,
		src:       remote.Chain(src, remote.WithTimeout(cfg.RemoteTimeout)),
		logger:    logger,
		tracer:    tracing.Tracer(o.tp),
		durable:   durable,
		m:         m,
		bus:       event.NewBus(entityType, busOpts...),
		validator: o.validator,
	}, nil
}

// Type returns the entity type the cache serves.
func (c *Cache) Type() string { return c.typ }

// Map exposes the in-memory layer for observability.
func (c *Cache) Map() *cachemap.Map { return c.m }

// Bus exposes the cache's event bus.
func (c *Cache) Bus() *event.Bus { return c.bus }

// Open opens the durable store and hydrates memory from it. Concurrent and
// repeated calls share one open. Storage failures leave the cache running
// memory-only; the returned *cacheerr.StorageUnavailableError is
// informational.
func (c *Cache) Open(ctx context.Context) error {
	ctx, span := tracing.Start(ctx, c.tracer, "cache.open", c.typ)
	defer span.End()

	if c.durable.Ready() {
		tracing.Finish(span, nil)
		return nil
	}
	if err := c.durable.Open(ctx); err != nil {
		tracing.Finish(span, err)
		return err
	}
	// Hydrated numbers are float64 until the next remote read replaces them.
	n, err := c.m.Load(ctx)
	if err != nil {
		c.logger.Warn("hydrating from durable store failed", zap.Error(err))
		tracing.Finish(span, err)
		return err
	}
	c.logger.Info("cache opened", zap.String("store", c.durable.Kind()), zap.Int("loaded", n))
	tracing.Finish(span, nil)
	return nil
}

// Get returns the item for key, from memory when fresh and from the remote
// otherwise.
func (c *Cache) Get(ctx context.Context, key item.Key) (item.Record, error) {
	ctx, span := tracing.Start(ctx, c.tracer, "cache.get", c.typ, tracing.AttrKey.String(key.String()))
	defer span.End()

	rec, hit, err := c.get(ctx, key)
	span.SetAttributes(tracing.AttrHit.Bool(hit))
	tracing.Finish(span, err)
	return rec, err
}

func (c *Cache) get(ctx context.Context, key item.Key) (item.Record, bool, error) {
	if err := c.checkKey(key); err != nil {
		return item.Record{}, false, err
	}
	if rec, ok := c.m.Get(key); ok {
		c.debug(ctx, "item hit", key)
		return rec, true, nil
	}
	if c.m.IsMissing(key) {
		c.debug(ctx, "item known missing", key)
		return item.Record{}, true, cacheerr.NotFound(key.String())
	}
	c.debug(ctx, "item miss", key)
	rec, err := c.fetch(ctx, key)
	return rec, false, err
}

// fetch reads key from the remote, coalescing concurrent misses. The key is
// pinned against eviction while the read is in flight.
func (c *Cache) fetch(ctx context.Context, key item.Key) (item.Record, error) {
	rec, err, shared := c.reads.do(ctx, key.String(), func() (item.Record, error) {
		unpin := c.m.Pin(key)
		defer unpin()

		epoch := c.currentEpoch()
		rec, err := c.src.Read(ctx, key)
		if err != nil {
			err = c.classify(remote.OpRead, key, err)
			if errors.Is(err, cacheerr.ErrNotFound) {
				_ = c.storeIfCurrent(epoch, func() error {
					c.m.Delete(key)
					c.m.MarkMissing(key)
					return nil
				})
			}
			return item.Record{}, err
		}
		rec.Key = key
		if err := c.storeIfCurrent(epoch, func() error { return c.m.Set(key, rec) }); err != nil {
			return item.Record{}, err
		}
		return rec, nil
	})
	if shared {
		trace.SpanFromContext(ctx).SetAttributes(tracing.AttrShared.Bool(true))
	}
	if err != nil {
		return item.Record{}, abandoned(remote.OpRead, err, shared)
	}
	return rec.Clone(), nil
}

// GetOrStale behaves like Get, except that when the remote is unavailable
// and an expired copy is still held it returns that copy with stale set.
func (c *Cache) GetOrStale(ctx context.Context, key item.Key) (rec item.Record, stale bool, err error) {
	ctx, span := tracing.Start(ctx, c.tracer, "cache.get_or_stale", c.typ, tracing.AttrKey.String(key.String()))
	defer span.End()

	rec, hit, err := c.get(ctx, key)
	span.SetAttributes(tracing.AttrHit.Bool(hit))
	if err != nil && errors.Is(err, cacheerr.ErrRemoteUnavailable) {
		if old, _, ok := c.m.Peek(key); ok {
			c.logger.Info("serving stale item", zap.Stringer("key", key), zap.Error(err))
			span.SetAttributes(tracing.AttrStale.Bool(true))
			tracing.Finish(span, nil)
			return old, true, nil
		}
	}
	tracing.Finish(span, err)
	return rec, false, err
}

// Reset wipes every partition and the durable store. Memory is always
// cleared; a storage failure is returned as informational. Reads in flight
// when this is called will not record their results.
func (c *Cache) Reset(ctx context.Context) error {
	ctx, span := tracing.Start(ctx, c.tracer, "cache.reset", c.typ)
	defer span.End()

	c.storeMu.Lock()
	c.epoch++
	c.storeMu.Unlock()
	err := c.m.Reset(ctx)
	if err != nil {
		c.logger.Warn("durable clear failed during reset", zap.Error(err))
	}
	tracing.Finish(span, err)
	return err
}

// ClearQueryResults drops every cached query result. Items are kept. A
// query in flight when this is called will not record its result.
func (c *Cache) ClearQueryResults() {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	c.epoch++
	c.m.ClearQueryResults()
}

// DropUnder removes the items located under parent, such as the components
// of a removed widget, together with every query result. It returns how
// many items were dropped.
func (c *Cache) DropUnder(parent item.Key) int {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	c.epoch++
	n := c.m.DeleteUnder(parent)
	c.m.ClearQueryResults()
	if n > 0 {
		c.logger.Debug("dropped items under removed parent", zap.Stringer("parent", parent), zap.Int("count", n))
	}
	return n
}

// Subscribe registers h for this cache's events. Handlers run synchronously
// inside the write that produced the event, so they must not write to this
// cache; invalidating any cache is fine.
func (c *Cache) Subscribe(h event.Handler) (event.Token, error) {
	return c.bus.Subscribe(h)
}

// Unsubscribe removes a subscription.
func (c *Cache) Unsubscribe(tok event.Token) bool {
	return c.bus.Unsubscribe(tok)
}

// Info returns the cache's configuration summary.
func (c *Cache) Info() Info {
	return Info{
		Type:     c.typ,
		ItemTTL:  c.cfg.ItemTTL,
		QueryTTL: c.cfg.QueryTTL,
		FacetTTL: c.cfg.FacetTTL,
		MaxItems: c.cfg.EvictionMaxItems,
		Store:    c.durable.Kind(),
		Degraded: c.durable.Degraded(),
		Debug:    c.cfg.Debug,
	}
}

// Stats returns partition sizes and counters.
func (c *Cache) Stats() Stats { return c.m.Stats() }

// Close drains pending durable writes and closes the durable store.
func (c *Cache) Close() error {
	_ = c.m.Close()
	return c.durable.Close()
}

func (c *Cache) currentEpoch() uint64 {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	return c.epoch
}

// storeIfCurrent runs fn unless a write was committed since epoch was read.
func (c *Cache) storeIfCurrent(epoch uint64, fn func() error) error {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	if c.epoch != epoch {
		c.logger.Debug("discarding fetch raced by a write")
		return nil
	}
	return fn()
}

func (c *Cache) checkKey(key item.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if key.Type != c.typ {
		return cacheerr.Invalid("key", "type "+key.Type+" does not belong to cache "+c.typ)
	}
	return nil
}

// classify maps a remote error into the taxonomy and names the key on a
// NotFound.
func (c *Cache) classify(op string, key item.Key, err error) error {
	err = remote.Classify(op, err)
	var nf *cacheerr.NotFoundError
	if errors.As(err, &nf) && nf.Key == "" {
		return cacheerr.NotFound(key.String())
	}
	return err
}

func (c *Cache) debug(ctx context.Context, msg string, key item.Key) {
	if ce := c.logger.Check(zap.DebugLevel, msg); ce != nil {
		ce.Write(zap.Stringer("key", key), zap.String("request_id", contextx.RequestIDFromContext(ctx)))
	}
}
