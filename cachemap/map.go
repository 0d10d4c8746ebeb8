// Package cachemap implements the in-memory layer of the cache: an item
// partition bounded by LRU eviction, and two query-result partitions
// (complete and partial) with independent TTLs.
//
// Query results hold keys, not records. A result is served only while its
// TTL class has not elapsed and every key it references is still present in
// the item partition; anything else is a miss. This is what keeps a filtered
// listing from ever answering an unfiltered one, and keeps evicted or deleted
// items from leaving half-hydrated results behind.
package cachemap

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/item"
	"github.com/Keksclan/goRawrCache/query"
	"github.com/Keksclan/goRawrCache/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config holds the partition policies. A zero TTL never expires.
type Config struct {
	ItemTTL  time.Duration
	QueryTTL time.Duration
	FacetTTL time.Duration

	// MaxItems bounds the item partition. Zero means unbounded.
	MaxItems int

	// PinGrace keeps a key protected from eviction for a short while after
	// the fetch that pinned it has finished.
	PinGrace time.Duration

	// NegativeTTL enables caching of NotFound outcomes. Zero disables it.
	NegativeTTL time.Duration
}

// Size is the item partition's footprint.
type Size struct {
	ItemCount int
	SizeBytes int
}

// QueryMetadata counts live query entries per completeness class.
type QueryMetadata struct {
	Complete int
	Partial  int
}

// TwoLayerStats reports the query partitions for observability.
type TwoLayerStats struct {
	QueryMetadata QueryMetadata
}

// Stats is a point-in-time snapshot of partition sizes and counters.
type Stats struct {
	Items     int
	Queries   int
	Facets    int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type itemEntry struct {
	skey       string
	rec        item.Record
	freshAt    time.Time
	accessedAt time.Time
	size       int
}

type queryEntry struct {
	keys     []item.Key
	storedAt time.Time
}

type pin struct {
	count int
	until time.Time
}

// Map is the in-memory cache for one entity type. All methods are safe for
// concurrent use; no I/O happens while the partition lock is held.
type Map struct {
	cfg     Config
	name    string
	now     func() time.Time
	logger  *zap.Logger
	durable *store.Durable
	missing *negativeCache

	registerer prometheus.Registerer
	metrics    *metrics

	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front is most recently used
	bytes   int
	pins    map[string]*pin
	queries map[query.Signature]*queryEntry
	facets  map[query.Signature]*queryEntry

	hits      uint64
	misses    uint64
	evictions uint64

	w *writer
}

// Option configures a Map.
type Option func(*Map)

// WithDurable persists the item partition through d.
func WithDurable(d *store.Durable) Option {
	return func(m *Map) { m.durable = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Map) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithName labels the map in logs and metrics, usually with its entity type.
func WithName(name string) Option {
	return func(m *Map) { m.name = name }
}

// WithRegisterer exports the map's metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Map) { m.registerer = reg }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Map) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a Map.
func New(cfg Config, opts ...Option) (*Map, error) {
	if cfg.MaxItems < 0 {
		return nil, cacheerr.Invalid("MaxItems", "must not be negative")
	}
	m := &Map{
		cfg:     cfg,
		name:    "default",
		now:     time.Now,
		logger:  zap.NewNop(),
		items:   make(map[string]*list.Element),
		order:   list.New(),
		pins:    make(map[string]*pin),
		queries: make(map[query.Signature]*queryEntry),
		facets:  make(map[query.Signature]*queryEntry),
	}
	for _, o := range opts {
		o(m)
	}
	if m.registerer != nil {
		mt, err := newMetrics(m.registerer, m.name)
		if err != nil {
			return nil, err
		}
		m.metrics = mt
	}
	if cfg.NegativeTTL > 0 {
		nc, err := newNegativeCache(cfg.MaxItems, cfg.NegativeTTL)
		if err != nil {
			return nil, err
		}
		m.missing = nc
	}
	m.w = newWriter(m.durable, m.logger.With(zap.String("cache", m.name)))
	return m, nil
}

// Config returns the map's immutable configuration.
func (m *Map) Config() Config { return m.cfg }

// Get returns the record for key when it is present and fresh. Expired
// entries are reported as absent but left in place (lazy expiry).
func (m *Map) Get(key item.Key) (item.Record, bool) {
	skey := key.String()
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[skey]
	if !ok {
		m.recordMiss()
		return item.Record{}, false
	}
	e := el.Value.(*itemEntry)
	now := m.now()
	if expired(e.freshAt, m.cfg.ItemTTL, now) {
		m.recordMiss()
		return item.Record{}, false
	}
	e.accessedAt = now
	m.order.MoveToFront(el)
	m.recordHit()
	return e.rec.Clone(), true
}

// Peek returns the record for key whether or not it is fresh, without
// touching recency or counters. fresh reports whether it is within ItemTTL.
func (m *Map) Peek(key item.Key) (rec item.Record, fresh, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key.String()]
	if !ok {
		return item.Record{}, false, false
	}
	e := el.Value.(*itemEntry)
	return e.rec.Clone(), !expired(e.freshAt, m.cfg.ItemTTL, m.now()), true
}

// Set stores rec under key, stamps it fresh, persists it asynchronously and
// evicts least-recently-used items beyond MaxItems.
func (m *Map) Set(key item.Key, rec item.Record) error {
	if err := key.Validate(); err != nil {
		return err
	}
	skey := key.String()
	rec = rec.Clone()
	rec.Key = key

	m.mu.Lock()
	now := m.now()
	e := &itemEntry{skey: skey, rec: rec, freshAt: now, accessedAt: now, size: estimateSize(skey, rec.Fields)}
	if el, ok := m.items[skey]; ok {
		m.bytes -= el.Value.(*itemEntry).size
		el.Value = e
		m.order.MoveToFront(el)
	} else {
		m.items[skey] = m.order.PushFront(e)
	}
	m.bytes += e.size
	m.w.put(skey, store.Entry{Record: rec.Clone(), FreshAt: now})
	m.evictLocked(now)
	m.updateGauges()
	m.mu.Unlock()

	if m.missing != nil {
		m.missing.forget(skey)
	}
	return nil
}

// Delete removes key from the item partition and the durable store.
func (m *Map) Delete(key item.Key) {
	skey := key.String()
	m.mu.Lock()
	if el, ok := m.items[skey]; ok {
		m.removeLocked(el)
	}
	m.w.del(skey)
	m.updateGauges()
	m.mu.Unlock()

	if m.missing != nil {
		m.missing.forget(skey)
	}
}

// DeleteUnder removes every item located under parent from the item
// partition and the durable store. Query entries referencing them become
// dangling and miss on their next read.
func (m *Map) DeleteUnder(parent item.Key) int {
	m.mu.Lock()
	var dropped []string
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*itemEntry)
		if e.rec.Key.Within(parent) {
			m.removeLocked(el)
			m.w.del(e.skey)
			dropped = append(dropped, e.skey)
		}
		el = next
	}
	m.updateGauges()
	m.mu.Unlock()

	if m.missing != nil {
		for _, skey := range dropped {
			m.missing.forget(skey)
		}
	}
	return len(dropped)
}

// Pin protects key from eviction until the returned function is called and
// PinGrace has elapsed after that. Pins nest.
func (m *Map) Pin(key item.Key) (unpin func()) {
	skey := key.String()
	m.mu.Lock()
	p, ok := m.pins[skey]
	if !ok {
		p = &pin{}
		m.pins[skey] = p
	}
	p.count++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			p.count--
			p.until = m.now().Add(m.cfg.PinGrace)
			if p.count == 0 && m.pins[skey] == p {
				// The grace only matters for an item that is actually held.
				_, held := m.items[skey]
				if !held || m.cfg.PinGrace <= 0 || m.cfg.MaxItems <= 0 {
					delete(m.pins, skey)
				}
			}
			m.mu.Unlock()
		})
	}
}

// QueryIn returns the cached keys for sig. It reports a miss when the entry
// is absent, past its TTL class, or references a key no longer present in
// the item partition; expired and dangling entries are dropped.
func (m *Map) QueryIn(sig query.Signature) ([]item.Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, part := range []struct {
		entries map[query.Signature]*queryEntry
		ttl     time.Duration
	}{
		{m.queries, m.cfg.QueryTTL},
		{m.facets, m.cfg.FacetTTL},
	} {
		qe, ok := part.entries[sig]
		if !ok {
			continue
		}
		if expired(qe.storedAt, part.ttl, now) {
			delete(part.entries, sig)
			m.updateGauges()
			return nil, false
		}
		for _, k := range qe.keys {
			if _, live := m.items[k.String()]; !live {
				delete(part.entries, sig)
				m.updateGauges()
				return nil, false
			}
		}
		out := make([]item.Key, len(qe.keys))
		copy(out, qe.keys)
		return out, true
	}
	return nil, false
}

// SetQueryResult stores keys as the result of sig in the partition for c.
func (m *Map) SetQueryResult(sig query.Signature, keys []item.Key, c query.Completeness) {
	qe := &queryEntry{keys: make([]item.Key, len(keys))}
	copy(qe.keys, keys)

	m.mu.Lock()
	qe.storedAt = m.now()
	// A signature lives in exactly one partition.
	if c == query.Complete {
		delete(m.facets, sig)
		m.queries[sig] = qe
	} else {
		delete(m.queries, sig)
		m.facets[sig] = qe
	}
	m.updateGauges()
	m.mu.Unlock()
}

// DropQueryResult removes the entry for sig from both partitions.
func (m *Map) DropQueryResult(sig query.Signature) {
	m.mu.Lock()
	delete(m.queries, sig)
	delete(m.facets, sig)
	m.updateGauges()
	m.mu.Unlock()
}

// ClearQueryResults wipes both query partitions and the negative markers.
// Items are kept.
func (m *Map) ClearQueryResults() {
	m.mu.Lock()
	clear(m.queries)
	clear(m.facets)
	m.updateGauges()
	m.mu.Unlock()

	if m.missing != nil {
		m.missing.reset()
	}
}

// MarkMissing records that key was not found upstream. It is a no-op when
// negative caching is disabled.
func (m *Map) MarkMissing(key item.Key) {
	if m.missing != nil {
		m.missing.mark(key.String())
	}
}

// IsMissing reports whether key was recently found missing upstream.
func (m *Map) IsMissing(key item.Key) bool {
	return m.missing != nil && m.missing.has(key.String())
}

// Load hydrates the item partition from the durable store. Entries are
// inserted oldest first so the freshest end up most recently used.
// Hydrated fields carry the store's types: numbers come back as float64
// and typed slices as []any.
func (m *Map) Load(ctx context.Context) (int, error) {
	if m.durable == nil {
		return 0, nil
	}
	all, err := m.durable.GetAll(ctx)
	if err != nil {
		return 0, err
	}

	entries := make([]store.Entry, 0, len(all))
	for _, e := range all {
		entries = append(entries, e)
	}
	sortByFreshness(entries)

	m.mu.Lock()
	defer m.mu.Unlock()
	loaded := 0
	for _, se := range entries {
		skey := se.Record.Key.String()
		if _, exists := m.items[skey]; exists {
			// A write that happened since start wins over the stored copy.
			continue
		}
		e := &itemEntry{
			skey:       skey,
			rec:        se.Record,
			freshAt:    se.FreshAt,
			accessedAt: se.FreshAt,
			size:       estimateSize(skey, se.Record.Fields),
		}
		m.items[skey] = m.order.PushFront(e)
		m.bytes += e.size
		loaded++
	}
	m.evictLocked(m.now())
	m.updateGauges()
	return loaded, nil
}

// Reset wipes every partition and the durable store. Memory is always
// cleared; a storage failure is returned as a StorageUnavailableError.
func (m *Map) Reset(ctx context.Context) error {
	m.mu.Lock()
	clear(m.items)
	m.order.Init()
	m.bytes = 0
	for skey, p := range m.pins {
		if p.count == 0 {
			delete(m.pins, skey)
		}
	}
	clear(m.queries)
	clear(m.facets)
	done := m.w.clear()
	m.updateGauges()
	m.mu.Unlock()

	if m.missing != nil {
		m.missing.reset()
	}
	if done == nil {
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &cacheerr.StorageUnavailableError{Op: "clear", Err: ctx.Err()}
	}
}

// Sync blocks until every durable write queued so far has been applied.
func (m *Map) Sync(ctx context.Context) error {
	m.mu.Lock()
	done := m.w.barrier()
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentSize reports the item count and an estimate of the bytes held.
func (m *Map) CurrentSize() Size {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Size{ItemCount: len(m.items), SizeBytes: m.bytes}
}

// TwoLayerStats counts live query entries per completeness class.
func (m *Map) TwoLayerStats() TwoLayerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var s TwoLayerStats
	for _, qe := range m.queries {
		if !expired(qe.storedAt, m.cfg.QueryTTL, now) {
			s.QueryMetadata.Complete++
		}
	}
	for _, qe := range m.facets {
		if !expired(qe.storedAt, m.cfg.FacetTTL, now) {
			s.QueryMetadata.Partial++
		}
	}
	return s
}

// Stats returns partition sizes and hit/miss/eviction counters.
func (m *Map) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Items:     len(m.items),
		Queries:   len(m.queries),
		Facets:    len(m.facets),
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
	}
}

// Close drains queued durable writes and releases the negative cache. It
// does not close the durable store.
func (m *Map) Close() error {
	m.w.stop()
	if m.missing != nil {
		m.missing.close()
	}
	return nil
}

// evictLocked removes least-recently-used unpinned items beyond MaxItems.
// If every candidate is pinned the partition temporarily exceeds the bound.
func (m *Map) evictLocked(now time.Time) {
	if m.cfg.MaxItems <= 0 {
		return
	}
	el := m.order.Back()
	for len(m.items) > m.cfg.MaxItems && el != nil {
		prev := el.Prev()
		e := el.Value.(*itemEntry)
		if !m.pinnedLocked(e.skey, now) {
			m.removeLocked(el)
			m.w.del(e.skey)
			m.evictions++
			if m.metrics != nil {
				m.metrics.evictions.Inc()
			}
			m.logger.Debug("evicted item", zap.String("cache", m.name), zap.String("key", e.skey))
		}
		el = prev
	}
}

func (m *Map) pinnedLocked(skey string, now time.Time) bool {
	p, ok := m.pins[skey]
	if !ok {
		return false
	}
	if p.count > 0 || now.Before(p.until) {
		return true
	}
	delete(m.pins, skey)
	return false
}

func (m *Map) removeLocked(el *list.Element) {
	e := el.Value.(*itemEntry)
	m.order.Remove(el)
	delete(m.items, e.skey)
	m.bytes -= e.size
	if p, ok := m.pins[e.skey]; ok && p.count == 0 {
		delete(m.pins, e.skey)
	}
}

func (m *Map) recordHit() {
	m.hits++
	if m.metrics != nil {
		m.metrics.hits.Inc()
	}
}

func (m *Map) recordMiss() {
	m.misses++
	if m.metrics != nil {
		m.metrics.misses.Inc()
	}
}

func (m *Map) updateGauges() {
	if m.metrics == nil {
		return
	}
	m.metrics.items.Set(float64(len(m.items)))
	m.metrics.entries.WithLabelValues(query.Complete.String()).Set(float64(len(m.queries)))
	m.metrics.entries.WithLabelValues(query.Partial.String()).Set(float64(len(m.facets)))
}

func expired(at time.Time, ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(at) >= ttl
}
