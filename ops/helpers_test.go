package ops

import (
	"sync"
	"testing"
	"time"

	"github.com/Keksclan/goRawrCache/item"
	"github.com/Keksclan/goRawrCache/memsource"
	"github.com/Keksclan/goRawrCache/query"
	"github.com/Keksclan/goRawrCache/remote"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// activeKind selects records whose active field is true.
type activeKind struct{}

func (activeKind) Name() string         { return "active" }
func (activeKind) Params() query.Params { return nil }

func matchActive(rec item.Record, d query.Descriptor) (bool, error) {
	if _, ok := d.Kind.(activeKind); ok {
		active, _ := rec.Fields["active"].(bool)
		return active, nil
	}
	return true, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ItemTTL = time.Minute
	cfg.QueryTTL = 10 * time.Minute
	cfg.FacetTTL = time.Minute
	return cfg
}

func newSource() *memsource.Source {
	return memsource.New("widget", memsource.WithMatcher(matchActive))
}

func newTestCache(t *testing.T, src remote.Source, cfg Config, opts ...Option) *Cache {
	t.Helper()
	c, err := New("widget", src, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func wkey(id string) item.Key { return item.NewKey("widget", id) }

func seed(src *memsource.Source, id string, active bool) {
	src.Seed(item.Record{Key: wkey(id), Fields: item.Fields{"name": id, "active": active}})
}

var (
	allQuery    = query.Of(query.All{})
	activeQuery = query.Of(activeKind{})
)

func memsourceWithoutMatcher() *memsource.Source {
	return memsource.New("widget")
}
