package ops

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/contextx"
	"github.com/Keksclan/goRawrCache/event"
	"github.com/Keksclan/goRawrCache/item"
	"github.com/Keksclan/goRawrCache/memsource"
	"github.com/Keksclan/goRawrCache/remote"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(_ context.Context, e event.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func subscribe(t *testing.T, c *Cache) *recorder {
	t.Helper()
	r := &recorder{}
	if _, err := c.Subscribe(r.handle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return r
}

func TestCreate_InvalidatesQueriesAndPublishes(t *testing.T) {
	src := newSource()
	seed(src, "w1", true)
	c := newTestCache(t, src, testConfig())
	rec := subscribe(t, c)

	before, _ := c.Query(t.Context(), allQuery)
	if len(before.Records) != 1 {
		t.Fatalf("before = %+v", before)
	}

	ctx := contextx.WithActor(t.Context(), contextx.Actor{Subject: "alice"})
	created, err := c.Create(ctx, wkey(""), item.Fields{"name": "new", "active": true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Key.ID == "" {
		t.Fatal("expected remote-assigned id")
	}
	if created.Lifecycle.CreatedBy != "alice" {
		t.Fatalf("lifecycle = %+v", created.Lifecycle)
	}

	after, err := c.Query(t.Context(), allQuery)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if after.FromCache || len(after.Records) != 2 {
		t.Fatalf("after = %+v", after)
	}

	got := rec.types()
	if len(got) != 1 || got[0] != event.ItemCreated {
		t.Fatalf("events = %v", got)
	}
	e := rec.events[0]
	if e.Source != "widget" || !e.Key.Equal(created.Key) || e.Item == nil || e.Item.Fields["name"] != "new" {
		t.Fatalf("event = %+v", e)
	}

	// The created record is served from memory.
	if _, err := c.Get(t.Context(), created.Key); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := src.Calls(remote.OpRead); n != 0 {
		t.Fatalf("remote reads = %d, want 0", n)
	}
}

func TestCreate_ValidatorRejectsBeforeRemote(t *testing.T) {
	src := newSource()
	c := newTestCache(t, src, testConfig(), WithValidator(func(f item.Fields) error {
		if _, ok := f["name"]; !ok {
			return errors.New("name is required")
		}
		return nil
	}))
	rec := subscribe(t, c)

	_, err := c.Create(t.Context(), wkey("w1"), item.Fields{"active": true})
	var verr *cacheerr.ValidationError
	if !errors.As(err, &verr) || verr.Field != "fields" {
		t.Fatalf("expected fields validation error, got %v", err)
	}
	if n := src.Calls(remote.OpCreate); n != 0 {
		t.Fatalf("remote creates = %d, want 0", n)
	}
	if len(rec.types()) != 0 {
		t.Fatalf("unexpected events %v", rec.types())
	}
}

func TestCreate_DuplicateIsValidationError(t *testing.T) {
	src := newSource()
	seed(src, "w1", true)
	c := newTestCache(t, src, testConfig())
	if _, err := c.Create(t.Context(), wkey("w1"), nil); !errors.Is(err, cacheerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdate_RefreshesItemAndPublishes(t *testing.T) {
	src := newSource()
	seed(src, "w1", true)
	c := newTestCache(t, src, testConfig())
	rec := subscribe(t, c)

	_, _ = c.Get(t.Context(), wkey("w1"))
	_, _ = c.Query(t.Context(), activeQuery)

	updated, err := c.Update(t.Context(), wkey("w1"), item.Fields{"active": false})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Fields["active"] != false || updated.Fields["name"] != "w1" {
		t.Fatalf("updated = %+v", updated)
	}

	got, _ := c.Get(t.Context(), wkey("w1"))
	if got.Fields["active"] != false {
		t.Fatalf("cached record not refreshed: %+v", got)
	}
	active, _ := c.Query(t.Context(), activeQuery)
	if active.FromCache || len(active.Records) != 0 {
		t.Fatalf("active = %+v", active)
	}
	if types := rec.types(); len(types) != 1 || types[0] != event.ItemUpdated {
		t.Fatalf("events = %v", types)
	}
}

func TestUpdate_MissingIsNotFound(t *testing.T) {
	c := newTestCache(t, newSource(), testConfig())
	_, err := c.Update(t.Context(), wkey("ghost"), item.Fields{"name": "x"})
	if !errors.Is(err, cacheerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRemove_DropsItemAndPublishes(t *testing.T) {
	src := newSource()
	seed(src, "w1", true)
	c := newTestCache(t, src, testConfig())
	rec := subscribe(t, c)

	_, _ = c.Get(t.Context(), wkey("w1"))
	_, _ = c.Query(t.Context(), allQuery)

	if err := c.Remove(t.Context(), wkey("w1")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n := c.Map().CurrentSize().ItemCount; n != 0 {
		t.Fatalf("items = %d", n)
	}
	res, _ := c.Query(t.Context(), allQuery)
	if res.FromCache || len(res.Records) != 0 {
		t.Fatalf("res = %+v", res)
	}
	if types := rec.types(); len(types) != 1 || types[0] != event.ItemRemoved {
		t.Fatalf("events = %v", types)
	}
	if rec.events[0].Item != nil {
		t.Fatal("removal events carry no item")
	}
}

func TestMutations_RemoteFailureChangesNothing(t *testing.T) {
	src := newSource()
	seed(src, "w1", true)
	c := newTestCache(t, src, testConfig())
	rec := subscribe(t, c)

	_, _ = c.Get(t.Context(), wkey("w1"))
	_, _ = c.Query(t.Context(), allQuery)

	down := status.Error(codes.Unavailable, "down")
	src.Fail(remote.OpCreate, down)
	src.Fail(remote.OpUpdate, down)
	src.Fail(remote.OpRemove, down)

	if _, err := c.Create(t.Context(), wkey("w2"), nil); !errors.Is(err, cacheerr.ErrRemoteUnavailable) {
		t.Fatalf("Create: %v", err)
	}
	if _, err := c.Update(t.Context(), wkey("w1"), item.Fields{"name": "x"}); !errors.Is(err, cacheerr.ErrRemoteUnavailable) {
		t.Fatalf("Update: %v", err)
	}
	if err := c.Remove(t.Context(), wkey("w1")); !errors.Is(err, cacheerr.ErrRemoteUnavailable) {
		t.Fatalf("Remove: %v", err)
	}

	if len(rec.types()) != 0 {
		t.Fatalf("events published on failure: %v", rec.types())
	}
	res, _ := c.Query(t.Context(), allQuery)
	if !res.FromCache {
		t.Fatal("query results were invalidated by a failed write")
	}
	got, _ := c.Get(t.Context(), wkey("w1"))
	if got.Fields["name"] != "w1" {
		t.Fatalf("item changed: %+v", got)
	}
}

func TestMutations_RejectForeignType(t *testing.T) {
	c := newTestCache(t, newSource(), testConfig())
	foreign := item.NewKey("gadget", "g1")
	if _, err := c.Create(t.Context(), foreign, nil); !errors.Is(err, cacheerr.ErrValidation) {
		t.Fatalf("Create: %v", err)
	}
	if _, err := c.Update(t.Context(), foreign, nil); !errors.Is(err, cacheerr.ErrValidation) {
		t.Fatalf("Update: %v", err)
	}
	if err := c.Remove(t.Context(), foreign); !errors.Is(err, cacheerr.ErrValidation) {
		t.Fatalf("Remove: %v", err)
	}
}

// lateRead reads the record first and delivers it only once released.
type lateRead struct {
	*memsource.Source
	started chan struct{}
	release chan struct{}
}

func (l *lateRead) Read(ctx context.Context, key item.Key) (item.Record, error) {
	rec, err := l.Source.Read(ctx, key)
	close(l.started)
	<-l.release
	return rec, err
}

func TestFetchRacedByWriteIsDiscarded(t *testing.T) {
	src := newSource()
	seed(src, "w1", true)
	late := &lateRead{Source: src, started: make(chan struct{}), release: make(chan struct{})}
	c := newTestCache(t, late, testConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Get(t.Context(), wkey("w1"))
	}()
	<-late.started

	if _, err := c.Update(t.Context(), wkey("w1"), item.Fields{"name": "renamed"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	close(late.release)
	<-done

	got, err := c.Get(t.Context(), wkey("w1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Fields["name"] != "renamed" {
		t.Fatalf("stale fetch overwrote the write: %+v", got)
	}
	if n := src.Calls(remote.OpRead); n != 1 {
		t.Fatalf("remote reads = %d, want 1", n)
	}
}
