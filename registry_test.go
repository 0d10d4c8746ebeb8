package gorawrcache

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/coordinator"
	"github.com/Keksclan/goRawrCache/item"
	"github.com/Keksclan/goRawrCache/memsource"
	"github.com/Keksclan/goRawrCache/ops"
	"github.com/Keksclan/goRawrCache/query"
	"github.com/Keksclan/goRawrCache/remote"
	"github.com/Keksclan/goRawrCache/widget"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type widgetApp struct {
	reg        *Registry
	typeSrc    *memsource.Source
	widgetSrc  *memsource.Source
	compSrc    *memsource.Source
	types      *ops.Cache
	widgets    *ops.Cache
	components *ops.Cache
}

func newWidgetApp(t *testing.T, opts ...Option) *widgetApp {
	t.Helper()
	app := &widgetApp{
		reg:       New(append([]Option{WithRules(widget.Rules())}, opts...)...),
		typeSrc:   memsource.New(widget.TypeWidgetType, memsource.WithMatcher(widget.Match)),
		widgetSrc: memsource.New(widget.TypeWidget, memsource.WithMatcher(widget.Match)),
	}
	app.compSrc = memsource.New(widget.TypeWidgetComponent,
		memsource.WithMatcher(widget.Match),
		memsource.WithParentLookup(func(_ context.Context, parent item.Key) (bool, error) {
			return app.widgetSrc.Exists(parent), nil
		}),
	)

	cfg := ops.DefaultConfig()
	var err error
	if app.types, err = app.reg.NewCache(widget.TypeWidgetType, app.typeSrc, cfg); err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if app.widgets, err = app.reg.NewCache(widget.TypeWidget, app.widgetSrc, cfg); err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if app.components, err = app.reg.NewCache(widget.TypeWidgetComponent, app.compSrc, cfg); err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(func() { _ = app.reg.Close() })
	if err := app.reg.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return app
}

func TestScenarioCreateQueryRemove(t *testing.T) {
	app := newWidgetApp(t)
	ctx := t.Context()

	button, err := app.types.Create(ctx, widget.WidgetTypeKey(""), item.Fields{
		widget.FieldName:   "BUTTON",
		widget.FieldActive: true,
	})
	if err != nil {
		t.Fatalf("create type: %v", err)
	}
	submit, err := app.widgets.Create(ctx, widget.WidgetKey(""), item.Fields{
		widget.FieldName:   "Submit",
		widget.FieldActive: true,
		widget.FieldTypeID: button.Key.ID,
	})
	if err != nil {
		t.Fatalf("create widget: %v", err)
	}

	all, err := app.widgets.Query(ctx, query.Of(query.All{}))
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all.Records) != 1 || all.Completeness != query.Complete {
		t.Fatalf("all = %+v", all)
	}

	active, err := app.widgets.Query(ctx, query.Of(widget.Active{}))
	if err != nil {
		t.Fatalf("query active: %v", err)
	}
	if len(active.Records) != 1 || active.Completeness != query.Partial {
		t.Fatalf("active = %+v", active)
	}
	if st := app.widgets.Map().TwoLayerStats(); st.QueryMetadata.Complete != 1 || st.QueryMetadata.Partial != 1 {
		t.Fatalf("expected distinct entries, got %+v", st)
	}

	if err := app.widgets.Remove(ctx, submit.Key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	before := app.widgetSrc.Calls(remote.OpQuery)
	after, err := app.widgets.Query(ctx, query.Of(query.All{}))
	if err != nil {
		t.Fatalf("query after remove: %v", err)
	}
	if after.FromCache || len(after.Records) != 0 {
		t.Fatalf("after = %+v", after)
	}
	if app.widgetSrc.Calls(remote.OpQuery) != before+1 {
		t.Fatal("expected the query to reach the remote")
	}
}

func TestRemovingWidgetInvalidatesItsComponents(t *testing.T) {
	app := newWidgetApp(t)
	ctx := t.Context()

	w, err := app.widgets.Create(ctx, widget.WidgetKey("w1"), item.Fields{widget.FieldName: "Submit"})
	if err != nil {
		t.Fatalf("create widget: %v", err)
	}
	if _, err := app.components.Create(ctx, widget.ComponentKey("w1", "c1"), item.Fields{widget.FieldName: "Knob"}); err != nil {
		t.Fatalf("create component: %v", err)
	}

	scoped := query.Of(query.All{}, widget.InWidget("w1"))
	first, err := app.components.Query(ctx, scoped)
	if err != nil || len(first.Records) != 1 {
		t.Fatalf("first = %+v, %v", first, err)
	}
	if first.Completeness != query.Partial {
		t.Fatalf("scoped query should be partial, got %v", first.Completeness)
	}
	if cached, _ := app.components.Query(ctx, scoped); !cached.FromCache {
		t.Fatal("expected cached component query")
	}

	if err := app.widgets.Remove(ctx, w.Key); err != nil {
		t.Fatalf("remove widget: %v", err)
	}
	next, err := app.components.Query(ctx, scoped)
	if err != nil {
		t.Fatalf("query after remove: %v", err)
	}
	if next.FromCache {
		t.Fatal("component query under a removed widget must miss")
	}
}

func TestRemovingWidgetDropsCachedComponents(t *testing.T) {
	app := newWidgetApp(t)
	ctx := t.Context()

	w, err := app.widgets.Create(ctx, widget.WidgetKey("w1"), item.Fields{widget.FieldName: "Submit"})
	if err != nil {
		t.Fatalf("create widget: %v", err)
	}
	if _, err := app.widgets.Create(ctx, widget.WidgetKey("w2"), item.Fields{widget.FieldName: "Cancel"}); err != nil {
		t.Fatalf("create widget: %v", err)
	}
	child := widget.ComponentKey("w1", "c1")
	sibling := widget.ComponentKey("w2", "c2")
	for _, k := range []item.Key{child, sibling} {
		if _, err := app.components.Create(ctx, k, item.Fields{widget.FieldName: "Knob"}); err != nil {
			t.Fatalf("create component %s: %v", k, err)
		}
	}

	reads := app.compSrc.Calls(remote.OpRead)
	if _, err := app.components.Get(ctx, child); err != nil {
		t.Fatalf("get child: %v", err)
	}
	if app.compSrc.Calls(remote.OpRead) != reads {
		t.Fatal("freshly created component should be served from cache")
	}

	if err := app.widgets.Remove(ctx, w.Key); err != nil {
		t.Fatalf("remove widget: %v", err)
	}
	if app.components.Stats().Items != 1 {
		t.Fatalf("expected only the sibling to stay cached, got %+v", app.components.Stats())
	}

	if _, err := app.components.Get(ctx, child); err != nil {
		t.Fatalf("get child after remove: %v", err)
	}
	if app.compSrc.Calls(remote.OpRead) != reads+1 {
		t.Fatal("orphaned component was served from cache")
	}
	if _, err := app.components.Get(ctx, sibling); err != nil {
		t.Fatalf("get sibling: %v", err)
	}
	if app.compSrc.Calls(remote.OpRead) != reads+1 {
		t.Fatal("component under another widget was dropped")
	}
}

func TestComponentRequiresParent(t *testing.T) {
	app := newWidgetApp(t)
	_, err := app.components.Create(t.Context(), widget.ComponentKey("ghost", "c1"), nil)
	if !errors.Is(err, cacheerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWidgetTypeUpdateInvalidatesWidgetQueries(t *testing.T) {
	app := newWidgetApp(t)
	ctx := t.Context()

	typ, _ := app.types.Create(ctx, widget.WidgetTypeKey("t1"), item.Fields{widget.FieldName: "BUTTON"})
	_, _ = app.widgets.Create(ctx, widget.WidgetKey("w1"), item.Fields{widget.FieldTypeID: "t1"})

	ofType := query.Of(widget.OfType{TypeID: "t1"})
	_, _ = app.widgets.Query(ctx, ofType)
	if r, _ := app.widgets.Query(ctx, ofType); !r.FromCache {
		t.Fatal("expected cached result")
	}

	if _, err := app.types.Update(ctx, typ.Key, item.Fields{widget.FieldName: "LINK"}); err != nil {
		t.Fatalf("update type: %v", err)
	}
	if r, _ := app.widgets.Query(ctx, ofType); r.FromCache {
		t.Fatal("widget query should be invalidated by a type update")
	}

	// Creating a type is an explicit no-op for widgets.
	_, _ = app.widgets.Query(ctx, ofType)
	_, _ = app.types.Create(ctx, widget.WidgetTypeKey("t2"), nil)
	if r, _ := app.widgets.Query(ctx, ofType); !r.FromCache {
		t.Fatal("creating a type must not invalidate widget queries")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := New()
	if _, err := reg.NewCache("widget", memsource.New("widget"), ops.DefaultConfig()); err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	_, err := reg.NewCache("widget", memsource.New("widget"), ops.DefaultConfig())
	if !errors.Is(err, cacheerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := reg.Types(); len(got) != 1 || got[0] != "widget" {
		t.Fatalf("Types = %v", got)
	}
	if _, ok := reg.Cache("widget"); !ok {
		t.Fatal("Cache(widget) not found")
	}
}

func TestOpenRejectsIncompleteRules(t *testing.T) {
	rules := coordinator.MustTable(coordinator.On(widget.TypeWidget).AnyEvent().Nothing())
	reg := New(WithRules(rules))
	t.Cleanup(func() { _ = reg.Close() })
	for _, typ := range []string{widget.TypeWidget, widget.TypeWidgetType} {
		if _, err := reg.NewCache(typ, memsource.New(typ), ops.DefaultConfig()); err != nil {
			t.Fatalf("NewCache: %v", err)
		}
	}
	if err := reg.Open(t.Context()); err == nil {
		t.Fatal("expected Open to fail for a non-total rule table")
	}
}

func TestRegisterAfterOpen(t *testing.T) {
	reg := New()
	t.Cleanup(func() { _ = reg.Close() })
	if err := reg.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err := reg.NewCache("widget", memsource.New("widget"), ops.DefaultConfig())
	if !errors.Is(err, cacheerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOpenLogsDegradedStore(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	reg := New(WithLogger(zap.New(core)))
	t.Cleanup(func() { _ = reg.Close() })

	cfg := ops.DefaultConfig()
	cfg.OpenTimeout = 50 * time.Millisecond
	fc := FileConfig{Defaults: cfg, Redis: &storeRedisUnreachable}
	c, err := reg.NewCache("widget", memsource.New("widget"), fc.For("widget"), ops.WithStore(fc.Backend("widget")))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if err := reg.Open(t.Context()); err != nil {
		t.Fatalf("Open should not fail on storage degradation: %v", err)
	}
	if !c.Info().Degraded {
		t.Fatal("expected degraded cache")
	}
	if logs.FilterMessage("cache running without durable store").Len() != 1 {
		t.Fatalf("logs = %v", logs.All())
	}
}

func TestMetricsHandler(t *testing.T) {
	pr := prometheus.NewRegistry()
	reg := New(WithRegisterer(pr))
	t.Cleanup(func() { _ = reg.Close() })

	src := memsource.New("widget")
	src.Seed(item.Record{Key: item.NewKey("widget", "w1")})
	c, err := reg.NewCache("widget", src, ops.DefaultConfig())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if err := reg.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, _ = c.Get(t.Context(), item.NewKey("widget", "w1"))
	_, _ = c.Get(t.Context(), item.NewKey("widget", "w1"))

	srv := httptest.NewServer(reg.MetricsHandler())
	t.Cleanup(srv.Close)
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `gorawrcache_hits_total{cache="widget"} 1`) {
		t.Fatalf("metrics output lacks hit counter:\n%s", body)
	}
}

func TestRegistryReset(t *testing.T) {
	app := newWidgetApp(t)
	_, _ = app.widgets.Create(t.Context(), widget.WidgetKey("w1"), nil)
	for range 2 {
		if err := app.reg.Reset(t.Context()); err != nil {
			t.Fatalf("Reset: %v", err)
		}
	}
	if n := app.widgets.Map().CurrentSize().ItemCount; n != 0 {
		t.Fatalf("items = %d", n)
	}
}
