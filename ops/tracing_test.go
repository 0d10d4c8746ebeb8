package ops

import (
	"testing"

	"github.com/Keksclan/goRawrCache/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spanAttr(s sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })

	src := newSource()
	seed(src, "w1", true)
	c := newTestCache(t, src, testConfig(), WithTracerProvider(tp))

	_, _ = c.Get(t.Context(), wkey("w1"))
	_, _ = c.Get(t.Context(), wkey("w1"))
	_, _ = c.Get(t.Context(), wkey("missing"))
	_, _ = c.Query(t.Context(), allQuery)

	byName := map[string][]sdktrace.ReadOnlySpan{}
	for _, s := range sr.Ended() {
		byName[s.Name()] = append(byName[s.Name()], s)
	}

	gets := byName["cache.get"]
	if len(gets) != 3 {
		t.Fatalf("got %d get spans", len(gets))
	}
	if v, _ := spanAttr(gets[0], tracing.AttrHit); v.AsBool() {
		t.Fatal("first get should be a miss")
	}
	if v, _ := spanAttr(gets[1], tracing.AttrHit); !v.AsBool() {
		t.Fatal("second get should be a hit")
	}
	if v, _ := spanAttr(gets[0], tracing.AttrType); v.AsString() != "widget" {
		t.Fatalf("type attribute = %q", v.AsString())
	}
	if gets[1].Status().Code != codes.Ok {
		t.Fatalf("status = %v", gets[1].Status())
	}
	if v, ok := spanAttr(gets[2], tracing.AttrErrorKind); !ok || v.AsString() != "not_found" {
		t.Fatalf("error kind = %v", v.AsString())
	}
	if gets[2].Status().Code == codes.Error {
		t.Fatal("not found must not mark the span as failed")
	}

	queries := byName["cache.query"]
	if len(queries) != 1 {
		t.Fatalf("got %d query spans", len(queries))
	}
	if v, _ := spanAttr(queries[0], tracing.AttrCompleteness); v.AsString() != "complete" {
		t.Fatalf("completeness = %q", v.AsString())
	}
	if _, ok := spanAttr(queries[0], tracing.AttrSignature); !ok {
		t.Fatal("query span lacks signature")
	}
}
