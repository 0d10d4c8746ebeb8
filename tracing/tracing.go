// Package tracing provides the OpenTelemetry spans opened around cache
// operations. Spans go to the global provider unless one is configured.
package tracing

import (
	"context"
	"errors"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/Keksclan/goRawrCache"

// Span attribute keys.
const (
	AttrType         = attribute.Key("cache.type")
	AttrKey          = attribute.Key("cache.key")
	AttrHit          = attribute.Key("cache.hit")
	AttrStale        = attribute.Key("cache.stale")
	AttrSignature    = attribute.Key("cache.signature")
	AttrCompleteness = attribute.Key("cache.completeness")
	AttrShared       = attribute.Key("cache.shared")
	AttrErrorKind    = attribute.Key("cache.error.kind")
)

// Tracer returns the cache tracer from tp, or from the global provider when
// tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentation)
}

// Start opens an internal span named name for an operation on entityType.
func Start(ctx context.Context, tr trace.Tracer, name, entityType string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tr.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(AttrType.String(entityType))
	span.SetAttributes(attrs...)
	return ctx, span
}

// Finish records err on span. A NotFound is an answer, not a failure, so it
// is tagged but leaves the status unset.
func Finish(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	kind := ErrorKind(err)
	span.SetAttributes(AttrErrorKind.String(kind))
	if kind == "not_found" {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// ErrorKind names err's taxonomy class.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, cacheerr.ErrNotFound):
		return "not_found"
	case errors.Is(err, cacheerr.ErrValidation):
		return "validation"
	case errors.Is(err, cacheerr.ErrRemoteUnavailable):
		return "remote_unavailable"
	case errors.Is(err, cacheerr.ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "internal"
	}
}
