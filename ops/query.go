package ops

import (
	"context"
	"errors"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/item"
	"github.com/Keksclan/goRawrCache/query"
	"github.com/Keksclan/goRawrCache/remote"
	"github.com/Keksclan/goRawrCache/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Result is the answer to a Query.
type Result struct {
	Records      []item.Record
	Completeness query.Completeness
	FromCache    bool
}

// Query returns the records matching d. A cached result is served while its
// TTL class holds and every referenced item is still cached; stale members
// are refetched one by one. Otherwise the remote is queried once for all
// concurrent callers with the same signature.
func (c *Cache) Query(ctx context.Context, d query.Descriptor) (Result, error) {
	ctx, span := tracing.Start(ctx, c.tracer, "cache.query", c.typ)
	defer span.End()

	res, err := c.query(ctx, d)
	span.SetAttributes(
		tracing.AttrHit.Bool(res.FromCache),
		tracing.AttrCompleteness.String(res.Completeness.String()),
	)
	tracing.Finish(span, err)
	return res, err
}

func (c *Cache) query(ctx context.Context, d query.Descriptor) (Result, error) {
	if d.Kind == nil {
		return Result{}, cacheerr.Invalid("query", "nil kind")
	}
	sig, err := query.Normalize(d)
	if err != nil {
		return Result{}, err
	}
	completeness := query.Classify(d)
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(tracing.AttrSignature.String(string(sig)))

	if keys, ok := c.m.QueryIn(sig); ok {
		recs, ok, err := c.hydrate(ctx, keys)
		if err != nil {
			return Result{}, err
		}
		if ok {
			c.logger.Debug("query hit", zap.String("signature", string(sig)), zap.Int("items", len(recs)))
			return Result{Records: recs, Completeness: completeness, FromCache: true}, nil
		}
		// A member vanished upstream; the cached key list is no longer true.
		c.m.DropQueryResult(sig)
	}

	c.logger.Debug("query miss", zap.String("signature", string(sig)))
	recs, err, shared := c.queries.do(ctx, string(sig), func() ([]item.Record, error) {
		epoch := c.currentEpoch()
		recs, err := c.src.Query(ctx, d)
		if err != nil {
			return nil, remote.Classify(remote.OpQuery, err)
		}
		keys := make([]item.Key, 0, len(recs))
		for _, r := range recs {
			if err := c.checkKey(r.Key); err != nil {
				return nil, &cacheerr.RemoteUnavailableError{Op: remote.OpQuery, Err: err}
			}
			keys = append(keys, r.Key)
		}

		// Members must not evict each other before the result is recorded.
		for _, k := range keys {
			unpin := c.m.Pin(k)
			defer unpin()
		}
		err = c.storeIfCurrent(epoch, func() error {
			for _, r := range recs {
				if err := c.m.Set(r.Key, r); err != nil {
					return err
				}
			}
			c.m.SetQueryResult(sig, keys, completeness)
			return nil
		})
		return recs, err
	})
	span.SetAttributes(tracing.AttrShared.Bool(shared))
	if err != nil {
		return Result{}, abandoned(remote.OpQuery, err, shared)
	}

	out := make([]item.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return Result{Records: out, Completeness: completeness}, nil
}

// hydrate resolves cached keys to records. Stale members are refetched
// individually. ok is false when a member turned out to be gone upstream.
func (c *Cache) hydrate(ctx context.Context, keys []item.Key) (recs []item.Record, ok bool, err error) {
	recs = make([]item.Record, 0, len(keys))
	for _, k := range keys {
		if rec, hit := c.m.Get(k); hit {
			recs = append(recs, rec)
			continue
		}
		rec, err := c.fetch(ctx, k)
		if errors.Is(err, cacheerr.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		recs = append(recs, rec)
	}
	return recs, true, nil
}
