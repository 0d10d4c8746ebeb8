package ops

import (
	"context"
	"errors"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/event"
	"github.com/Keksclan/goRawrCache/item"
	"github.com/Keksclan/goRawrCache/remote"
	"github.com/Keksclan/goRawrCache/tracing"
	"go.uber.org/zap"
)

// Create stores a new item remotely, caches it and publishes item_created.
// An empty key ID lets the remote assign one. Nothing is cached when the
// validator or the remote rejects the write.
func (c *Cache) Create(ctx context.Context, key item.Key, fields item.Fields) (item.Record, error) {
	ctx, span := tracing.Start(ctx, c.tracer, "cache.create", c.typ)
	defer span.End()

	rec, err := c.create(ctx, key, fields)
	tracing.Finish(span, err)
	return rec, err
}

func (c *Cache) create(ctx context.Context, key item.Key, fields item.Fields) (item.Record, error) {
	if key.Type != c.typ {
		return item.Record{}, cacheerr.Invalid("key", "type "+key.Type+" does not belong to cache "+c.typ)
	}
	for _, l := range key.Locations {
		if l.Type == "" || l.ID == "" {
			return item.Record{}, cacheerr.Invalid("key", "empty location segment")
		}
	}
	if err := c.runValidator(fields); err != nil {
		return item.Record{}, err
	}

	rec, err := c.src.Create(ctx, key, fields.Clone())
	if err != nil {
		return item.Record{}, c.classify(remote.OpCreate, key, err)
	}
	if err := c.checkKey(rec.Key); err != nil {
		return item.Record{}, &cacheerr.RemoteUnavailableError{Op: remote.OpCreate, Err: err}
	}

	c.commit(ctx, event.ItemCreated, rec)
	return rec.Clone(), nil
}

// Update applies patch remotely, caches the full resulting record and
// publishes item_updated.
func (c *Cache) Update(ctx context.Context, key item.Key, patch item.Fields) (item.Record, error) {
	ctx, span := tracing.Start(ctx, c.tracer, "cache.update", c.typ, tracing.AttrKey.String(key.String()))
	defer span.End()

	rec, err := c.update(ctx, key, patch)
	tracing.Finish(span, err)
	return rec, err
}

func (c *Cache) update(ctx context.Context, key item.Key, patch item.Fields) (item.Record, error) {
	if err := c.checkKey(key); err != nil {
		return item.Record{}, err
	}
	if err := c.runValidator(patch); err != nil {
		return item.Record{}, err
	}

	rec, err := c.src.Update(ctx, key, patch.Clone())
	if err != nil {
		return item.Record{}, c.classify(remote.OpUpdate, key, err)
	}
	rec.Key = key

	c.commit(ctx, event.ItemUpdated, rec)
	return rec.Clone(), nil
}

// Remove deletes the item remotely, drops it from the cache and publishes
// item_removed.
func (c *Cache) Remove(ctx context.Context, key item.Key) error {
	ctx, span := tracing.Start(ctx, c.tracer, "cache.remove", c.typ, tracing.AttrKey.String(key.String()))
	defer span.End()

	err := c.remove(ctx, key)
	tracing.Finish(span, err)
	return err
}

func (c *Cache) remove(ctx context.Context, key item.Key) error {
	if err := c.checkKey(key); err != nil {
		return err
	}
	if err := c.src.Remove(ctx, key); err != nil {
		return c.classify(remote.OpRemove, key, err)
	}

	c.mut.Lock()
	defer c.mut.Unlock()
	c.invalidate(func() {
		c.m.Delete(key)
	})
	c.bus.Publish(ctx, event.Event{Type: event.ItemRemoved, Source: c.typ, Key: key})
	return nil
}

// commit caches rec, invalidates every query result and publishes. The
// whole sequence is serialized so subscribers see writes in issue order.
func (c *Cache) commit(ctx context.Context, typ event.Type, rec item.Record) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.invalidate(func() {
		if err := c.m.Set(rec.Key, rec); err != nil {
			// The key was checked before the remote call.
			c.logger.Error("caching committed record failed", zap.Stringer("key", rec.Key), zap.Error(err))
		}
	})

	published := rec.Clone()
	c.bus.Publish(ctx, event.Event{Type: typ, Source: c.typ, Key: rec.Key, Item: &published})
}

// invalidate applies a write to memory and drops every query result, as
// one step with respect to in-flight fetches.
func (c *Cache) invalidate(apply func()) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	c.epoch++
	apply()
	c.m.ClearQueryResults()
}

func (c *Cache) runValidator(f item.Fields) error {
	if c.validator == nil {
		return nil
	}
	err := c.validator(f.Clone())
	if err == nil {
		return nil
	}
	if errors.Is(err, cacheerr.ErrValidation) {
		return err
	}
	return &cacheerr.ValidationError{Field: "fields", Err: err}
}
