// Package remote defines the contract the cache consumes from the
// authoritative item store, and composable middlewares that add deadlines,
// retries, rate limiting and circuit breaking around it. The transport
// itself lives outside this module.
package remote

import (
	"context"

	"github.com/Keksclan/goRawrCache/item"
	"github.com/Keksclan/goRawrCache/query"
)

// Op names used in errors, logs and Guard calls.
const (
	OpRead   = "read"
	OpCreate = "create"
	OpUpdate = "update"
	OpRemove = "remove"
	OpQuery  = "query"
)

// Source is the remote item store for one entity type.
type Source interface {
	Read(ctx context.Context, key item.Key) (item.Record, error)

	// Create stores a new item. An empty key ID asks the source to assign
	// one; the returned record carries the final key.
	Create(ctx context.Context, key item.Key, fields item.Fields) (item.Record, error)

	// Update applies patch and returns the complete resulting record.
	Update(ctx context.Context, key item.Key, patch item.Fields) (item.Record, error)

	Remove(ctx context.Context, key item.Key) error

	// Query returns every record matching d. The source dispatches on the
	// concrete kind.
	Query(ctx context.Context, d query.Descriptor) ([]item.Record, error)
}

// Middleware decorates a Source.
type Middleware func(Source) Source

// Chain wraps src with mw so that Chain(s, A, B) is A(B(s)): the first
// middleware is the outermost.
func Chain(src Source, mw ...Middleware) Source {
	for i := len(mw) - 1; i >= 0; i-- {
		src = mw[i](src)
	}
	return src
}

// Guard runs one remote call. op is one of the Op constants and call
// performs the call with the context it is given.
type Guard func(ctx context.Context, op string, call func(context.Context) error) error

// Guarded returns a Source that routes every method of src through g.
func Guarded(src Source, g Guard) Source {
	return &guarded{next: src, guard: g}
}

type guarded struct {
	next  Source
	guard Guard
}

func (s *guarded) Read(ctx context.Context, key item.Key) (item.Record, error) {
	var rec item.Record
	err := s.guard(ctx, OpRead, func(ctx context.Context) error {
		var err error
		rec, err = s.next.Read(ctx, key)
		return err
	})
	return rec, err
}

func (s *guarded) Create(ctx context.Context, key item.Key, fields item.Fields) (item.Record, error) {
	var rec item.Record
	err := s.guard(ctx, OpCreate, func(ctx context.Context) error {
		var err error
		rec, err = s.next.Create(ctx, key, fields)
		return err
	})
	return rec, err
}

func (s *guarded) Update(ctx context.Context, key item.Key, patch item.Fields) (item.Record, error) {
	var rec item.Record
	err := s.guard(ctx, OpUpdate, func(ctx context.Context) error {
		var err error
		rec, err = s.next.Update(ctx, key, patch)
		return err
	})
	return rec, err
}

func (s *guarded) Remove(ctx context.Context, key item.Key) error {
	return s.guard(ctx, OpRemove, func(ctx context.Context) error {
		return s.next.Remove(ctx, key)
	})
}

func (s *guarded) Query(ctx context.Context, d query.Descriptor) ([]item.Record, error) {
	var recs []item.Record
	err := s.guard(ctx, OpQuery, func(ctx context.Context) error {
		var err error
		recs, err = s.next.Query(ctx, d)
		return err
	})
	return recs, err
}
