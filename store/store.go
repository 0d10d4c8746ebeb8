// Package store provides the durable layer of the cache: a key/value
// persistence contract for item entries, an in-memory and a Redis backend,
// and the [Durable] adapter that memoizes initialization and degrades to
// memory-only operation when persistence is unavailable.
package store

import (
	"context"
	"time"

	"github.com/Keksclan/goRawrCache/item"
)

// Entry is one persisted item together with the time it was last fetched
// or written, so freshness survives a restart.
type Entry struct {
	Record  item.Record
	FreshAt time.Time
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	return Entry{Record: e.Record.Clone(), FreshAt: e.FreshAt}
}

// Backend is the raw persistence contract. Keys are canonical item key
// strings (item.Key.String). Implementations must be safe for concurrent
// use.
type Backend interface {
	// Open prepares the backend. It may block on I/O.
	Open(ctx context.Context) error

	// GetAll returns every stored entry keyed by item key string.
	GetAll(ctx context.Context) (map[string]Entry, error)

	// Put stores e under key, replacing any previous value.
	Put(ctx context.Context, key string, e Entry) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Keys lists the stored keys in no particular order.
	Keys(ctx context.Context) ([]string, error)

	// Close releases the backend's resources.
	Close() error
}

// Kinder is implemented by backends that can describe themselves for
// configuration summaries.
type Kinder interface {
	Kind() string
}

// KindOf returns b's kind, or "custom" when it does not say.
func KindOf(b Backend) string {
	if k, ok := b.(Kinder); ok {
		return k.Kind()
	}
	if b == nil {
		return "none"
	}
	return "custom"
}
