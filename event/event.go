// Package event is the per-cache subscription bus. Publication is
// synchronous and in subscription order; a failing or panicking handler is
// reported to the bus's ErrorSink and never stops delivery to the others.
package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/item"
	"go.uber.org/zap"
)

// Type identifies what happened to an item.
type Type string

const (
	ItemCreated Type = "item_created"
	ItemUpdated Type = "item_updated"
	ItemRemoved Type = "item_removed"
)

// Types lists every event type in a stable order.
func Types() []Type { return []Type{ItemCreated, ItemUpdated, ItemRemoved} }

// Event describes a committed mutation. Item is nil for removals.
type Event struct {
	Type   Type
	Source string
	Key    item.Key
	Item   *item.Record
}

// Handler receives events. Returning an error does not affect the
// mutation that produced the event.
type Handler func(ctx context.Context, ev Event) error

// ErrorSink receives handler failures.
type ErrorSink func(ev Event, err error)

// Token identifies a subscription.
type Token uint64

// Bus fans events out to subscribers.
type Bus struct {
	source string
	sink   ErrorSink

	subMu sync.Mutex
	next  Token
	order []Token
	subs  map[Token]Handler

	// pubMu serializes publication so subscribers observe events in the
	// order mutations were issued. Handlers must not publish on the same
	// bus.
	pubMu sync.Mutex
}

// Option configures a Bus.
type Option func(*Bus)

// WithErrorSink overrides the default sink, which logs with the bus logger.
func WithErrorSink(s ErrorSink) Option {
	return func(b *Bus) {
		if s != nil {
			b.sink = s
		}
	}
}

// WithLogger sets the logger used by the default sink.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.sink = LogSink(l)
		}
	}
}

// LogSink returns an ErrorSink that logs each failure as a warning.
func LogSink(l *zap.Logger) ErrorSink {
	return func(ev Event, err error) {
		l.Warn("event handler failed",
			zap.String("source", ev.Source),
			zap.String("event", string(ev.Type)),
			zap.Stringer("key", ev.Key),
			zap.Error(err),
		)
	}
}

// NewBus creates a bus for events originating from source.
func NewBus(source string, opts ...Option) *Bus {
	b := &Bus{
		source: source,
		sink:   LogSink(zap.NewNop()),
		subs:   make(map[Token]Handler),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Source returns the entity type the bus publishes for.
func (b *Bus) Source() string { return b.source }

// Subscribe registers h and returns a token for Unsubscribe.
func (b *Bus) Subscribe(h Handler) (Token, error) {
	if h == nil {
		return 0, cacheerr.Invalid("handler", "must not be nil")
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.next++
	tok := b.next
	b.subs[tok] = h
	b.order = append(b.order, tok)
	return tok, nil
}

// Unsubscribe removes the subscription. It reports whether tok was active.
func (b *Bus) Unsubscribe(tok Token) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subs[tok]; !ok {
		return false
	}
	delete(b.subs, tok)
	for i, t := range b.order {
		if t == tok {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.order)
}

// Publish delivers ev to every subscriber, in subscription order, before
// returning. An empty Source is filled in with the bus's source.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Source == "" {
		ev.Source = b.source
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.subMu.Lock()
	handlers := make([]Handler, 0, len(b.order))
	for _, tok := range b.order {
		handlers = append(handlers, b.subs[tok])
	}
	b.subMu.Unlock()

	for _, h := range handlers {
		if err := deliver(ctx, h, ev); err != nil {
			b.sink(ev, err)
		}
	}
}

func deliver(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event: handler panicked: %v", r)
		}
	}()
	return h(ctx, ev)
}
