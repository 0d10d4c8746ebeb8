package coordinator

import (
	"context"
	"sync"

	"github.com/Keksclan/goRawrCache/event"
	"github.com/Keksclan/goRawrCache/item"
	"go.uber.org/zap"
)

// Target is a cache the coordinator listens to and invalidates.
type Target interface {
	Type() string
	Subscribe(h event.Handler) (event.Token, error)
	Unsubscribe(tok event.Token) bool
	ClearQueryResults()
	// DropUnder removes the items located under parent and returns how
	// many were dropped.
	DropUnder(parent item.Key) int
}

type subscription struct {
	target Target
	token  event.Token
}

// Coordinator applies a Table to the events of its bound targets.
type Coordinator struct {
	table  *Table
	logger *zap.Logger

	mu      sync.Mutex
	targets map[string]Target
	subs    []subscription
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Coordinator for table.
func New(table *Table, opts ...Option) *Coordinator {
	c := &Coordinator{
		table:   table,
		logger:  zap.NewNop(),
		targets: make(map[string]Target),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Bind subscribes to every target and makes them available as rule
// targets. It returns the tokens of the new subscriptions.
func (c *Coordinator) Bind(targets ...Target) ([]event.Token, error) {
	c.mu.Lock()
	for _, t := range targets {
		c.targets[t.Type()] = t
	}
	c.mu.Unlock()

	tokens := make([]event.Token, 0, len(targets))
	for _, t := range targets {
		tok, err := t.Subscribe(c.handle)
		if err != nil {
			return tokens, err
		}
		c.mu.Lock()
		c.subs = append(c.subs, subscription{target: t, token: tok})
		c.mu.Unlock()
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

func (c *Coordinator) handle(_ context.Context, ev event.Event) error {
	targets, ok := c.table.Lookup(ev.Source, ev.Type)
	if !ok {
		c.logger.Warn("no invalidation rule for event",
			zap.String("source", ev.Source),
			zap.String("event", string(ev.Type)),
		)
		return nil
	}
	cascade := c.table.Cascades(ev.Source, ev.Type)
	for _, name := range targets {
		c.mu.Lock()
		t, bound := c.targets[name]
		c.mu.Unlock()
		if !bound {
			c.logger.Warn("invalidation target not bound",
				zap.String("source", ev.Source),
				zap.String("target", name),
			)
			continue
		}
		t.ClearQueryResults()
		if cascade {
			n := t.DropUnder(ev.Key)
			c.logger.Debug("dropped orphaned items",
				zap.String("target", name),
				zap.Stringer("parent", ev.Key),
				zap.Int("count", n),
			)
		}
		c.logger.Debug("cleared query results",
			zap.String("source", ev.Source),
			zap.String("event", string(ev.Type)),
			zap.String("target", name),
		)
	}
	return nil
}

// Close removes every subscription made by Bind.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	clear(c.targets)
	c.mu.Unlock()

	for _, s := range subs {
		s.target.Unsubscribe(s.token)
	}
	return nil
}
