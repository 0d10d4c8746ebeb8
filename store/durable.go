package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"go.uber.org/zap"
)

// DefaultOpenTimeout bounds how long Open may block before the adapter
// gives up and runs memory-only.
const DefaultOpenTimeout = 10 * time.Second

// DefaultOpTimeout bounds each individual storage operation.
const DefaultOpTimeout = 5 * time.Second

type state int

const (
	stateClosed state = iota
	stateOpen
	stateDegraded
)

// openCall is the single in-flight Open shared by concurrent callers.
type openCall struct {
	done chan struct{}
	err  error
}

// Durable adapts a Backend to the cache's needs:
//
//   - Open is idempotent and concurrent callers share one in-flight open.
//   - Open never blocks longer than the open timeout; on failure the adapter
//     is degraded and every operation becomes a no-op returning
//     ErrStorageUnavailable.
//   - Operations issued while Open is in flight wait for it to settle.
//   - Every failure is returned as a *cacheerr.StorageUnavailableError and
//     logged once per occurrence: repeated failures of the same operation
//     are logged again only after that operation has succeeded.
//
// All methods are safe for concurrent use.
type Durable struct {
	backend     Backend
	logger      *zap.Logger
	openTimeout time.Duration
	opTimeout   time.Duration

	mu      sync.Mutex
	state   state
	opening *openCall
	openErr error
	failing map[string]bool
}

// DurableOption configures a Durable.
type DurableOption func(*Durable)

// WithLogger sets the logger used for degradation warnings.
func WithLogger(l *zap.Logger) DurableOption {
	return func(d *Durable) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithOpenTimeout overrides DefaultOpenTimeout.
func WithOpenTimeout(t time.Duration) DurableOption {
	return func(d *Durable) {
		if t > 0 {
			d.openTimeout = t
		}
	}
}

// WithOpTimeout overrides DefaultOpTimeout.
func WithOpTimeout(t time.Duration) DurableOption {
	return func(d *Durable) {
		if t > 0 {
			d.opTimeout = t
		}
	}
}

// NewDurable wraps b. A nil backend yields an in-memory one.
func NewDurable(b Backend, opts ...DurableOption) *Durable {
	if b == nil {
		b = NewMemory()
	}
	d := &Durable{
		backend:     b,
		logger:      zap.NewNop(),
		openTimeout: DefaultOpenTimeout,
		opTimeout:   DefaultOpTimeout,
		failing:     make(map[string]bool),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Kind returns the backend kind.
func (d *Durable) Kind() string { return KindOf(d.backend) }

// Open initializes the backend once. Concurrent and repeated calls share the
// first call's outcome. If ctx ends first the caller stops waiting but the
// shared open keeps running under its own timeout.
func (d *Durable) Open(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case stateOpen:
		d.mu.Unlock()
		return nil
	case stateDegraded:
		err := d.openErr
		d.mu.Unlock()
		return err
	}
	c := d.opening
	if c == nil {
		c = &openCall{done: make(chan struct{})}
		d.opening = c
		go d.runOpen(c)
	}
	d.mu.Unlock()

	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return &cacheerr.StorageUnavailableError{Op: "open", Err: ctx.Err()}
	}
}

func (d *Durable) runOpen(c *openCall) {
	ctx, cancel := context.WithTimeout(context.Background(), d.openTimeout)
	defer cancel()

	res := make(chan error, 1)
	go func() { res <- d.backend.Open(ctx) }()

	var err error
	select {
	case err = <-res:
	case <-ctx.Done():
		// The backend ignored its context; stop waiting for it.
		err = ctx.Err()
	}

	d.mu.Lock()
	if err != nil {
		c.err = &cacheerr.StorageUnavailableError{Op: "open", Err: err}
		d.state = stateDegraded
		d.openErr = c.err
		d.logger.Warn("durable store unavailable, continuing memory-only",
			zap.String("backend", KindOf(d.backend)),
			zap.Duration("timeout", d.openTimeout),
			zap.Error(err),
		)
	} else {
		d.state = stateOpen
	}
	d.opening = nil
	d.mu.Unlock()
	close(c.done)
}

// Reopen clears a degraded state so the next Open tries again.
func (d *Durable) Reopen() {
	d.mu.Lock()
	if d.state == stateDegraded {
		d.state = stateClosed
		d.openErr = nil
	}
	d.mu.Unlock()
}

// Degraded reports whether the adapter is running memory-only.
func (d *Durable) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateDegraded
}

// Ready reports whether Open completed successfully.
func (d *Durable) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateOpen
}

// GetAll returns every persisted entry.
func (d *Durable) GetAll(ctx context.Context) (map[string]Entry, error) {
	var out map[string]Entry
	err := d.do(ctx, "get_all", func(ctx context.Context) error {
		var err error
		out, err = d.backend.GetAll(ctx)
		return err
	})
	return out, err
}

// Put persists e under key.
func (d *Durable) Put(ctx context.Context, key string, e Entry) error {
	return d.do(ctx, "put", func(ctx context.Context) error {
		return d.backend.Put(ctx, key, e)
	})
}

// Delete removes key.
func (d *Durable) Delete(ctx context.Context, key string) error {
	return d.do(ctx, "delete", func(ctx context.Context) error {
		return d.backend.Delete(ctx, key)
	})
}

// Clear removes every entry.
func (d *Durable) Clear(ctx context.Context) error {
	return d.do(ctx, "clear", func(ctx context.Context) error {
		return d.backend.Clear(ctx)
	})
}

// Keys lists persisted keys.
func (d *Durable) Keys(ctx context.Context) ([]string, error) {
	var out []string
	err := d.do(ctx, "keys", func(ctx context.Context) error {
		var err error
		out, err = d.backend.Keys(ctx)
		return err
	})
	return out, err
}

// Close closes the backend.
func (d *Durable) Close() error {
	d.mu.Lock()
	d.state = stateClosed
	d.mu.Unlock()
	return d.backend.Close()
}

func (d *Durable) do(ctx context.Context, op string, fn func(context.Context) error) error {
	d.mu.Lock()
	st, opening := d.state, d.opening
	d.mu.Unlock()
	if opening != nil {
		// Operations issued during Open run once it settles.
		select {
		case <-opening.done:
		case <-ctx.Done():
			return &cacheerr.StorageUnavailableError{Op: op, Err: ctx.Err()}
		}
		d.mu.Lock()
		st = d.state
		d.mu.Unlock()
	}
	if st != stateOpen {
		err := errNotOpen(st)
		if st == stateClosed {
			// Degraded stores were already reported by Open.
			d.noteFailure(op, err)
		}
		return &cacheerr.StorageUnavailableError{Op: op, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		d.noteFailure(op, err)
		return &cacheerr.StorageUnavailableError{Op: op, Err: err}
	}
	d.noteSuccess(op)
	return nil
}

func (d *Durable) noteFailure(op string, err error) {
	d.mu.Lock()
	already := d.failing[op]
	d.failing[op] = true
	d.mu.Unlock()
	if !already {
		d.logger.Warn("durable store operation failed",
			zap.String("op", op),
			zap.String("backend", KindOf(d.backend)),
			zap.Error(err),
		)
	}
}

func (d *Durable) noteSuccess(op string) {
	d.mu.Lock()
	was := d.failing[op]
	delete(d.failing, op)
	d.mu.Unlock()
	if was {
		d.logger.Info("durable store operation recovered", zap.String("op", op))
	}
}

var (
	errClosed   = errors.New("store not open")
	errDegraded = errors.New("store degraded")
)

func errNotOpen(st state) error {
	if st == stateDegraded {
		return errDegraded
	}
	return errClosed
}
