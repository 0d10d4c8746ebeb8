package ops

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Keksclan/goRawrCache/cacheerr"
)

// call is an in-flight remote fetch shared by concurrent callers.
type call[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// flight deduplicates concurrent fetches for the same key.
type flight[T any] struct {
	mu    sync.Mutex
	calls map[string]*call[T]
}

// do runs fn once per key at a time. Callers arriving while it runs wait
// for it and share its outcome; shared reports whether this caller joined
// another's call. A waiting caller whose ctx ends stops waiting, but the
// call itself keeps running for the others.
func (f *flight[T]) do(ctx context.Context, key string, fn func() (T, error)) (v T, err error, shared bool) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]*call[T])
	}
	if c, ok := f.calls[key]; ok {
		f.mu.Unlock()
		select {
		case <-c.done:
			return c.val, c.err, true
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err(), true
		}
	}

	c := &call[T]{done: make(chan struct{})}
	f.calls[key] = c
	f.mu.Unlock()

	defer func() {
		r := recover()
		if r != nil {
			// Followers must not mistake a crashed call for an empty result.
			c.err = &cacheerr.RemoteUnavailableError{Op: "fetch", Err: fmt.Errorf("panic: %v", r)}
		}
		f.mu.Lock()
		delete(f.calls, key)
		f.mu.Unlock()
		close(c.done)
		if r != nil {
			panic(r)
		}
	}()

	c.val, c.err = fn()
	return c.val, c.err, false
}

// inFlight reports how many keys currently have a call running.
func (f *flight[T]) inFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// abandoned classifies the context error a waiting caller gets when it
// gives up on a shared call.
func abandoned(op string, err error, shared bool) error {
	if shared && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return &cacheerr.RemoteUnavailableError{Op: op, Err: err}
	}
	return err
}
