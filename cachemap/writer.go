package cachemap

import (
	"context"
	"errors"
	"sync"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/store"
	"go.uber.org/zap"
)

type opKind int

const (
	opPut opKind = iota
	opDelete
	opClear
	opBarrier
)

type writeOp struct {
	kind  opKind
	key   string
	entry store.Entry
	done  chan error
}

var errMapClosed = errors.New("cache map closed")

// writer applies durable mutations in the order they were enqueued. Callers
// enqueue while holding the map lock, so the durable store sees mutations in
// the same order as memory does.
type writer struct {
	durable *store.Durable
	logger  *zap.Logger

	mu      sync.Mutex
	queue   []writeOp
	stopped bool

	wake     chan struct{}
	quit     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

func newWriter(d *store.Durable, logger *zap.Logger) *writer {
	w := &writer{
		durable: d,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	if d == nil {
		close(w.exited)
		return w
	}
	go w.run()
	return w
}

func (w *writer) put(key string, e store.Entry) {
	w.enqueue(writeOp{kind: opPut, key: key, entry: e})
}

func (w *writer) del(key string) {
	w.enqueue(writeOp{kind: opDelete, key: key})
}

// clear returns a channel receiving the outcome, or nil when there is no
// durable store.
func (w *writer) clear() <-chan error {
	if w.durable == nil {
		return nil
	}
	done := make(chan error, 1)
	if !w.enqueue(writeOp{kind: opClear, done: done}) {
		done <- &cacheerr.StorageUnavailableError{Op: "clear", Err: errMapClosed}
	}
	return done
}

// barrier returns a channel closed once everything enqueued before it has
// been applied.
func (w *writer) barrier() <-chan error {
	if w.durable == nil {
		return nil
	}
	done := make(chan error, 1)
	if !w.enqueue(writeOp{kind: opBarrier, done: done}) {
		close(done)
	}
	return done
}

func (w *writer) enqueue(op writeOp) bool {
	if w.durable == nil {
		return false
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, op)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *writer) take() []writeOp {
	w.mu.Lock()
	defer w.mu.Unlock()
	batch := w.queue
	w.queue = nil
	return batch
}

func (w *writer) run() {
	defer close(w.exited)
	for {
		select {
		case <-w.wake:
			w.apply(w.take())
		case <-w.quit:
			w.apply(w.take())
			return
		}
	}
}

func (w *writer) apply(batch []writeOp) {
	ctx := context.Background()
	for _, op := range batch {
		switch op.kind {
		case opPut:
			// Failures are logged by the durable adapter.
			_ = w.durable.Put(ctx, op.key, op.entry)
		case opDelete:
			_ = w.durable.Delete(ctx, op.key)
		case opClear:
			err := w.durable.Clear(ctx)
			if err != nil && !w.durable.Ready() {
				// Memory-only mode: nothing durable to clear.
				err = nil
			}
			op.done <- err
		case opBarrier:
			close(op.done)
		}
	}
}

// stop drains the queue and waits for the writer to exit.
func (w *writer) stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.quit)
	})
	<-w.exited
}
