package store

import (
	"context"
	"sync"
)

// Memory is a map-backed Backend. It is what a cache uses when no durable
// backend is configured, and it doubles as a fault-injectable fake.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
	failErr error
	block   <-chan struct{}
	opens   int
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// Kind implements Kinder.
func (m *Memory) Kind() string { return "memory" }

// FailWith makes every subsequent operation return err. A nil err restores
// normal behaviour.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

// BlockOpen makes Open wait until ch is closed (or ctx is done).
func (m *Memory) BlockOpen(ch <-chan struct{}) {
	m.mu.Lock()
	m.block = ch
	m.mu.Unlock()
}

// Opens returns how many times Open was called.
func (m *Memory) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Open implements Backend.
func (m *Memory) Open(ctx context.Context) error {
	m.mu.Lock()
	m.opens++
	block := m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.fault()
}

// GetAll implements Backend.
func (m *Memory) GetAll(_ context.Context) (map[string]Entry, error) {
	if err := m.fault(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Entry, len(m.entries))
	for k, e := range m.entries {
		out[k] = e.Clone()
	}
	return out, nil
}

// Put implements Backend.
func (m *Memory) Put(_ context.Context, key string, e Entry) error {
	if err := m.fault(); err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[key] = e.Clone()
	m.mu.Unlock()
	return nil
}

// Delete implements Backend.
func (m *Memory) Delete(_ context.Context, key string) error {
	if err := m.fault(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Clear implements Backend.
func (m *Memory) Clear(_ context.Context) error {
	if err := m.fault(); err != nil {
		return err
	}
	m.mu.Lock()
	clear(m.entries)
	m.mu.Unlock()
	return nil
}

// Keys implements Backend.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	if err := m.fault(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

// Close implements Backend.
func (m *Memory) Close() error { return nil }

func (m *Memory) fault() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failErr
}
