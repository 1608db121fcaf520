package store

import (
	"context"
	"sync"
)

var _ Incrementer = (*MemStore)(nil)
var _ Snapshotter = (*MemStore)(nil)

// MemStore is an in-memory counter store for unit tests and the default
// demo configuration. Counts do not survive a restart.
type MemStore struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{counters: make(map[string]uint64)}
}

func (m *MemStore) Increment(_ context.Context, counterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counterID]++
	return nil
}

// Get returns the current value of counterID (0 if absent).
func (m *MemStore) Get(counterID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[counterID]
}

// Snapshot returns a copy of all counters.
func (m *MemStore) Snapshot(_ context.Context) (map[string]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out, nil
}
