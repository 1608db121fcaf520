// Package store defines the counter sink the middleware emits increments to,
// plus bbolt, MongoDB, and in-memory implementations.
package store

import "context"

// Incrementer is the single operation the middleware needs from a counter
// store: increment the named counter by one, creating it at zero if absent.
// Implementations must be safe for concurrent use.
type Incrementer interface {
	Increment(ctx context.Context, counterID string) error
}

// Snapshotter is implemented by stores that can dump their current counts.
type Snapshotter interface {
	Snapshot(ctx context.Context) (map[string]uint64, error)
}

// HookFunc adapts a plain callback into an Incrementer. Used when the caller
// wants the raw counter ids rather than a managed store.
type HookFunc func(counterID string)

func (f HookFunc) Increment(_ context.Context, counterID string) error {
	f(counterID)
	return nil
}
