// Package claim provides the atomic set-if-absent-with-expiry primitive used
// to deduplicate counter events across processes that share no memory.
package claim

import (
	"context"
	"time"
)

// TTL is the claim validity window. Two days outlives any single day's
// boundary ambiguity from clock skew between processes.
const TTL = 48 * time.Hour

// Claimer acquires a claim on key. True means this caller is the first to
// claim the key within the validity window and should act; false means
// another caller already holds it and the action must be suppressed.
type Claimer interface {
	Claim(ctx context.Context, key string) (bool, error)
}
