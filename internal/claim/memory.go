package claim

import (
	"context"
	"sync"
	"time"
)

var _ Claimer = (*MemClaimer)(nil)

// MemClaimer is an in-memory Claimer for unit tests and single-process
// deployments that still want claim-shaped dedup.
type MemClaimer struct {
	mu     sync.Mutex
	ttl    time.Duration
	expiry map[string]int64 // key → Unix expiry
}

// NewMemClaimer creates a fresh in-memory claimer. ttl 0 falls back to the
// default TTL; negative values make every claim immediately reclaimable,
// which tests use to exercise expiry.
func NewMemClaimer(ttl time.Duration) *MemClaimer {
	if ttl == 0 {
		ttl = TTL
	}
	return &MemClaimer{ttl: ttl, expiry: make(map[string]int64)}
}

func (c *MemClaimer) Claim(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if exp, ok := c.expiry[key]; ok && now.Unix() < exp {
		return false, nil
	}
	c.expiry[key] = now.Add(c.ttl).Unix()
	return true, nil
}

// Prune removes expired claims.
func (c *MemClaimer) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().Unix()
	for k, exp := range c.expiry {
		if now >= exp {
			delete(c.expiry, k)
		}
	}
}

// Len returns the number of live and expired claims currently held.
func (c *MemClaimer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expiry)
}
