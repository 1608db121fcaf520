package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Claimer = (*RedisClaimer)(nil)

// RedisClaimer implements Claimer with a redis SET NX EX, the canonical
// cross-host atomic claim.
type RedisClaimer struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisClaimer wraps client. ttl 0 falls back to the default TTL.
func NewRedisClaimer(client redis.UniversalClient, ttl time.Duration) *RedisClaimer {
	if ttl == 0 {
		ttl = TTL
	}
	return &RedisClaimer{client: client, ttl: ttl}
}

// Claim issues SET key OK NX EX. Redis guarantees only one concurrent
// caller sees true.
func (c *RedisClaimer) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, "OK", c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim: %s: %w", key, err)
	}
	return ok, nil
}

// Healthy pings the redis server.
func (c *RedisClaimer) Healthy(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("claim: redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying client connections.
func (c *RedisClaimer) Close() error { return c.client.Close() }
