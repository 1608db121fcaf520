package claim

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var _ Claimer = (*BoltClaimer)(nil)

var bucketClaims = []byte("claims")

// BoltClaimer implements Claimer on a bbolt database. It coordinates
// multiple processes on one host sharing a filesystem; use RedisClaimer for
// multi-host deployments.
type BoltClaimer struct {
	db  *bolt.DB
	ttl time.Duration
}

// OpenBolt opens (or creates) a claim database at path. ttl 0 falls back to
// the default TTL.
func OpenBolt(path string, ttl time.Duration) (*BoltClaimer, error) {
	if ttl == 0 {
		ttl = TTL
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("claim: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClaims)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("claim: init bucket: %w", err)
	}
	return &BoltClaimer{db: db, ttl: ttl}, nil
}

// Claim atomically checks and sets the key in a single bolt.Update.
// Returns (true, nil) if acquired, (false, nil) if already held.
func (c *BoltClaimer) Claim(_ context.Context, key string) (bool, error) {
	now := time.Now()
	acquired := false
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClaims)
		if data := b.Get([]byte(key)); len(data) >= 8 {
			if now.Unix() < int64(binary.BigEndian.Uint64(data)) {
				return nil
			}
		}
		acquired = true
		val := make([]byte, 8)
		binary.BigEndian.PutUint64(val, uint64(now.Add(c.ttl).Unix()))
		return b.Put([]byte(key), val)
	})
	if err != nil {
		return false, fmt.Errorf("claim: %s: %w", key, err)
	}
	return acquired, nil
}

// Prune removes expired claims.
func (c *BoltClaimer) Prune() error {
	now := time.Now().Unix()
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClaims)
		cur := b.Cursor()
		var toDelete [][]byte
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if len(v) < 8 || now >= int64(binary.BigEndian.Uint64(v)) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// DBPath returns the filesystem path of the database file.
func (c *BoltClaimer) DBPath() string { return c.db.Path() }

// Close cleanly closes the underlying bbolt database.
func (c *BoltClaimer) Close() error { return c.db.Close() }
