package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var _ Incrementer = (*BoltStore)(nil)
var _ Snapshotter = (*BoltStore)(nil)

var bucketCounters = []byte("counters")

// BoltStore is an ACID bbolt-backed counter store. Values are 8-byte
// big-endian uint64.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) a counter database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCounters)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Increment adds one to counterID in a single bolt.Update, creating the
// counter at zero if absent.
func (s *BoltStore) Increment(_ context.Context, counterID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		var n uint64
		if data := b.Get([]byte(counterID)); len(data) == 8 {
			n = binary.BigEndian.Uint64(data)
		}
		val := make([]byte, 8)
		binary.BigEndian.PutUint64(val, n+1)
		return b.Put([]byte(counterID), val)
	})
	if err != nil {
		return fmt.Errorf("store: increment %s: %w", counterID, err)
	}
	return nil
}

// Get returns the current value of counterID (0 if absent).
func (s *BoltStore) Get(counterID string) uint64 {
	var n uint64
	_ = s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketCounters).Get([]byte(counterID)); len(data) == 8 {
			n = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return n
}

// Snapshot returns all counters and their values.
func (s *BoltStore) Snapshot(_ context.Context) (map[string]uint64, error) {
	out := make(map[string]uint64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCounters).ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				out[string(k)] = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: snapshot: %w", err)
	}
	return out, nil
}

// DBPath returns the filesystem path of the database file.
func (s *BoltStore) DBPath() string { return s.db.Path() }

// Close cleanly closes the underlying bbolt database.
func (s *BoltStore) Close() error { return s.db.Close() }
