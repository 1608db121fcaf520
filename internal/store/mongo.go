package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var _ Incrementer = (*MongoStore)(nil)
var _ Snapshotter = (*MongoStore)(nil)

// MongoStore keeps counters as documents {id: <counterID>, value: <n>} in a
// MongoDB collection, the layout dashboards built on the original documents
// expect.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore wraps an existing collection handle.
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// Increment upserts {$inc: {value: 1}} on the counter document. The upsert
// gives the create-at-zero semantics; mongo applies it atomically.
func (s *MongoStore) Increment(ctx context.Context, counterID string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"id": counterID},
		bson.M{"$inc": bson.M{"value": 1}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store: increment %s: %w", counterID, err)
	}
	return nil
}

// Snapshot returns all counter documents as an id → value map.
func (s *MongoStore) Snapshot(ctx context.Context) (map[string]uint64, error) {
	cur, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("store: snapshot: %w", err)
	}
	defer cur.Close(ctx)

	out := make(map[string]uint64)
	for cur.Next(ctx) {
		var doc struct {
			ID    string `bson:"id"`
			Value int64  `bson:"value"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("store: snapshot decode: %w", err)
		}
		if doc.Value > 0 {
			out[doc.ID] = uint64(doc.Value)
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("store: snapshot cursor: %w", err)
	}
	return out, nil
}

// Healthy pings the deployment the collection belongs to.
func (s *MongoStore) Healthy(ctx context.Context) error {
	if err := s.coll.Database().Client().Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("store: mongo ping: %w", err)
	}
	return nil
}
