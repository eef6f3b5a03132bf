package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"relaydm/common"
	"relaydm/store"
)

const collectionName = "dm_cache"

// Store keeps one document per user in the dm_cache collection.
type Store struct {
	coll *mongo.Collection
}

type cacheDoc struct {
	UserPubKey string            `bson:"_id"`
	State      *common.SyncState `bson:"state"`
}

func New(db *mongo.Database) *Store {
	return &Store{coll: db.Collection(collectionName)}
}

func (s *Store) ReadCache(ctx context.Context, userPubKey string) (*common.SyncState, error) {
	var doc cacheDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": userPubKey}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache for %s: %w", userPubKey, err)
	}
	return doc.State, nil
}

func (s *Store) WriteCache(ctx context.Context, userPubKey string, state *common.SyncState) error {
	doc := cacheDoc{UserPubKey: userPubKey, State: state}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.coll.ReplaceOne(ctx, bson.M{"_id": userPubKey}, doc, opts); err != nil {
		return fmt.Errorf("failed to write cache for %s: %w", userPubKey, err)
	}
	return nil
}

func (s *Store) DeleteCache(ctx context.Context, userPubKey string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": userPubKey}); err != nil {
		return fmt.Errorf("failed to delete cache for %s: %w", userPubKey, err)
	}
	return nil
}
