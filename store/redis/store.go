package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"relaydm/common"
	"relaydm/configs"
	"relaydm/store"
)

// Store keeps each user's serialized SyncState under a single key.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) ReadCache(ctx context.Context, userPubKey string) (*common.SyncState, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(configs.ClientCacheKey, userPubKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache for %s: %w", userPubKey, err)
	}
	var state common.SyncState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to decode cache for %s: %w", userPubKey, err)
	}
	return &state, nil
}

func (s *Store) WriteCache(ctx context.Context, userPubKey string, state *common.SyncState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode cache for %s: %w", userPubKey, err)
	}
	if err := s.client.Set(ctx, fmt.Sprintf(configs.ClientCacheKey, userPubKey), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write cache for %s: %w", userPubKey, err)
	}
	return nil
}

func (s *Store) DeleteCache(ctx context.Context, userPubKey string) error {
	if err := s.client.Del(ctx, fmt.Sprintf(configs.ClientCacheKey, userPubKey)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache for %s: %w", userPubKey, err)
	}
	return nil
}
