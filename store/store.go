package store

import (
	"context"
	"errors"

	"relaydm/common"
)

var (
	// ErrNotFound means no cache exists for the user; the engine treats it
	// as a cold start, never as a failure.
	ErrNotFound = errors.New("no cached state for user")
)

// Store persists one SyncState per user. Implementations hold ciphertext at
// rest; callers strip plaintext before writing.
type Store interface {
	ReadCache(ctx context.Context, userPubKey string) (*common.SyncState, error)
	WriteCache(ctx context.Context, userPubKey string, state *common.SyncState) error
	DeleteCache(ctx context.Context, userPubKey string) error
}
