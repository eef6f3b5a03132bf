package client

import (
	"context"
	"time"

	"relaydm/relay"
)

// Transport is the relay pub/sub collaborator the engine is written
// against. *relay.Pool satisfies it; tests substitute an in-memory fake.
type Transport interface {
	Query(ctx context.Context, relays []string, filters []relay.Filter, timeout time.Duration) ([]relay.Event, error)
	Subscribe(ctx context.Context, relays []string, filters []relay.Filter) (<-chan relay.Event, error)
	Publish(ctx context.Context, relays []string, ev relay.Event, timeout time.Duration) []relay.PublishResult
}
