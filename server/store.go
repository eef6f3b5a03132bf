package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"relaydm/configs"
	"relaydm/relay"
)

// Store keeps accepted events in redis: the event body under its id plus
// sorted-set indexes (all events, per kind, per p-tag recipient) scored by
// createdAt so range queries map onto ZRANGEBYSCORE.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Save(ctx context.Context, ev *relay.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event %s: %w", ev.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(configs.RelaydEventKey, ev.ID), data, 0)
	member := redis.Z{Score: float64(ev.CreatedAt), Member: ev.ID}
	pipe.ZAdd(ctx, configs.RelaydAllIndexKey, member)
	pipe.ZAdd(ctx, fmt.Sprintf(configs.RelaydKindIndexKey, ev.Kind), member)
	for _, pk := range ev.TagValues("p") {
		pipe.ZAdd(ctx, fmt.Sprintf(configs.RelaydRecipientKey, pk), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persisting event %s: %w", ev.ID, err)
	}
	return nil
}

// Query evaluates each filter independently and unions the results, newest
// first, honoring each filter's own limit.
func (s *Store) Query(ctx context.Context, filters []relay.Filter) ([]*relay.Event, error) {
	seen := make(map[string]bool)
	var out []*relay.Event
	for i := range filters {
		events, err := s.queryOne(ctx, &filters[i])
		if err != nil {
			return out, err
		}
		for _, ev := range events {
			if !seen[ev.ID] {
				seen[ev.ID] = true
				out = append(out, ev)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (s *Store) queryOne(ctx context.Context, f *relay.Filter) ([]*relay.Event, error) {
	ids, err := s.candidateIDs(ctx, f)
	if err != nil {
		return nil, err
	}

	var matched []*relay.Event
	for _, id := range ids {
		data, err := s.client.Get(ctx, fmt.Sprintf(configs.RelaydEventKey, id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return matched, fmt.Errorf("loading event %s: %w", id, err)
		}
		var ev relay.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if f.Matches(&ev) {
			matched = append(matched, &ev)
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt > matched[j].CreatedAt })
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// candidateIDs narrows the scan using the most selective index the filter
// offers before full matching in memory.
func (s *Store) candidateIDs(ctx context.Context, f *relay.Filter) ([]string, error) {
	if len(f.IDs) > 0 {
		return f.IDs, nil
	}

	min, max := "-inf", "+inf"
	if f.Since != nil {
		min = fmt.Sprintf("%d", *f.Since)
	}
	if f.Until != nil {
		max = fmt.Sprintf("%d", *f.Until)
	}
	rng := &redis.ZRangeBy{Min: min, Max: max}

	var keys []string
	switch {
	case len(f.PTags) > 0:
		for _, pk := range f.PTags {
			keys = append(keys, fmt.Sprintf(configs.RelaydRecipientKey, pk))
		}
	case len(f.Kinds) > 0:
		for _, kind := range f.Kinds {
			keys = append(keys, fmt.Sprintf(configs.RelaydKindIndexKey, kind))
		}
	default:
		keys = []string{configs.RelaydAllIndexKey}
	}

	seen := make(map[string]bool)
	var ids []string
	for _, key := range keys {
		members, err := s.client.ZRangeByScore(ctx, key, rng).Result()
		if err != nil {
			return ids, fmt.Errorf("scanning index %s: %w", key, err)
		}
		for _, id := range members {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}
