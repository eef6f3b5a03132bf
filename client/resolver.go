package client

import (
	"context"
	"time"

	"relaydm/common"
	"relaydm/relay"
)

// Resolver derives the relay set to use for a user from their published
// routing documents, in the outbox model: read where they told the network
// they read, fall back to the discovery set when they published nothing.
type Resolver struct {
	transport Transport
	fallback  []string
	timeout   time.Duration
}

func NewResolver(transport Transport, fallback []string, timeout time.Duration) *Resolver {
	return &Resolver{transport: transport, fallback: fallback, timeout: timeout}
}

// Resolve returns the participant with their DM-read relay set. Priority:
// published DM-inbox list, then published read relays, then the fallback
// set. A fallback result is still usable; it is accompanied by a
// *RelayResolutionDegraded error so the caller can surface a warning.
func (r *Resolver) Resolve(ctx context.Context, pubkey string, now time.Time) (*common.Participant, error) {
	inboxList, relayList, qerr := r.fetchRoutingDocuments(ctx, pubkey)

	participant := &common.Participant{PubKey: pubkey, LastResolvedAt: now}

	if inbox := relayURLs(inboxList, "relay", ""); len(inbox) > 0 {
		participant.DerivedRelays = inbox
		return participant, nil
	}
	if read := relayURLs(relayList, "r", "read"); len(read) > 0 {
		participant.DerivedRelays = read
		return participant, nil
	}

	participant.DerivedRelays = append([]string(nil), r.fallback...)
	return participant, &RelayResolutionDegraded{PubKey: pubkey, Reason: qerr}
}

// PublishRelays returns the set for publishing an event on behalf of
// pubkey: their write relays plus any relays the event itself declares, so
// a first-time routing-document publish reaches relays that do not yet know
// about it.
func (r *Resolver) PublishRelays(ctx context.Context, pubkey string, ev *relay.Event, now time.Time) []string {
	inboxList, relayList, _ := r.fetchRoutingDocuments(ctx, pubkey)

	set := make(map[string]bool)
	var out []string
	add := func(urls []string) {
		for _, u := range urls {
			if u == "" || set[u] {
				continue
			}
			set[u] = true
			out = append(out, u)
		}
	}

	add(relayURLs(relayList, "r", "write"))
	add(relayURLs(inboxList, "relay", ""))
	if ev != nil {
		add(ev.TagValues("relay"))
		add(ev.TagValues("r"))
	}
	if len(out) == 0 {
		add(r.fallback)
	}
	return out
}

// fetchRoutingDocuments queries the discovery set for the newest routing
// document of each kind.
func (r *Resolver) fetchRoutingDocuments(ctx context.Context, pubkey string) (inboxList, relayList *relay.Event, err error) {
	events, err := r.transport.Query(ctx, r.fallback, []relay.Filter{{
		Authors: []string{pubkey},
		Kinds:   []int{relay.KindDMInboxRelays, relay.KindRelayList},
	}}, r.timeout)

	for i := range events {
		ev := &events[i]
		if ev.PubKey != pubkey || ev.Verify() != nil {
			continue
		}
		switch ev.Kind {
		case relay.KindDMInboxRelays:
			if inboxList == nil || ev.CreatedAt > inboxList.CreatedAt {
				inboxList = ev
			}
		case relay.KindRelayList:
			if relayList == nil || ev.CreatedAt > relayList.CreatedAt {
				relayList = ev
			}
		}
	}
	return inboxList, relayList, err
}

// relayURLs extracts relay URLs from a routing document's tags. For relay
// lists a marker of "read"/"write" narrows the selection; an unmarked tag
// counts for both directions.
func relayURLs(ev *relay.Event, tagName, marker string) []string {
	if ev == nil {
		return nil
	}
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != tagName || tag[1] == "" {
			continue
		}
		if marker != "" && len(tag) >= 3 && tag[2] != "" && tag[2] != marker {
			continue
		}
		out = append(out, tag[1])
	}
	return out
}
