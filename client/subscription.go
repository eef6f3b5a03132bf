package client

import (
	"context"
	"time"

	"relaydm/common"
	"relaydm/relay"
)

// startSubscriptions opens one standing subscription per protocol against
// the resolved inbox relay set, replacing any previous set. Old
// subscriptions are always torn down first; none may keep running against
// endpoints the user no longer reads from.
func (e *Engine) startSubscriptions(relays []string) {
	e.stopSubscriptions()
	if len(relays) == 0 {
		return
	}

	subCtx, cancel := context.WithCancel(e.ctx)
	e.mu.Lock()
	e.subCancel = cancel
	e.ownRelays = append([]string(nil), relays...)
	e.mu.Unlock()

	for _, protocol := range []common.Protocol{common.ProtocolLegacy, common.ProtocolPrivate} {
		since := e.sinceFor(protocol, e.cursorFor(protocol))
		filters := e.protocolFilters(protocol, since, nil, 0)
		ch, err := e.transport.Subscribe(subCtx, relays, filters)
		if err != nil {
			e.addNotice(e.asQueryFailed(protocol, relays, err), relays)
			logger.Errorf("subscribe %s failed: %v", protocol, err)
			continue
		}
		e.wg.Add(1)
		go e.consumeSubscription(subCtx, protocol, ch)
	}
}

func (e *Engine) stopSubscriptions() {
	e.mu.Lock()
	cancel := e.subCancel
	e.subCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) consumeSubscription(ctx context.Context, protocol common.Protocol, ch <-chan relay.Event) {
	defer e.wg.Done()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			msg, decoded := decodeEvent(e.cfg.Priv, e.pub, ev)
			if !decoded {
				continue
			}
			e.apply([]common.Message{msg})
			// The cursor only advances on successful processing, so a
			// restart replays anything that failed mid-flight.
			e.advanceCursor(protocol, time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// RefreshRelaySet re-resolves the user's own relay set, for example after
// they edited their routing document, and recreates the standing
// subscriptions when it changed.
func (e *Engine) RefreshRelaySet(ctx context.Context) error {
	now := time.Now()
	participant, err := e.resolver.Resolve(ctx, e.pub, now)
	if err != nil {
		e.addNotice(err, participant.DerivedRelays)
	}

	e.mu.Lock()
	if prior := e.state.Participants[e.pub]; prior != nil {
		participant.BlockedRelays = prior.BlockedRelays
	}
	e.state.Participants[e.pub] = participant
	current := append([]string(nil), e.ownRelays...)
	e.mu.Unlock()

	next := withoutBlocked(participant)
	if !equalStringSets(current, next) {
		e.startSubscriptions(next)
	}
	e.publishSnapshot()
	return nil
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
