package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"relaydm/common"
	"relaydm/protocol/giftwrap"
	"relaydm/relay"
	"relaydm/store"
)

// runSync is one full cold/warm start pass:
// resolve own relays → query both protocols → unwrap → discover new
// participants → resolve their relays → query the uncovered gap relays →
// merge → persist → subscribe.
func (e *Engine) runSync(ctx context.Context) error {
	now := time.Now()

	// CACHE
	e.setPhase(PhaseCache)
	prior := e.loadCache(ctx)
	warmCursor := prior.LastCacheTime
	e.mu.Lock()
	e.state = prior
	e.cursorHeld = false
	e.mu.Unlock()
	e.publishSnapshot()

	// INITIAL_QUERY: the user's own inbox relays, both protocols in
	// parallel. A failure here is fatal to the pass; whatever was fetched
	// before the failure is still merged.
	e.setPhase(PhaseInitialQuery)
	ownRelays := e.resolveOwnRelays(ctx, now)

	var (
		wg       sync.WaitGroup
		scans    = make(map[common.Protocol]*scanResult)
		fatalErr error
	)
	for _, protocol := range []common.Protocol{common.ProtocolLegacy, common.ProtocolPrivate} {
		res := &scanResult{}
		scans[protocol] = res
		wg.Add(1)
		go func(protocol common.Protocol, res *scanResult) {
			defer wg.Done()
			since := e.sinceFor(protocol, warmCursor)
			res.events, res.limitReached, res.err = e.scanProtocol(ctx, ownRelays, protocol, since)
		}(protocol, res)
	}
	wg.Wait()

	var initial []common.Message
	for protocol, res := range scans {
		for _, ev := range res.events {
			if msg, ok := decodeEvent(e.cfg.Priv, e.pub, ev); ok {
				initial = append(initial, msg)
			}
		}
		e.mu.Lock()
		e.scan.EventsFetched += len(res.events)
		if res.limitReached {
			e.scan.QueryLimitReached = true
			e.state.QueryLimitReached = true
		}
		e.mu.Unlock()

		if res.err != nil {
			qf := e.asQueryFailed(protocol, ownRelays, res.err)
			e.addNotice(qf, qf.FailedRelays)
			logger.Errorf("primary %s query failed: %v", protocol, qf)
			// The persisted cursor must not move past a window this pass
			// failed to fetch, or the next warm start would skip it.
			e.mu.Lock()
			e.cursorHeld = true
			e.mu.Unlock()
			if fatalErr == nil {
				fatalErr = qf
			}
			continue
		}
		e.advanceCursor(protocol, now)
	}
	e.apply(initial)
	e.markQueried(ownRelays)

	// GAP_FILL: relays of newly discovered counterparts that the primary
	// round did not cover. Failures here only mean fewer conversations
	// discovered; the user's own inbox query already succeeded.
	e.setPhase(PhaseGapFill)
	e.gapFill(ctx, now)

	// SUBSCRIPTIONS
	e.setPhase(PhaseSubscriptions)
	e.startSubscriptions(ownRelays)

	e.setPhase(PhaseReady)
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
	e.flush()
	return fatalErr
}

type scanResult struct {
	events       []relay.Event
	limitReached bool
	err          error
}

func (e *Engine) loadCache(ctx context.Context) *common.SyncState {
	prior, err := e.store.ReadCache(ctx, e.pub)
	switch {
	case err == nil && prior != nil && prior.OwnPubKey == e.pub:
		if prior.Conversations == nil {
			prior.Conversations = make(map[string]*common.Conversation)
		}
		if prior.Participants == nil {
			prior.Participants = make(map[string]*common.Participant)
		}
		if prior.QueriedRelays == nil {
			prior.QueriedRelays = make(map[string]bool)
		}
		rehydrate(e.cfg.Priv, e.pub, prior)
		return prior
	case errors.Is(err, store.ErrNotFound):
		return common.NewSyncState(e.pub)
	default:
		// Absorbed: an unreadable cache downgrades to a cold start.
		logger.Errorf("cache read failed for %s, falling back to cold start: %v", e.pub, err)
		return common.NewSyncState(e.pub)
	}
}

// sinceFor computes the query lower bound. Warm starts rewind by the
// overlap to catch race windows; private queries rewind further by the
// gift-wrap fuzz window, because a genuinely recent message may sit under
// an artificially old outer timestamp.
func (e *Engine) sinceFor(protocol common.Protocol, lastCacheTime time.Time) time.Time {
	if lastCacheTime.IsZero() {
		return time.Time{}
	}
	since := lastCacheTime.Add(-e.cfg.Overlap)
	if protocol == common.ProtocolPrivate {
		since = since.Add(-giftwrap.TimestampFuzzWindow)
	}
	return since
}

// scanProtocol pages backwards through history in bounded batches: the
// upper bound regresses to just older than the oldest event of the prior
// batch, until a short batch signals exhaustion or the total ceiling is
// hit. Each filter pages on its own cursor; the received and sent
// directions of a legacy scan regress at different rates, and a cursor
// shared between them would jump past whichever direction is newer. On
// error the batches fetched so far are returned alongside it.
func (e *Engine) scanProtocol(ctx context.Context, relays []string, protocol common.Protocol, since time.Time) ([]relay.Event, bool, error) {
	if len(relays) == 0 {
		return nil, false, nil
	}
	seen := make(map[string]bool)
	var all []relay.Event

	for _, base := range e.protocolFilters(protocol, since, nil, e.cfg.BatchSize) {
		var until *int64
		for {
			f := base
			f.Until = until
			events, err := e.transport.Query(ctx, relays, []relay.Filter{f}, e.cfg.QueryTimeout)
			fresh := 0
			var oldest int64
			for _, ev := range events {
				if oldest == 0 || ev.CreatedAt < oldest {
					oldest = ev.CreatedAt
				}
				if seen[ev.ID] {
					continue
				}
				seen[ev.ID] = true
				all = append(all, ev)
				fresh++
			}
			if err != nil {
				return all, false, err
			}
			if len(events) < e.cfg.BatchSize || fresh == 0 {
				break
			}
			if len(all) >= e.cfg.MaxEvents {
				// Truncation is surfaced to the user, never silent.
				return all, true, nil
			}
			u := oldest - 1
			until = &u
		}
	}
	return all, false, nil
}

// protocolFilters builds the inbox filters for one protocol. Legacy
// messages the user sent are authored by them and carry the counterpart in
// the p tag, so the legacy scan needs both directions; private copies
// always arrive as wraps addressed to the user.
func (e *Engine) protocolFilters(protocol common.Protocol, since time.Time, until *int64, limit int) []relay.Filter {
	var sincePtr *int64
	if !since.IsZero() {
		s := since.Unix()
		sincePtr = &s
	}
	switch protocol {
	case common.ProtocolLegacy:
		return []relay.Filter{
			{Kinds: []int{relay.KindLegacyMessage}, PTags: []string{e.pub}, Since: sincePtr, Until: until, Limit: limit},
			{Kinds: []int{relay.KindLegacyMessage}, Authors: []string{e.pub}, Since: sincePtr, Until: until, Limit: limit},
		}
	default:
		return []relay.Filter{
			{Kinds: []int{relay.KindGiftWrap}, PTags: []string{e.pub}, Since: sincePtr, Until: until, Limit: limit},
		}
	}
}

func (e *Engine) resolveOwnRelays(ctx context.Context, now time.Time) []string {
	e.mu.Lock()
	cached := e.state.Participants[e.pub]
	ttl := e.cfg.ResolutionTTL
	e.mu.Unlock()

	if cached != nil && !cached.StaleAfter(ttl, now) && len(cached.DerivedRelays) > 0 {
		return withoutBlocked(cached)
	}

	participant, err := e.resolver.Resolve(ctx, e.pub, now)
	if err != nil {
		var degraded *RelayResolutionDegraded
		if errors.As(err, &degraded) {
			e.addNotice(degraded, participant.DerivedRelays)
		}
		logger.Warnf("own relay resolution degraded: %v", err)
	}
	e.mu.Lock()
	if prior := e.state.Participants[e.pub]; prior != nil {
		participant.BlockedRelays = prior.BlockedRelays
	}
	e.state.Participants[e.pub] = participant
	e.mu.Unlock()
	return withoutBlocked(participant)
}

// gapFill resolves relay sets for every counterpart discovered so far and
// queries only the relays the pass has not covered yet.
func (e *Engine) gapFill(ctx context.Context, now time.Time) {
	e.mu.Lock()
	counterparts := make(map[string]bool)
	for _, conv := range e.state.Conversations {
		for _, pk := range conv.ParticipantPubkeys {
			if pk != e.pub {
				counterparts[pk] = true
			}
		}
	}
	queried := make(map[string]bool, len(e.state.QueriedRelays))
	for r := range e.state.QueriedRelays {
		queried[r] = true
	}
	ttl := e.cfg.ResolutionTTL
	e.mu.Unlock()

	var gapRelays []string
	for pk := range counterparts {
		e.mu.Lock()
		participant := e.state.Participants[pk]
		e.mu.Unlock()

		// Known participants are re-resolved only past the TTL, so app
		// opens do not re-resolve every contact.
		if participant == nil || participant.StaleAfter(ttl, now) {
			resolved, err := e.resolver.Resolve(ctx, pk, now)
			if err != nil {
				logger.Infof("relay resolution for %s degraded: %v", pk, err)
			}
			e.mu.Lock()
			if prior := e.state.Participants[pk]; prior != nil {
				resolved.BlockedRelays = prior.BlockedRelays
			}
			e.state.Participants[pk] = resolved
			e.mu.Unlock()
			participant = resolved
		}

		for _, r := range withoutBlocked(participant) {
			if !queried[r] {
				queried[r] = true
				gapRelays = append(gapRelays, r)
			}
		}
	}
	if len(gapRelays) == 0 {
		return
	}

	var gap []common.Message
	for _, protocol := range []common.Protocol{common.ProtocolLegacy, common.ProtocolPrivate} {
		events, limitReached, err := e.scanProtocol(ctx, gapRelays, protocol, time.Time{})
		if err != nil {
			// Non-fatal by design: the own-inbox query already succeeded,
			// this only narrows discovery.
			logger.Warnf("gap-fill %s query failed on %v: %v", protocol, gapRelays, err)
		}
		if limitReached {
			e.mu.Lock()
			e.scan.QueryLimitReached = true
			e.state.QueryLimitReached = true
			e.mu.Unlock()
		}
		for _, ev := range events {
			if msg, ok := decodeEvent(e.cfg.Priv, e.pub, ev); ok {
				gap = append(gap, msg)
			}
		}
		e.mu.Lock()
		e.scan.EventsFetched += len(events)
		e.mu.Unlock()
	}
	e.apply(gap)
	e.markQueried(gapRelays)
}

func (e *Engine) markQueried(relays []string) {
	e.mu.Lock()
	for _, r := range relays {
		e.state.QueriedRelays[r] = true
	}
	e.mu.Unlock()
}

func (e *Engine) advanceCursor(protocol common.Protocol, t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch protocol {
	case common.ProtocolLegacy:
		if t.After(e.cursorLegacy) {
			e.cursorLegacy = t
		}
	case common.ProtocolPrivate:
		if t.After(e.cursorPrivate) {
			e.cursorPrivate = t
		}
	}
}

func (e *Engine) cursorFor(protocol common.Protocol) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if protocol == common.ProtocolLegacy {
		return e.cursorLegacy
	}
	return e.cursorPrivate
}

// asQueryFailed normalizes a transport error into the structured form the
// UI renders: message, protocol, failing endpoints and total endpoint count.
func (e *Engine) asQueryFailed(protocol common.Protocol, relays []string, err error) *RelayQueryFailed {
	var qerr *relay.QueryError
	if errors.As(err, &qerr) {
		return &RelayQueryFailed{
			Protocol:     protocol,
			FailedRelays: qerr.FailedRelays,
			TotalRelays:  qerr.TotalRelays,
			Err:          qerr.Err,
		}
	}
	return &RelayQueryFailed{
		Protocol:     protocol,
		FailedRelays: relays,
		TotalRelays:  len(relays),
		Err:          err,
	}
}
