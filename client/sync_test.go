package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaydm/common"
	"relaydm/crypto/key_ed25519"
	"relaydm/protocol/giftwrap"
	"relaydm/protocol/legacy"
	"relaydm/relay"
	"relaydm/store"
)

const fallbackRelay = "ws://fallback.test"

// fakeTransport is an in-memory relay set: events per relay URL, filter
// matching through the real Filter logic, scripted failures per kind.
type fakeTransport struct {
	// blockUntilCancel makes every query hang until its context ends. Set
	// before the engine starts, never mutated after.
	blockUntilCancel bool

	mu        sync.Mutex
	events    map[string][]relay.Event
	failKind  map[int]int // kind -> 1-based ordinal of the query that fails
	kindSeen  map[int]int
	failPub   map[string]error
	queries   []queryRecord
	published map[string][]relay.Event
	subs      []*fakeSub
}

type queryRecord struct {
	relays  []string
	filters []relay.Filter
}

type fakeSub struct {
	relays  []string
	filters []relay.Filter
	ch      chan relay.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:    make(map[string][]relay.Event),
		failKind:  make(map[int]int),
		kindSeen:  make(map[int]int),
		failPub:   make(map[string]error),
		published: make(map[string][]relay.Event),
	}
}

func (f *fakeTransport) addEvent(relayURL string, ev relay.Event) {
	f.mu.Lock()
	f.events[relayURL] = append(f.events[relayURL], ev)
	f.mu.Unlock()
}

func (f *fakeTransport) Query(ctx context.Context, relays []string, filters []relay.Filter, timeout time.Duration) ([]relay.Event, error) {
	if f.blockUntilCancel {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, queryRecord{
		relays:  append([]string(nil), relays...),
		filters: append([]relay.Filter(nil), filters...),
	})

	kinds := make(map[int]bool)
	for _, flt := range filters {
		for _, k := range flt.Kinds {
			kinds[k] = true
		}
	}
	for k := range kinds {
		if ordinal, ok := f.failKind[k]; ok {
			f.kindSeen[k]++
			if f.kindSeen[k] == ordinal {
				return nil, &relay.QueryError{
					FailedRelays: append([]string(nil), relays...),
					TotalRelays:  len(relays),
					Err:          errors.New("connection reset"),
				}
			}
		}
	}

	seen := make(map[string]bool)
	var out []relay.Event
	for _, url := range relays {
		for fi := range filters {
			var matched []relay.Event
			for i := range f.events[url] {
				ev := f.events[url][i]
				if filters[fi].Matches(&ev) {
					matched = append(matched, ev)
				}
			}
			sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt > matched[j].CreatedAt })
			if filters[fi].Limit > 0 && len(matched) > filters[fi].Limit {
				matched = matched[:filters[fi].Limit]
			}
			for _, ev := range matched {
				if !seen[ev.ID] {
					seen[ev.ID] = true
					out = append(out, ev)
				}
			}
		}
	}
	return out, nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, relays []string, filters []relay.Filter) (<-chan relay.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{
		relays:  append([]string(nil), relays...),
		filters: append([]relay.Filter(nil), filters...),
		ch:      make(chan relay.Event, 16),
	}
	f.subs = append(f.subs, sub)
	return sub.ch, nil
}

func (f *fakeTransport) Publish(ctx context.Context, relays []string, ev relay.Event, timeout time.Duration) []relay.PublishResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]relay.PublishResult, 0, len(relays))
	for _, url := range relays {
		if err, ok := f.failPub[url]; ok {
			results = append(results, relay.PublishResult{Relay: url, Err: err})
			continue
		}
		f.published[url] = append(f.published[url], ev)
		results = append(results, relay.PublishResult{Relay: url, Err: nil})
	}
	return results
}

func (f *fakeTransport) subsForKind(kind int) []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeSub
	for _, sub := range f.subs {
		for _, flt := range sub.filters {
			if containsKind(flt.Kinds, kind) {
				out = append(out, sub)
				break
			}
		}
	}
	return out
}

func containsKind(kinds []int, kind int) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type fakeStore struct {
	mu     sync.Mutex
	states map[string]*common.SyncState
	writes int
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]*common.SyncState)}
}

func (s *fakeStore) ReadCache(ctx context.Context, userPubKey string) (*common.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[userPubKey]; ok {
		return st.Clone(), nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) WriteCache(ctx context.Context, userPubKey string, state *common.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[userPubKey] = state
	s.writes++
	return nil
}

func (s *fakeStore) DeleteCache(ctx context.Context, userPubKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, userPubKey)
	return nil
}

func (s *fakeStore) cached(userPubKey string) *common.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[userPubKey]
}

func newTestEngine(t *testing.T, ft *fakeTransport, fs *fakeStore, pair *key_ed25519.Pair) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		Priv:             pair.Priv,
		FallbackRelays:   []string{fallbackRelay},
		BatchSize:        2,
		MaxEvents:        100,
		Overlap:          5 * time.Minute,
		QueryTimeout:     time.Second,
		PublishTimeout:   time.Second,
		OptimisticWindow: time.Minute,
		PersistDebounce:  10 * time.Millisecond,
	}, ft, fs)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func wrapAddressedTo(t *testing.T, sender *key_ed25519.Pair, recipient string, content string, now time.Time) relay.Event {
	t.Helper()
	inner := giftwrap.NewInner(mustPub(t, sender), []string{recipient}, content, "", nil, now)
	wraps, err := giftwrap.WrapAll(sender.Priv, inner, now)
	require.NoError(t, err)
	for i := range wraps {
		if wraps[i].FirstTag("p") == recipient {
			return wraps[i]
		}
	}
	t.Fatalf("no wrap addressed to %s", recipient)
	return relay.Event{}
}

func mustPub(t *testing.T, pair *key_ed25519.Pair) string {
	t.Helper()
	return pair.Pub.Hex()
}

func TestColdStartFetchesBothProtocols(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bob, err := key_ed25519.NewPair()
	require.NoError(t, err)
	now := time.Now()

	ft := newFakeTransport()
	legacyEv, err := legacy.BuildEvent(bob.Priv, alice.Pub.Hex(), "old school", now.Add(-time.Hour))
	require.NoError(t, err)
	ft.addEvent(fallbackRelay, *legacyEv)
	ft.addEvent(fallbackRelay, wrapAddressedTo(t, bob, alice.Pub.Hex(), "wrapped", now))

	e := newTestEngine(t, ft, newFakeStore(), alice)
	require.NoError(t, e.Start(context.Background()))

	snap := e.Snapshot()
	assert.Equal(t, PhaseReady, snap.Phase)
	require.Len(t, snap.Conversations, 1)
	require.Len(t, snap.Conversations[0].Messages, 2)

	contents := []string{snap.Conversations[0].Messages[0].Content, snap.Conversations[0].Messages[1].Content}
	assert.Contains(t, contents, "old school")
	assert.Contains(t, contents, "wrapped")
	assert.True(t, snap.Conversations[0].IsRequest())
}

func TestWarmStartQueryBounds(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)
	lastCache := time.Now().Add(-time.Hour).Truncate(time.Second)

	fs := newFakeStore()
	prior := common.NewSyncState(alice.Pub.Hex())
	prior.LastCacheTime = lastCache
	fs.states[alice.Pub.Hex()] = prior

	ft := newFakeTransport()
	e := newTestEngine(t, ft, fs, alice)
	require.NoError(t, e.Start(context.Background()))

	var legacySince, privateSince *int64
	ft.mu.Lock()
	for _, q := range ft.queries {
		for _, flt := range q.filters {
			if containsKind(flt.Kinds, relay.KindLegacyMessage) && legacySince == nil {
				legacySince = flt.Since
			}
			if containsKind(flt.Kinds, relay.KindGiftWrap) && privateSince == nil {
				privateSince = flt.Since
			}
		}
	}
	ft.mu.Unlock()

	require.NotNil(t, legacySince)
	require.NotNil(t, privateSince)
	// Warm starts rewind by the overlap; private scans rewind further by the
	// outer-timestamp fuzz window.
	assert.Equal(t, lastCache.Add(-5*time.Minute).Unix(), *legacySince)
	assert.Equal(t, lastCache.Add(-5*time.Minute).Add(-giftwrap.TimestampFuzzWindow).Unix(), *privateSince)
}

func TestScanPagesThroughHistory(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bob, err := key_ed25519.NewPair()
	require.NoError(t, err)
	base := time.Now().Add(-time.Hour)

	ft := newFakeTransport()
	for i := 0; i < 5; i++ {
		ev, err := legacy.BuildEvent(bob.Priv, alice.Pub.Hex(), "msg", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		ft.addEvent(fallbackRelay, *ev)
	}

	// BatchSize is 2, so five events take three pages.
	e := newTestEngine(t, ft, newFakeStore(), alice)
	require.NoError(t, e.Start(context.Background()))

	snap := e.Snapshot()
	require.Len(t, snap.Conversations, 1)
	assert.Len(t, snap.Conversations[0].Messages, 5)
	assert.False(t, snap.Scan.QueryLimitReached)
	assert.GreaterOrEqual(t, snap.Scan.EventsFetched, 5)
}

func TestScanPagesEachDirectionIndependently(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bob, err := key_ed25519.NewPair()
	require.NoError(t, err)
	base := time.Now().Add(-24 * time.Hour)

	// Two received messages, far older than six sent ones. The received
	// direction exhausts quickly; its pages must not drag the sent
	// direction's cursor past the unfetched middle of that history.
	ft := newFakeTransport()
	for i := 0; i < 2; i++ {
		ev, err := legacy.BuildEvent(bob.Priv, alice.Pub.Hex(), "received", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		ft.addEvent(fallbackRelay, *ev)
	}
	for i := 0; i < 6; i++ {
		ev, err := legacy.BuildEvent(alice.Priv, bob.Pub.Hex(), "sent", base.Add(20*time.Hour).Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		ft.addEvent(fallbackRelay, *ev)
	}

	// BatchSize is 2, so the sent direction needs three pages of its own.
	e := newTestEngine(t, ft, newFakeStore(), alice)
	require.NoError(t, e.Start(context.Background()))

	snap := e.Snapshot()
	assert.False(t, snap.Scan.QueryLimitReached)
	require.Len(t, snap.Conversations, 1)
	require.Len(t, snap.Conversations[0].Messages, 8)

	sent := 0
	for _, m := range snap.Conversations[0].Messages {
		if m.Content == "sent" {
			sent++
		}
	}
	assert.Equal(t, 6, sent)
}

func TestScanSurfacesLimitCeiling(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bob, err := key_ed25519.NewPair()
	require.NoError(t, err)
	base := time.Now().Add(-time.Hour)

	ft := newFakeTransport()
	for i := 0; i < 8; i++ {
		ev, err := legacy.BuildEvent(bob.Priv, alice.Pub.Hex(), "msg", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		ft.addEvent(fallbackRelay, *ev)
	}

	e, err := NewEngine(Config{
		Priv:             alice.Priv,
		FallbackRelays:   []string{fallbackRelay},
		BatchSize:        2,
		MaxEvents:        4,
		Overlap:          5 * time.Minute,
		QueryTimeout:     time.Second,
		PublishTimeout:   time.Second,
		OptimisticWindow: time.Minute,
		PersistDebounce:  10 * time.Millisecond,
	}, ft, newFakeStore())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	require.NoError(t, e.Start(context.Background()))

	snap := e.Snapshot()
	// Truncation is never silent.
	assert.True(t, snap.Scan.QueryLimitReached)
	require.Len(t, snap.Conversations, 1)
	assert.Less(t, len(snap.Conversations[0].Messages), 8)
}

func TestMidScanFailureKeepsEarlierBatches(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bob, err := key_ed25519.NewPair()
	require.NoError(t, err)
	base := time.Now().Add(-time.Hour)

	ft := newFakeTransport()
	for i := 0; i < 4; i++ {
		ev, err := legacy.BuildEvent(bob.Priv, alice.Pub.Hex(), "msg", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		ft.addEvent(fallbackRelay, *ev)
	}
	// First legacy page succeeds, the second errors mid-scan.
	ft.failKind[relay.KindLegacyMessage] = 2

	e := newTestEngine(t, ft, newFakeStore(), alice)
	err = e.Start(context.Background())

	var qf *RelayQueryFailed
	require.ErrorAs(t, err, &qf)
	assert.Equal(t, common.ProtocolLegacy, qf.Protocol)

	snap := e.Snapshot()
	assert.Equal(t, PhaseReady, snap.Phase)
	require.Len(t, snap.Conversations, 1)
	// The batch fetched before the failure is retained, not discarded.
	assert.Len(t, snap.Conversations[0].Messages, 2)

	found := false
	for _, n := range snap.Notices {
		if n.Message == qf.Error() {
			found = true
		}
	}
	assert.True(t, found, "expected the query failure among the notices")
}

func TestFailedQueryKeepsPersistedCursor(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)
	lastCache := time.Now().Add(-2 * time.Hour).Truncate(time.Second)

	fs := newFakeStore()
	prior := common.NewSyncState(alice.Pub.Hex())
	prior.LastCacheTime = lastCache
	fs.states[alice.Pub.Hex()] = prior

	ft := newFakeTransport()
	ft.failKind[relay.KindLegacyMessage] = 1

	e := newTestEngine(t, ft, fs, alice)
	err = e.Start(context.Background())
	var qf *RelayQueryFailed
	require.ErrorAs(t, err, &qf)
	e.Close()

	// The window the failed query missed must fall inside the next warm
	// start's bounds, so the cache time cannot move past it.
	cached := fs.cached(alice.Pub.Hex())
	require.NotNil(t, cached)
	assert.True(t, cached.LastCacheTime.Equal(lastCache),
		"cache time advanced past a window the failed query never fetched")
}

func TestCloseCancelsInFlightSync(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)

	ft := newFakeTransport()
	ft.blockUntilCancel = true
	e := newTestEngine(t, ft, newFakeStore(), alice)

	done := make(chan error, 1)
	go func() { done <- e.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	e.Close()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sync pass still running after Close")
	}
}

func TestSubscriptionDeliveryReachesSnapshot(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bob, err := key_ed25519.NewPair()
	require.NoError(t, err)

	ft := newFakeTransport()
	e := newTestEngine(t, ft, newFakeStore(), alice)
	require.NoError(t, e.Start(context.Background()))

	subs := ft.subsForKind(relay.KindGiftWrap)
	require.NotEmpty(t, subs)
	subs[0].ch <- wrapAddressedTo(t, bob, alice.Pub.Hex(), "live hello", time.Now())

	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		for _, conv := range snap.Conversations {
			for _, m := range conv.Messages {
				if m.Content == "live hello" {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRefreshRelaySetRecreatesSubscriptions(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)

	ft := newFakeTransport()
	e := newTestEngine(t, ft, newFakeStore(), alice)
	require.NoError(t, e.Start(context.Background()))

	ft.mu.Lock()
	before := len(ft.subs)
	ft.mu.Unlock()
	require.Greater(t, before, 0)

	// Alice publishes a DM-inbox list; her read set moves off the fallback.
	doc := relay.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      relay.KindDMInboxRelays,
		Tags:      relay.Tags{{"relay", "ws://inbox.alice"}},
	}
	require.NoError(t, doc.Sign(alice.Priv))
	ft.addEvent(fallbackRelay, doc)

	require.NoError(t, e.RefreshRelaySet(context.Background()))

	ft.mu.Lock()
	after := len(ft.subs)
	last := ft.subs[len(ft.subs)-1]
	ft.mu.Unlock()
	assert.Greater(t, after, before)
	assert.Equal(t, []string{"ws://inbox.alice"}, last.relays)
}

func TestPublishRelayListsReachesDeclaredRelays(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)

	ft := newFakeTransport()
	e := newTestEngine(t, ft, newFakeStore(), alice)
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, e.PublishRelayLists(context.Background(),
		[]string{"ws://inbox.alice"}, []string{"ws://read.alice"}))

	ft.mu.Lock()
	inboxDocs := append([]relay.Event(nil), ft.published["ws://inbox.alice"]...)
	readDocs := append([]relay.Event(nil), ft.published["ws://read.alice"]...)
	ft.mu.Unlock()

	// A first-time routing document must reach the relays it names, even
	// though no published list points at them yet.
	require.Len(t, inboxDocs, 1)
	assert.Equal(t, relay.KindDMInboxRelays, inboxDocs[0].Kind)
	assert.NoError(t, inboxDocs[0].Verify())
	assert.Equal(t, "ws://inbox.alice", inboxDocs[0].FirstTag("relay"))

	require.Len(t, readDocs, 1)
	assert.Equal(t, relay.KindRelayList, readDocs[0].Kind)
	assert.NoError(t, readDocs[0].Verify())
}

func TestSendPrivatePublishesWrapPerParticipant(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bob, err := key_ed25519.NewPair()
	require.NoError(t, err)

	ft := newFakeTransport()
	e := newTestEngine(t, ft, newFakeStore(), alice)
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, e.SendMessage(context.Background(), []string{bob.Pub.Hex()}, "yo", common.ProtocolPrivate, nil))

	ft.mu.Lock()
	published := append([]relay.Event(nil), ft.published[fallbackRelay]...)
	ft.mu.Unlock()
	require.Len(t, published, 2)

	addressed := make(map[string]bool)
	for i := range published {
		assert.Equal(t, relay.KindGiftWrap, published[i].Kind)
		addressed[published[i].FirstTag("p")] = true
	}
	assert.True(t, addressed[alice.Pub.Hex()], "sender keeps an own copy")
	assert.True(t, addressed[bob.Pub.Hex()])

	snap := e.Snapshot()
	require.Len(t, snap.Conversations, 1)
	require.Len(t, snap.Conversations[0].Messages, 1)
	got := snap.Conversations[0].Messages[0]
	assert.True(t, got.Pending)
	assert.NotEmpty(t, got.WrapID)
	assert.Equal(t, "yo", got.Content)
}

func TestSendPrivateReportsFailedRecipients(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bob, err := key_ed25519.NewPair()
	require.NoError(t, err)

	ft := newFakeTransport()
	ft.failPub[fallbackRelay] = errors.New("relay rejected event")

	e := newTestEngine(t, ft, newFakeStore(), alice)
	require.NoError(t, e.Start(context.Background()))

	err = e.SendMessage(context.Background(), []string{bob.Pub.Hex()}, "yo", common.ProtocolPrivate, nil)
	var pf *PublishPartialFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, []string{bob.Pub.Hex()}, pf.FailedRecipients)
}

func TestSendLegacyRejectsGroups(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bob, err := key_ed25519.NewPair()
	require.NoError(t, err)
	carol, err := key_ed25519.NewPair()
	require.NoError(t, err)

	e := newTestEngine(t, newFakeTransport(), newFakeStore(), alice)
	err = e.SendMessage(context.Background(), []string{bob.Pub.Hex(), carol.Pub.Hex()}, "all", common.ProtocolLegacy, nil)
	assert.ErrorIs(t, err, legacy.ErrGroupUnsupported)
}

func TestCacheHoldsCiphertextAtRest(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bob, err := key_ed25519.NewPair()
	require.NoError(t, err)
	now := time.Now()

	ft := newFakeTransport()
	ft.addEvent(fallbackRelay, wrapAddressedTo(t, bob, alice.Pub.Hex(), "sensitive", now))

	fs := newFakeStore()
	e := newTestEngine(t, ft, fs, alice)
	require.NoError(t, e.Start(context.Background()))
	e.Close()

	cached := fs.cached(alice.Pub.Hex())
	require.NotNil(t, cached)
	for _, conv := range cached.Conversations {
		for _, m := range conv.Messages {
			assert.Empty(t, m.Content, "plaintext must not be persisted")
			assert.NotNil(t, m.Raw, "the envelope is the only thing persisted")
			assert.False(t, m.Pending)
		}
	}
}

func TestWarmStartRehydratesFromEnvelopes(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bob, err := key_ed25519.NewPair()
	require.NoError(t, err)
	now := time.Now()

	ft := newFakeTransport()
	ft.addEvent(fallbackRelay, wrapAddressedTo(t, bob, alice.Pub.Hex(), "sensitive", now))
	fs := newFakeStore()

	first := newTestEngine(t, ft, fs, alice)
	require.NoError(t, first.Start(context.Background()))
	first.Close()

	second := newTestEngine(t, ft, fs, alice)
	require.NoError(t, second.Start(context.Background()))

	snap := second.Snapshot()
	require.Len(t, snap.Conversations, 1)
	require.NotEmpty(t, snap.Conversations[0].Messages)
	assert.Equal(t, "sensitive", snap.Conversations[0].Messages[0].Content)
}

func TestClearCacheAndRefetch(t *testing.T) {
	alice, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bob, err := key_ed25519.NewPair()
	require.NoError(t, err)
	now := time.Now()

	ft := newFakeTransport()
	ft.addEvent(fallbackRelay, wrapAddressedTo(t, bob, alice.Pub.Hex(), "still here", now))
	fs := newFakeStore()

	e := newTestEngine(t, ft, fs, alice)
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.ClearCacheAndRefetch(context.Background()))

	snap := e.Snapshot()
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, "still here", snap.Conversations[0].Messages[0].Content)
}
