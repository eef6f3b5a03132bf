package client

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"relaydm/common"
	"relaydm/configs"
	"relaydm/crypto/key_ed25519"
	"relaydm/protocol/giftwrap"
	"relaydm/protocol/legacy"
	"relaydm/relay"
	"relaydm/store"
)

var logger = logrus.New()

// Phase is the orchestrator's position in the sync sequence. Errors are
// absorbed per phase: a failed phase is reported through notices and the
// sequence still advances, so the engine never deadlocks short of READY.
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseCache         Phase = "CACHE"
	PhaseInitialQuery  Phase = "INITIAL_QUERY"
	PhaseGapFill       Phase = "GAP_FILL"
	PhaseSubscriptions Phase = "SUBSCRIPTIONS"
	PhaseReady         Phase = "READY"
)

// Notice is a user-visible, dismissible connectivity or sync warning. It
// always names the specific endpoints involved.
type Notice struct {
	Message   string
	Endpoints []string
	Time      time.Time
}

// ScanProgress is surfaced so the UI can tell the user when history was
// truncated at the configured ceiling instead of silently cutting it off.
type ScanProgress struct {
	EventsFetched     int
	QueryLimitReached bool
}

// Snapshot is the reactive view handed to presentation. Everything in it is
// a copy; holders never share memory with engine state.
type Snapshot struct {
	Phase         Phase
	Conversations []common.Conversation
	Notices       []Notice
	Scan          ScanProgress
}

// Config carries the per-session tunables. Zero fields fall back to the
// package defaults in configs.
type Config struct {
	Priv key_ed25519.PrivateKey

	FallbackRelays   []string
	BatchSize        int
	MaxEvents        int
	Overlap          time.Duration
	QueryTimeout     time.Duration
	PublishTimeout   time.Duration
	ResolutionTTL    time.Duration
	OptimisticWindow time.Duration
	PersistDebounce  time.Duration
}

func (c *Config) withDefaults() {
	if len(c.FallbackRelays) == 0 {
		c.FallbackRelays = configs.FallbackRelays
	}
	if c.BatchSize == 0 {
		c.BatchSize = configs.SyncBatchSize
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = configs.SyncMaxEvents
	}
	if c.Overlap == 0 {
		c.Overlap = configs.SyncOverlap
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = configs.QueryTimeout
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = configs.PublishTimeout
	}
	if c.ResolutionTTL == 0 {
		c.ResolutionTTL = configs.RelayResolutionTTL
	}
	if c.OptimisticWindow == 0 {
		c.OptimisticWindow = configs.OptimisticMatchWindow
	}
	if c.PersistDebounce == 0 {
		c.PersistDebounce = configs.PersistDebounce
	}
}

// Engine is the per-user-session sync actor. All conversation state is
// mutated only here, through Merge; the sync pass and the subscription
// consumers propose message batches and never touch state directly.
type Engine struct {
	cfg       Config
	pub       string
	transport Transport
	store     store.Store
	resolver  *Resolver

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         *common.SyncState
	phase         Phase
	notices       []Notice
	scan          ScanProgress
	ownRelays     []string
	cursorLegacy  time.Time
	cursorPrivate time.Time
	cursorHeld    bool
	dirty         bool
	lastPersist   time.Time
	persistTimer  *time.Timer
	subCancel     context.CancelFunc

	updates   chan Snapshot
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewEngine(cfg Config, transport Transport, st store.Store) (*Engine, error) {
	cfg.withDefaults()
	pub, err := cfg.Priv.Public()
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		pub:       pub.Hex(),
		transport: transport,
		store:     st,
		resolver:  NewResolver(transport, cfg.FallbackRelays, cfg.QueryTimeout),
		ctx:       ctx,
		cancel:    cancel,
		state:     common.NewSyncState(pub.Hex()),
		phase:     PhaseIdle,
		updates:   make(chan Snapshot, 1),
	}
	return e, nil
}

// PubKey returns the session user's public key in wire form.
func (e *Engine) PubKey() string { return e.pub }

// Start drives the cold/warm start sequence to READY and leaves the live
// subscriptions running. A non-nil return is the structured error of a
// failed primary query; the engine is still live and incomplete history is
// already reflected in the snapshot.
func (e *Engine) Start(ctx context.Context) error {
	return e.runPass(ctx)
}

// runPass ties one sync pass to the engine lifetime: Close cancels its
// queries and waits for it to unwind before the final flush.
func (e *Engine) runPass(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	e.wg.Add(1)
	defer e.wg.Done()
	return e.runSync(ctx)
}

// Updates emits a fresh snapshot after every state change, latest-wins.
func (e *Engine) Updates() <-chan Snapshot { return e.updates }

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Phase:   e.phase,
		Notices: append([]Notice(nil), e.notices...),
		Scan:    e.scan,
	}
	clone := e.state.Clone()
	for _, conv := range clone.Conversations {
		snap.Conversations = append(snap.Conversations, *conv)
	}
	sort.Slice(snap.Conversations, func(i, j int) bool {
		return snap.Conversations[i].LastActivity.After(snap.Conversations[j].LastActivity)
	})
	return snap
}

func (e *Engine) publishSnapshot() {
	e.mu.Lock()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	// Latest-wins: replace a stale queued snapshot rather than block.
	for {
		select {
		case e.updates <- snap:
			return
		default:
			select {
			case <-e.updates:
			default:
			}
		}
	}
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
	logger.Debugf("sync phase: %s", p)
	e.publishSnapshot()
}

func (e *Engine) addNotice(err error, endpoints []string) {
	e.mu.Lock()
	e.notices = append(e.notices, Notice{Message: err.Error(), Endpoints: endpoints, Time: time.Now()})
	e.mu.Unlock()
}

// DismissNotices clears the banner queue.
func (e *Engine) DismissNotices() {
	e.mu.Lock()
	e.notices = nil
	e.mu.Unlock()
	e.publishSnapshot()
}

// apply is the single door through which message batches enter the state.
func (e *Engine) apply(msgs []common.Message) {
	if len(msgs) == 0 {
		return
	}
	e.mu.Lock()
	e.state = Merge(e.state, msgs, time.Now(), e.cfg.OptimisticWindow)
	e.dirty = true
	e.mu.Unlock()
	e.persistSoon()
	e.publishSnapshot()
}

// persistSoon debounces cache writes. A merge landing while no flush is
// pending and none happened recently is flushed immediately, bounding data
// loss on crash; bursts coalesce into one scheduled write.
func (e *Engine) persistSoon() {
	e.mu.Lock()
	if e.persistTimer != nil {
		e.mu.Unlock()
		return
	}
	if time.Since(e.lastPersist) >= e.cfg.PersistDebounce {
		e.mu.Unlock()
		e.flush()
		return
	}
	e.persistTimer = time.AfterFunc(e.cfg.PersistDebounce, func() {
		e.mu.Lock()
		e.persistTimer = nil
		e.mu.Unlock()
		e.flush()
	})
	e.mu.Unlock()
}

func (e *Engine) flush() {
	e.mu.Lock()
	if !e.dirty {
		e.mu.Unlock()
		return
	}
	snapshot := e.state.Clone()
	if !e.cursorHeld {
		// A pass whose primary query failed keeps the prior cache time, so
		// the window it missed falls inside the next warm start's query.
		snapshot.LastCacheTime = time.Now()
		e.state.LastCacheTime = snapshot.LastCacheTime
	}
	e.dirty = false
	e.lastPersist = time.Now()
	e.mu.Unlock()

	snapshot.StripPlaintext()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.WriteCache(ctx, e.pub, snapshot); err != nil {
		logger.Errorf("cache write failed for %s: %v", e.pub, err)
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
	}
}

// SendMessage encrypts, optimistically appends, and publishes. The legacy
// protocol carries exactly one recipient; the private protocol produces one
// gift wrap per recipient plus the sender's own copy.
func (e *Engine) SendMessage(ctx context.Context, recipients []string, content string, protocol common.Protocol, attachments []common.Attachment) error {
	switch protocol {
	case common.ProtocolLegacy:
		return e.sendLegacy(ctx, recipients, content)
	case common.ProtocolPrivate:
		return e.sendPrivate(ctx, recipients, content, attachments)
	default:
		return fmt.Errorf("unknown protocol %q", protocol)
	}
}

func (e *Engine) sendLegacy(ctx context.Context, recipients []string, content string) error {
	if len(recipients) != 1 {
		return legacy.ErrGroupUnsupported
	}
	recipient := recipients[0]
	now := time.Now()

	ev, err := legacy.BuildEvent(e.cfg.Priv, recipient, content, now)
	if err != nil {
		return err
	}

	participants := common.ParticipantSet(e.pub, recipient)
	e.apply([]common.Message{{
		ID:             ev.ID,
		Protocol:       common.ProtocolLegacy,
		ConversationID: common.ConversationID(participants...),
		Participants:   participants,
		SenderPubkey:   e.pub,
		CreatedAt:      now,
		Content:        content,
		Pending:        true,
		FirstSeen:      now,
	}})

	relays := e.deliveryRelays(ctx, recipient, now)
	results := e.transport.Publish(ctx, relays, *ev, e.cfg.PublishTimeout)
	if !anyAccepted(results) {
		return &PublishPartialFailure{FailedRecipients: []string{recipient}, TotalRecipients: 1}
	}
	return nil
}

func (e *Engine) sendPrivate(ctx context.Context, recipients []string, content string, attachments []common.Attachment) error {
	now := time.Now()
	inner := giftwrap.NewInner(e.pub, recipients, content, "", attachments, now)
	wraps, err := giftwrap.WrapAll(e.cfg.Priv, inner, now)
	if err != nil {
		return err
	}

	participants := common.ParticipantSet(append(recipients, e.pub)...)
	placeholder := common.Message{
		ID:             inner.ID,
		Protocol:       common.ProtocolPrivate,
		ConversationID: common.ConversationID(participants...),
		Participants:   participants,
		SenderPubkey:   e.pub,
		CreatedAt:      now,
		Content:        content,
		Attachments:    attachments,
		Pending:        true,
		FirstSeen:      now,
	}
	// The own-copy wrap id is the echo's dedup key; stamping it on the
	// placeholder makes reconciliation exact instead of heuristic.
	for i := range wraps {
		if wraps[i].FirstTag("p") == e.pub {
			placeholder.WrapID = wraps[i].ID
			break
		}
	}
	if placeholder.WrapID == "" {
		placeholder.WrapID = "pending-" + uuid.NewString()
	}
	e.apply([]common.Message{placeholder})

	ownCopyOK := false
	var failed []string
	for i := range wraps {
		recipient := wraps[i].FirstTag("p")
		relays := e.deliveryRelays(ctx, recipient, now)
		results := e.transport.Publish(ctx, relays, wraps[i], e.cfg.PublishTimeout)
		if anyAccepted(results) {
			if recipient == e.pub {
				ownCopyOK = true
			}
			continue
		}
		if recipient == e.pub {
			continue
		}
		failed = append(failed, recipient)
	}

	if len(failed) > 0 {
		return &PublishPartialFailure{
			OwnCopyOK:        ownCopyOK,
			FailedRecipients: failed,
			TotalRecipients:  len(wraps),
		}
	}
	return nil
}

// PublishRelayLists signs and publishes the user's routing documents: the
// DM-inbox list other clients must wrap to, and optionally the general relay
// list with read markers. The publish set includes the relays the documents
// themselves name, which cannot know about them yet. The engine's own relay
// set is refreshed afterwards so new subscriptions land on the new inboxes.
func (e *Engine) PublishRelayLists(ctx context.Context, inboxRelays, readRelays []string) error {
	now := time.Now()
	var docs []relay.Event
	if len(inboxRelays) > 0 {
		var tags relay.Tags
		for _, url := range inboxRelays {
			tags = append(tags, relay.Tag{"relay", url})
		}
		docs = append(docs, relay.Event{CreatedAt: now.Unix(), Kind: relay.KindDMInboxRelays, Tags: tags})
	}
	if len(readRelays) > 0 {
		var tags relay.Tags
		for _, url := range readRelays {
			tags = append(tags, relay.Tag{"r", url, "read"})
		}
		docs = append(docs, relay.Event{CreatedAt: now.Unix(), Kind: relay.KindRelayList, Tags: tags})
	}
	if len(docs) == 0 {
		return fmt.Errorf("no relay lists to publish")
	}

	for i := range docs {
		if err := docs[i].Sign(e.cfg.Priv); err != nil {
			return err
		}
		relays := e.resolver.PublishRelays(ctx, e.pub, &docs[i], now)
		if !anyAccepted(e.transport.Publish(ctx, relays, docs[i], e.cfg.PublishTimeout)) {
			return fmt.Errorf("relay list kind %d rejected by all %d relays", docs[i].Kind, len(relays))
		}
	}
	return e.RefreshRelaySet(ctx)
}

// deliveryRelays resolves the inbox set a copy addressed to recipient must
// land on, reusing the cached participant when fresh.
func (e *Engine) deliveryRelays(ctx context.Context, recipient string, now time.Time) []string {
	e.mu.Lock()
	cached := e.state.Participants[recipient]
	ttl := e.cfg.ResolutionTTL
	e.mu.Unlock()

	if cached != nil && !cached.StaleAfter(ttl, now) && len(cached.DerivedRelays) > 0 {
		return withoutBlocked(cached)
	}

	participant, err := e.resolver.Resolve(ctx, recipient, now)
	if err != nil {
		logger.Infof("delivery relay resolution for %s degraded: %v", recipient, err)
	}
	e.mu.Lock()
	if prior := e.state.Participants[recipient]; prior != nil {
		participant.BlockedRelays = prior.BlockedRelays
	}
	e.state.Participants[recipient] = participant
	e.mu.Unlock()
	return withoutBlocked(participant)
}

func withoutBlocked(p *common.Participant) []string {
	if len(p.BlockedRelays) == 0 {
		return append([]string(nil), p.DerivedRelays...)
	}
	var out []string
	for _, r := range p.DerivedRelays {
		if !p.BlockedRelays[r] {
			out = append(out, r)
		}
	}
	return out
}

func anyAccepted(results []relay.PublishResult) bool {
	for _, r := range results {
		if r.Err == nil {
			return true
		}
	}
	return false
}

// ClearCacheAndRefetch drops the local cache and replays a full cold start.
func (e *Engine) ClearCacheAndRefetch(ctx context.Context) error {
	e.stopSubscriptions()
	if err := e.store.DeleteCache(ctx, e.pub); err != nil {
		return err
	}
	e.mu.Lock()
	e.state = common.NewSyncState(e.pub)
	e.scan = ScanProgress{}
	e.notices = nil
	e.dirty = false
	e.mu.Unlock()
	e.publishSnapshot()
	return e.runPass(ctx)
}

// Close cancels in-flight queries, tears down subscriptions and flushes the
// cache. It must complete before an engine for another user starts, or
// cross-account state could leak into the wrong conversation store.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.stopSubscriptions()
		e.cancel()
		e.mu.Lock()
		if e.persistTimer != nil {
			e.persistTimer.Stop()
			e.persistTimer = nil
		}
		e.mu.Unlock()
		e.wg.Wait()
		e.flush()
		close(e.updates)
	})
}
