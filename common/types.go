package common

import (
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"relaydm/crypto/sha256"
	"relaydm/relay"
)

// Protocol distinguishes the two wire forms a DM can arrive in.
type Protocol string

const (
	ProtocolLegacy  Protocol = "legacy"
	ProtocolPrivate Protocol = "private"
)

// Attachment describes a file referenced by a file-kind message.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// Message is the canonical decrypted form of a DM.
//
// Raw keeps the encrypted envelope as fetched so the cache can be written
// back without plaintext and without re-fetching. DecryptError marks a
// message that could not be opened; it renders as a placeholder and never
// blocks the rest of the conversation.
type Message struct {
	ID             string       `json:"id"`
	WrapID         string       `json:"wrap_id,omitempty"`
	Protocol       Protocol     `json:"protocol"`
	ConversationID string       `json:"conversation_id"`
	Participants   []string     `json:"participants"`
	SenderPubkey   string       `json:"sender_pubkey"`
	CreatedAt      time.Time    `json:"created_at"`
	Content        string       `json:"content,omitempty"`
	Subject        string       `json:"subject,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Raw            *relay.Event `json:"raw,omitempty"`
	DecryptError   string       `json:"decrypt_error,omitempty"`

	// Pending marks an optimistic placeholder that has not yet echoed back
	// through a relay subscription.
	Pending   bool      `json:"pending,omitempty"`
	FirstSeen time.Time `json:"first_seen,omitempty"`
}

// DedupKey identifies the logical message. Gift wraps are re-fetched under
// the same wrap id across overlap windows, so the wrap id is the key for
// private messages; legacy messages key on the event id.
func (m *Message) DedupKey() string {
	if m.WrapID != "" {
		return m.WrapID
	}
	return m.ID
}

// Conversation groups messages by their full participant set.
type Conversation struct {
	ID                 string    `json:"id"`
	ParticipantPubkeys []string  `json:"participant_pubkeys"`
	LastActivity       time.Time `json:"last_activity"`
	IsKnown            bool      `json:"is_known"`
	Messages           []Message `json:"messages"`
}

// IsRequest reports whether the local user has never sent into this
// conversation.
func (c *Conversation) IsRequest() bool { return !c.IsKnown }

// LastMessage returns the newest message, or nil for an empty conversation.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// Participant is a known correspondent, including the local user.
type Participant struct {
	PubKey         string          `json:"pubkey"`
	DerivedRelays  []string        `json:"derived_relays"`
	BlockedRelays  map[string]bool `json:"blocked_relays,omitempty"`
	LastResolvedAt time.Time       `json:"last_resolved_at"`
}

// StaleAfter reports whether the cached relay resolution is older than ttl.
func (p *Participant) StaleAfter(ttl time.Duration, now time.Time) bool {
	return p.LastResolvedAt.IsZero() || now.Sub(p.LastResolvedAt) > ttl
}

// SyncState is the full cached engine state for one user.
type SyncState struct {
	OwnPubKey         string                   `json:"own_pubkey"`
	Conversations     map[string]*Conversation `json:"conversations"`
	Participants      map[string]*Participant  `json:"participants"`
	QueriedRelays     map[string]bool          `json:"queried_relays"`
	LastCacheTime     time.Time                `json:"last_cache_time"`
	QueryLimitReached bool                     `json:"query_limit_reached"`
}

func NewSyncState(ownPubKey string) *SyncState {
	return &SyncState{
		OwnPubKey:     ownPubKey,
		Conversations: make(map[string]*Conversation),
		Participants:  make(map[string]*Participant),
		QueriedRelays: make(map[string]bool),
	}
}

// Clone copies the state deeply enough that merging into the copy never
// mutates the original.
func (s *SyncState) Clone() *SyncState {
	out := &SyncState{
		OwnPubKey:         s.OwnPubKey,
		Conversations:     make(map[string]*Conversation, len(s.Conversations)),
		Participants:      make(map[string]*Participant, len(s.Participants)),
		QueriedRelays:     make(map[string]bool, len(s.QueriedRelays)),
		LastCacheTime:     s.LastCacheTime,
		QueryLimitReached: s.QueryLimitReached,
	}
	for id, conv := range s.Conversations {
		cc := *conv
		cc.ParticipantPubkeys = append([]string(nil), conv.ParticipantPubkeys...)
		cc.Messages = append([]Message(nil), conv.Messages...)
		out.Conversations[id] = &cc
	}
	for pk, p := range s.Participants {
		pp := *p
		pp.DerivedRelays = append([]string(nil), p.DerivedRelays...)
		if p.BlockedRelays != nil {
			pp.BlockedRelays = make(map[string]bool, len(p.BlockedRelays))
			for k, v := range p.BlockedRelays {
				pp.BlockedRelays[k] = v
			}
		}
		out.Participants[pk] = &pp
	}
	for k, v := range s.QueriedRelays {
		out.QueriedRelays[k] = v
	}
	return out
}

// StripPlaintext clears decrypted content from every message that still has
// its envelope, so the cache holds ciphertext at rest. Optimistic
// placeholders have no envelope yet and are dropped entirely.
func (s *SyncState) StripPlaintext() {
	for _, conv := range s.Conversations {
		kept := conv.Messages[:0]
		for _, m := range conv.Messages {
			if m.Pending {
				continue
			}
			if m.Raw != nil {
				m.Content = ""
				m.Subject = ""
				m.Attachments = nil
			}
			kept = append(kept, m)
		}
		conv.Messages = kept
	}
}

// ConversationID derives the stable conversation identity from the full
// participant key set, independent of ordering and duplicates.
func ConversationID(pubkeys ...string) string {
	uniq := make(map[string]bool, len(pubkeys))
	set := make([]string, 0, len(pubkeys))
	for _, pk := range pubkeys {
		if pk == "" || uniq[pk] {
			continue
		}
		uniq[pk] = true
		set = append(set, pk)
	}
	sort.Strings(set)
	return hex.EncodeToString(sha256.Hash([]byte(strings.Join(set, ":"))))
}

// ParticipantSet returns the sorted unique participant keys behind a
// conversation id computed by ConversationID.
func ParticipantSet(pubkeys ...string) []string {
	uniq := make(map[string]bool, len(pubkeys))
	set := make([]string, 0, len(pubkeys))
	for _, pk := range pubkeys {
		if pk == "" || uniq[pk] {
			continue
		}
		uniq[pk] = true
		set = append(set, pk)
	}
	sort.Strings(set)
	return set
}
