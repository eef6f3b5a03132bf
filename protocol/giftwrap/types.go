package giftwrap

import (
	"errors"
	"time"

	"relaydm/relay"
)

const (
	// TimestampFuzzWindow is how far into the past outer envelope timestamps
	// are randomized to defeat timing correlation. Warm-start queries must
	// rewind by this much on top of the usual overlap. Deliberately not
	// configurable.
	TimestampFuzzWindow = 2 * 24 * time.Hour
)

var (
	// ErrMalformedEnvelope covers any layer that does not parse into the
	// expected shape: wrong kind, missing fields, broken JSON. Unwrapping
	// fails closed, never returning a partial result.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrDecryptFailed covers AEAD failures at either layer.
	ErrDecryptFailed = errors.New("envelope decrypt failed")
)

// Unwrapped is the result of fully opening a gift wrap.
type Unwrapped struct {
	// WrapID is the outer event id, the dedup key for private messages.
	WrapID string
	Inner  relay.Event
	Seal   relay.Event
	// SenderPubkey is the seal's signer, the authenticated true sender.
	SenderPubkey string
	// Participants is the sorted set of the sender plus every recipient tag
	// on the inner message.
	Participants []string
	// ConversationID is derived from Participants, never from the outer
	// envelope, so controlling the gift wrap alone cannot spoof membership.
	ConversationID string
}
