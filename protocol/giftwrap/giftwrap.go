package giftwrap

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"relaydm/common"
	"relaydm/crypto/chacha20"
	"relaydm/crypto/hkdf"
	"relaydm/crypto/key_ed25519"
	"relaydm/relay"
)

// conversationKey derives the pairwise AEAD key between a private key holder
// and a counterpart public key. Symmetric in who derives it.
func conversationKey(priv key_ed25519.PrivateKey, counterpartPubHex string) ([32]byte, error) {
	var key [32]byte
	pub, err := key_ed25519.PublicKeyFromHex(counterpartPubHex)
	if err != nil {
		return key, fmt.Errorf("counterpart key: %w", err)
	}
	secret, err := keyAgreement(priv, pub)
	if err != nil {
		return key, err
	}
	derived, err := hkdf.New32BytesKeyFromSecret(secret)
	if err != nil {
		return key, err
	}
	copy(key[:], derived)
	return key, nil
}

func keyAgreement(priv key_ed25519.PrivateKey, pub key_ed25519.PublicKey) ([]byte, error) {
	privScalar, err := priv.ToScalar()
	if err != nil {
		return nil, err
	}
	pubPoint, err := pub.ToPoint()
	if err != nil {
		return nil, err
	}
	return key_ed25519.Suite.Point().Mul(privScalar, pubPoint).MarshalBinary()
}

// fuzzedTimestamp returns now minus a uniformly random slice of the fuzz
// window, so outer envelopes never reveal the real send time.
func fuzzedTimestamp(now time.Time) int64 {
	window := int64(TimestampFuzzWindow / time.Second)
	n, err := rand.Int(rand.Reader, big.NewInt(window))
	if err != nil {
		// Degrading to the full window is safer than degrading to zero.
		return now.Unix() - window
	}
	return now.Unix() - n.Int64()
}

// NewInner builds the unsigned inner message shared by every gift wrap of a
// send. Attachment-bearing messages use the file kind; everything downstream
// treats the two kinds identically except for the preview subject.
func NewInner(senderPubHex string, recipients []string, content string, subject string, attachments []common.Attachment, now time.Time) relay.Event {
	kind := relay.KindPrivateText
	tags := relay.Tags{}
	for _, r := range common.ParticipantSet(recipients...) {
		tags = append(tags, relay.Tag{"p", r})
	}
	if subject != "" {
		tags = append(tags, relay.Tag{"subject", subject})
	}
	if len(attachments) > 0 {
		kind = relay.KindPrivateFile
		for _, a := range attachments {
			tags = append(tags, relay.Tag{"attachment", a.URL, a.MimeType, a.SHA256})
		}
	}
	ev := relay.Event{
		PubKey:    senderPubHex,
		CreatedAt: now.Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	// The inner message is never signed: a signed plaintext could be leaked
	// and attributed. Integrity comes from the seal signature around it.
	ev.ID = ev.ComputeID()
	return ev
}

// WrapAll produces one gift wrap per member of recipients ∪ {sender}. The
// sender always wraps a copy to themself for multi-device visibility.
func WrapAll(senderPriv key_ed25519.PrivateKey, inner relay.Event, now time.Time) ([]relay.Event, error) {
	senderPub, err := senderPriv.Public()
	if err != nil {
		return nil, err
	}
	targets := common.ParticipantSet(append(inner.TagValues("p"), senderPub.Hex())...)

	wraps := make([]relay.Event, 0, len(targets))
	for _, recipient := range targets {
		wrap, err := wrapOne(senderPriv, recipient, inner, now)
		if err != nil {
			return nil, fmt.Errorf("wrap for %s: %w", recipient, err)
		}
		wraps = append(wraps, *wrap)
	}
	return wraps, nil
}

func wrapOne(senderPriv key_ed25519.PrivateKey, recipient string, inner relay.Event, now time.Time) (*relay.Event, error) {
	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}

	// Seal: signed by the true sender, encrypted for one recipient.
	sealKey, err := conversationKey(senderPriv, recipient)
	if err != nil {
		return nil, err
	}
	sealed, err := chacha20.Encrypt(innerJSON, sealKey)
	if err != nil {
		return nil, err
	}
	seal := relay.Event{
		CreatedAt: fuzzedTimestamp(now),
		Kind:      relay.KindSeal,
		Tags:      relay.Tags{},
		Content:   encodeB64(sealed),
	}
	if err := seal.Sign(senderPriv); err != nil {
		return nil, err
	}

	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nil, err
	}

	// Gift wrap: signed by a throwaway key that exists only for this one
	// signature, so the outer envelope leaks nothing about the sender.
	eph, err := key_ed25519.NewPair()
	if err != nil {
		return nil, err
	}
	wrapKey, err := conversationKey(eph.Priv, recipient)
	if err != nil {
		return nil, err
	}
	wrapped, err := chacha20.Encrypt(sealJSON, wrapKey)
	if err != nil {
		return nil, err
	}
	wrap := relay.Event{
		CreatedAt: fuzzedTimestamp(now),
		Kind:      relay.KindGiftWrap,
		Tags:      relay.Tags{{"p", recipient}},
		Content:   encodeB64(wrapped),
	}
	if err := wrap.Sign(eph.Priv); err != nil {
		return nil, err
	}
	return &wrap, nil
}

// Unwrap opens both layers with the local user's long-term key. Any
// malformed intermediate yields a typed failure, never a partial result.
func Unwrap(ownPriv key_ed25519.PrivateKey, wrap *relay.Event) (*Unwrapped, error) {
	if wrap.Kind != relay.KindGiftWrap {
		return nil, fmt.Errorf("%w: outer kind %d", ErrMalformedEnvelope, wrap.Kind)
	}

	wrapKey, err := conversationKey(ownPriv, wrap.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	sealJSON, err := decryptB64(wrap.Content, wrapKey)
	if err != nil {
		return nil, fmt.Errorf("%w: gift wrap layer: %v", ErrDecryptFailed, err)
	}

	var seal relay.Event
	if err := json.Unmarshal(sealJSON, &seal); err != nil {
		return nil, fmt.Errorf("%w: seal does not parse", ErrMalformedEnvelope)
	}
	if seal.Kind != relay.KindSeal {
		return nil, fmt.Errorf("%w: seal kind %d", ErrMalformedEnvelope, seal.Kind)
	}
	if err := seal.Verify(); err != nil {
		return nil, fmt.Errorf("%w: seal signature: %v", ErrMalformedEnvelope, err)
	}

	sealKey, err := conversationKey(ownPriv, seal.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	innerJSON, err := decryptB64(seal.Content, sealKey)
	if err != nil {
		return nil, fmt.Errorf("%w: seal layer: %v", ErrDecryptFailed, err)
	}

	var inner relay.Event
	if err := json.Unmarshal(innerJSON, &inner); err != nil {
		return nil, fmt.Errorf("%w: inner message does not parse", ErrMalformedEnvelope)
	}
	if inner.Kind != relay.KindPrivateText && inner.Kind != relay.KindPrivateFile {
		return nil, fmt.Errorf("%w: inner kind %d", ErrMalformedEnvelope, inner.Kind)
	}
	if inner.ID != inner.ComputeID() {
		return nil, fmt.Errorf("%w: inner id mismatch", ErrMalformedEnvelope)
	}
	// The seal signer is the authenticated sender; an inner message claiming
	// someone else is forged.
	if inner.PubKey != seal.PubKey {
		return nil, fmt.Errorf("%w: inner sender differs from seal signer", ErrMalformedEnvelope)
	}
	recipients := inner.TagValues("p")
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: inner message has no recipients", ErrMalformedEnvelope)
	}

	participants := common.ParticipantSet(append(recipients, seal.PubKey)...)
	return &Unwrapped{
		WrapID:         wrap.ID,
		Inner:          inner,
		Seal:           seal,
		SenderPubkey:   seal.PubKey,
		Participants:   participants,
		ConversationID: common.ConversationID(participants...),
	}, nil
}
