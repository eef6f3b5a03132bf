package relay

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"relaydm/crypto/key_ed25519"
	"relaydm/crypto/sha256"
	"relaydm/crypto/signer_schnorr"
)

// Event kinds understood by the engine.
const (
	KindLegacyMessage = 4
	KindSeal          = 13
	KindPrivateText   = 14
	KindPrivateFile   = 15
	KindGiftWrap      = 1059
	KindRelayList     = 10002
	KindDMInboxRelays = 10050
)

var (
	ErrBadSignature = errors.New("bad event signature")
	ErrBadEventID   = errors.New("event id does not match content")
)

type Tag []string

type Tags []Tag

// Event is the wire unit exchanged with relays.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig,omitempty"`
}

// ComputeID hashes the canonical serialization of the event. The signature
// is not part of the hash.
func (ev *Event) ComputeID() string {
	canonical, err := json.Marshal([]interface{}{
		0, ev.PubKey, ev.CreatedAt, ev.Kind, ev.Tags, ev.Content,
	})
	if err != nil {
		// Marshalling a slice of strings and ints cannot fail.
		panic(err)
	}
	return hex.EncodeToString(sha256.Hash(canonical))
}

// Sign stamps the event with the signer's public key, recomputes the id and
// signs it.
func (ev *Event) Sign(priv key_ed25519.PrivateKey) error {
	pub, err := priv.Public()
	if err != nil {
		return err
	}
	ev.PubKey = pub.Hex()
	ev.ID = ev.ComputeID()

	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return err
	}
	sig, err := signer_schnorr.Sign(priv, idBytes)
	if err != nil {
		return err
	}
	ev.Sig = hex.EncodeToString(sig)
	return nil
}

// Verify checks the id against the event content and the signature against
// the event's own pubkey.
func (ev *Event) Verify() error {
	if ev.ComputeID() != ev.ID {
		return ErrBadEventID
	}
	pub, err := key_ed25519.PublicKeyFromHex(ev.PubKey)
	if err != nil {
		return fmt.Errorf("event pubkey: %w", err)
	}
	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return ErrBadEventID
	}
	sig, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return ErrBadSignature
	}
	if err := signer_schnorr.Verify(pub, idBytes, sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

// TagValues collects the first value of every tag with the given name.
func (ev *Event) TagValues(name string) []string {
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

// FirstTag returns the first value of the named tag, or "".
func (ev *Event) FirstTag(name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
