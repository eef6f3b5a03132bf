package legacy

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"relaydm/crypto"
	"relaydm/crypto/aes256"
	"relaydm/crypto/dh25519"
	"relaydm/crypto/hkdf"
	"relaydm/crypto/hmac"
	"relaydm/crypto/key_ed25519"
	"relaydm/relay"
)

var (
	ErrMalformedContent = errors.New("malformed legacy content")
	ErrMACMismatch      = errors.New("legacy mac mismatch")
	// ErrGroupUnsupported: one recipient per legacy message is a protocol
	// constraint, not a limitation to work around.
	ErrGroupUnsupported = errors.New("legacy protocol supports exactly one recipient")

	hkdfSalt = []byte("LegacyMessageKeys")
)

// conversationKeys derives the symmetric encryption and MAC keys shared by
// the two endpoints. The derivation is symmetric in who calls it.
func conversationKeys(ownPriv key_ed25519.PrivateKey, counterpartPub key_ed25519.PublicKey) (encKey [32]byte, macKey [32]byte, err error) {
	secret, err := dh25519.GetSecret(&ownPriv, &counterpartPub)
	if err != nil {
		return encKey, macKey, err
	}
	buffer := make([]byte, 64)
	if _, err := hkdf.KDF(crypto.DefaultHashFunc, secret, hkdfSalt, nil, buffer); err != nil {
		return encKey, macKey, err
	}
	copy(encKey[:], buffer[:32])
	copy(macKey[:], buffer[32:])
	return encKey, macKey, nil
}

// Encrypt produces the legacy content string: base64(ct)?iv=base64(iv)&mac=base64(tag).
func Encrypt(ownPriv key_ed25519.PrivateKey, counterpartPub key_ed25519.PublicKey, plaintext string) (string, error) {
	encKey, macKey, err := conversationKeys(ownPriv, counterpartPub)
	if err != nil {
		return "", err
	}
	iv, err := aes256.NewIV()
	if err != nil {
		return "", err
	}
	ciphertext, err := aes256.Encrypt([]byte(plaintext), encKey, iv)
	if err != nil {
		return "", err
	}
	tag := hmac.Hash(crypto.DefaultHashFunc, macKey[:], append(iv[:], ciphertext...))

	b64 := base64.StdEncoding
	return fmt.Sprintf("%s?iv=%s&mac=%s",
		b64.EncodeToString(ciphertext), b64.EncodeToString(iv[:]), b64.EncodeToString(tag)), nil
}

// Decrypt opens a legacy content string produced by either endpoint.
func Decrypt(ownPriv key_ed25519.PrivateKey, counterpartPub key_ed25519.PublicKey, content string) (string, error) {
	ctPart, rest, found := strings.Cut(content, "?iv=")
	if !found {
		return "", ErrMalformedContent
	}
	ivPart, macPart, found := strings.Cut(rest, "&mac=")
	if !found {
		return "", ErrMalformedContent
	}

	b64 := base64.StdEncoding
	ciphertext, err := b64.DecodeString(ctPart)
	if err != nil {
		return "", ErrMalformedContent
	}
	ivBytes, err := b64.DecodeString(ivPart)
	if err != nil || len(ivBytes) != 16 {
		return "", ErrMalformedContent
	}
	tag, err := b64.DecodeString(macPart)
	if err != nil {
		return "", ErrMalformedContent
	}

	encKey, macKey, err := conversationKeys(ownPriv, counterpartPub)
	if err != nil {
		return "", err
	}

	expected := hmac.Hash(crypto.DefaultHashFunc, macKey[:], append(ivBytes, ciphertext...))
	if !hmac.Equal(tag, expected) {
		return "", ErrMACMismatch
	}

	var iv [16]byte
	copy(iv[:], ivBytes)
	plaintext, err := aes256.Decrypt(ciphertext, encKey, iv)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// BuildEvent encrypts the plaintext for one recipient and returns the signed
// wire event.
func BuildEvent(senderPriv key_ed25519.PrivateKey, recipientPubHex string, plaintext string, now time.Time) (*relay.Event, error) {
	recipientPub, err := key_ed25519.PublicKeyFromHex(recipientPubHex)
	if err != nil {
		return nil, fmt.Errorf("recipient key: %w", err)
	}
	content, err := Encrypt(senderPriv, recipientPub, plaintext)
	if err != nil {
		return nil, err
	}
	ev := &relay.Event{
		CreatedAt: now.Unix(),
		Kind:      relay.KindLegacyMessage,
		Tags:      relay.Tags{{"p", recipientPubHex}},
		Content:   content,
	}
	if err := ev.Sign(senderPriv); err != nil {
		return nil, err
	}
	return ev, nil
}

// DecryptEvent opens a legacy event addressed to or sent by the local user,
// returning the plaintext and the counterpart's public key.
func DecryptEvent(ownPriv key_ed25519.PrivateKey, ownPubHex string, ev *relay.Event) (plaintext string, counterpart string, err error) {
	if ev.Kind != relay.KindLegacyMessage {
		return "", "", ErrMalformedContent
	}
	counterpart = ev.PubKey
	if ev.PubKey == ownPubHex {
		counterpart = ev.FirstTag("p")
	}
	if counterpart == "" {
		return "", "", ErrMalformedContent
	}
	counterpartPub, err := key_ed25519.PublicKeyFromHex(counterpart)
	if err != nil {
		return "", "", fmt.Errorf("counterpart key: %w", err)
	}
	plaintext, err = Decrypt(ownPriv, counterpartPub, ev.Content)
	if err != nil {
		return "", counterpart, err
	}
	return plaintext, counterpart, nil
}
