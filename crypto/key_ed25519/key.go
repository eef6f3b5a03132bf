package key_ed25519

import (
	"encoding/hex"
	"errors"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/suites"
)

type (
	// PrivateKey is a 32-byte private key
	PrivateKey []byte
	// PublicKey is a 32-byte public key
	PublicKey []byte
	Pair      struct {
		Priv PrivateKey
		Pub  PublicKey
	}
)

var (
	Suite = suites.MustFind("Ed25519") // Use the edwards25519-curve

	ErrInvalidKeyHex = errors.New("invalid key hex")
)

func New() (PrivateKey, error) {
	privK := Suite.Scalar().Pick(Suite.RandomStream())
	return privK.MarshalBinary()
}

// NewPair generates a fresh key pair. Gift wraps are signed by throwaway
// pairs made here and discarded right after signing.
func NewPair() (*Pair, error) {
	priv, err := New()
	if err != nil {
		return nil, err
	}
	pub, err := priv.Public()
	if err != nil {
		return nil, err
	}
	return &Pair{Priv: priv, Pub: pub}, nil
}

func (privB PrivateKey) Public() (PublicKey, error) {
	privK, err := privB.ToScalar()
	if err != nil {
		return nil, err
	}
	pubK := Suite.Point().Mul(privK, nil)
	return pubK.MarshalBinary()
}

func (privB PrivateKey) ToScalar() (kyber.Scalar, error) {
	privK := Suite.Scalar()
	if err := privK.UnmarshalBinary(privB); err != nil {
		return nil, err
	}
	return privK, nil
}

func (pubB PublicKey) ToPoint() (kyber.Point, error) {
	pubK := Suite.Point()
	if err := pubK.UnmarshalBinary(pubB); err != nil {
		return nil, err
	}
	return pubK, nil
}

func (pubB PublicKey) Hex() string {
	return hex.EncodeToString(pubB)
}

func (pubB PublicKey) Equals(other PublicKey) bool {
	if len(pubB) != len(other) {
		return false
	}
	for i := range pubB {
		if pubB[i] != other[i] {
			return false
		}
	}
	return true
}

// PublicKeyFromHex parses the hex form public keys travel in on the wire.
func PublicKeyFromHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, ErrInvalidKeyHex
	}
	pub := PublicKey(b)
	if _, err := pub.ToPoint(); err != nil {
		return nil, ErrInvalidKeyHex
	}
	return pub, nil
}

// PrivateKeyFromHex parses a hex-encoded private key, as loaded from env.
func PrivateKeyFromHex(s string) (PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, ErrInvalidKeyHex
	}
	priv := PrivateKey(b)
	if _, err := priv.ToScalar(); err != nil {
		return nil, ErrInvalidKeyHex
	}
	return priv, nil
}
