package relay

import (
	"testing"

	"relaydm/crypto/key_ed25519"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyEvent(t *testing.T) {
	priv, err := key_ed25519.New()
	require.NoError(t, err)

	ev := Event{
		CreatedAt: 1700000000,
		Kind:      KindLegacyMessage,
		Tags:      Tags{{"p", "deadbeef"}},
		Content:   "ciphertext",
	}
	require.NoError(t, ev.Sign(priv))

	assert.NotEmpty(t, ev.ID)
	assert.NotEmpty(t, ev.PubKey)
	assert.NoError(t, ev.Verify())

	// The id must be deterministic for identical content
	assert.Equal(t, ev.ID, ev.ComputeID())

	// Tampering with the content must break verification
	tampered := ev
	tampered.Content = "other"
	assert.Error(t, tampered.Verify())

	// Tampering with the id must break verification
	tampered = ev
	tampered.ID = tampered.ID[:len(tampered.ID)-2] + "00"
	assert.Error(t, tampered.Verify())

	// A signature from a different key must not verify
	otherPriv, err := key_ed25519.New()
	require.NoError(t, err)
	forged := Event{
		CreatedAt: ev.CreatedAt,
		Kind:      ev.Kind,
		Tags:      ev.Tags,
		Content:   ev.Content,
	}
	require.NoError(t, forged.Sign(otherPriv))
	forged.PubKey = ev.PubKey
	forged.ID = forged.ComputeID()
	assert.Error(t, forged.Verify())
}

func TestFilterMatches(t *testing.T) {
	since := int64(100)
	until := int64(200)

	ev := Event{
		ID:        "abc",
		PubKey:    "alice",
		CreatedAt: 150,
		Kind:      KindGiftWrap,
		Tags:      Tags{{"p", "bob"}},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches everything", Filter{}, true},
		{"kind match", Filter{Kinds: []int{KindGiftWrap}}, true},
		{"kind mismatch", Filter{Kinds: []int{KindLegacyMessage}}, false},
		{"author match", Filter{Authors: []string{"alice", "carol"}}, true},
		{"author mismatch", Filter{Authors: []string{"carol"}}, false},
		{"p tag match", Filter{PTags: []string{"bob"}}, true},
		{"p tag mismatch", Filter{PTags: []string{"carol"}}, false},
		{"since inclusive window", Filter{Since: &since, Until: &until}, true},
		{"since excludes older", Filter{Since: &until}, false},
		{"until excludes newer", Filter{Until: &since}, false},
		{"id match", Filter{IDs: []string{"abc"}}, true},
		{"combined constraints", Filter{Kinds: []int{KindGiftWrap}, PTags: []string{"bob"}, Since: &since}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(&ev))
		})
	}
}
