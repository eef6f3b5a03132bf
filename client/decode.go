package client

import (
	"time"

	"relaydm/common"
	"relaydm/crypto/key_ed25519"
	"relaydm/protocol/giftwrap"
	"relaydm/protocol/legacy"
	"relaydm/relay"
)

// decodeEvent converts a fetched or streamed event into the canonical
// message form. Crypto failures are converted to typed placeholders here,
// at the unwrap boundary; nothing propagates as a fault into the merge
// engine. The second return is false only when the event cannot even be
// attributed to a conversation.
func decodeEvent(priv key_ed25519.PrivateKey, ownPub string, ev relay.Event) (common.Message, bool) {
	switch ev.Kind {
	case relay.KindLegacyMessage:
		return decodeLegacyEvent(priv, ownPub, ev)
	case relay.KindGiftWrap:
		return decodePrivateEvent(priv, ev)
	default:
		return common.Message{}, false
	}
}

func decodeLegacyEvent(priv key_ed25519.PrivateKey, ownPub string, ev relay.Event) (common.Message, bool) {
	plaintext, counterpart, err := legacy.DecryptEvent(priv, ownPub, &ev)
	if counterpart == "" {
		// No recipient tag at all: not attributable to any conversation.
		return common.Message{}, false
	}
	participants := common.ParticipantSet(ownPub, counterpart)
	msg := common.Message{
		ID:             ev.ID,
		Protocol:       common.ProtocolLegacy,
		ConversationID: common.ConversationID(participants...),
		Participants:   participants,
		SenderPubkey:   ev.PubKey,
		CreatedAt:      time.Unix(ev.CreatedAt, 0),
		Raw:            &ev,
	}
	if err != nil {
		msg.DecryptError = err.Error()
		return msg, true
	}
	msg.Content = plaintext
	return msg, true
}

func decodePrivateEvent(priv key_ed25519.PrivateKey, ev relay.Event) (common.Message, bool) {
	unwrapped, err := giftwrap.Unwrap(priv, &ev)
	if err != nil {
		// The outer envelope is signed by a throwaway key and carries no
		// usable sender, so an unopenable wrap cannot be attributed to a
		// conversation. It is counted and logged, not rendered.
		logger.Debugf("dropping undecryptable gift wrap %s: %v", ev.ID, err)
		return common.Message{}, false
	}

	msg := common.Message{
		ID:             unwrapped.Inner.ID,
		WrapID:         unwrapped.WrapID,
		Protocol:       common.ProtocolPrivate,
		ConversationID: unwrapped.ConversationID,
		Participants:   unwrapped.Participants,
		SenderPubkey:   unwrapped.SenderPubkey,
		CreatedAt:      time.Unix(unwrapped.Inner.CreatedAt, 0),
		Content:        unwrapped.Inner.Content,
		Subject:        unwrapped.Inner.FirstTag("subject"),
		Raw:            &ev,
	}
	for _, tag := range unwrapped.Inner.Tags {
		if len(tag) >= 2 && tag[0] == "attachment" {
			att := common.Attachment{URL: tag[1]}
			if len(tag) >= 3 {
				att.MimeType = tag[2]
			}
			if len(tag) >= 4 {
				att.SHA256 = tag[3]
			}
			msg.Attachments = append(msg.Attachments, att)
		}
	}
	return msg, true
}

// rehydrate re-derives plaintext for cached messages, which are stored with
// their envelopes only.
func rehydrate(priv key_ed25519.PrivateKey, ownPub string, state *common.SyncState) {
	for _, conv := range state.Conversations {
		for i := range conv.Messages {
			m := &conv.Messages[i]
			if m.Raw == nil || m.Content != "" || m.DecryptError != "" {
				continue
			}
			if decoded, ok := decodeEvent(priv, ownPub, *m.Raw); ok {
				decoded.FirstSeen = m.FirstSeen
				*m = decoded
			}
		}
	}
}
