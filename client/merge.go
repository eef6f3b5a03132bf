package client

import (
	"sort"
	"time"

	"relaydm/common"
)

// Merge folds incoming messages into a copy of the state. Pure with respect
// to its inputs: the given state is never mutated, and merging the same
// batch twice yields the same result as merging it once.
//
// Dedup key is the gift-wrap id for private messages and the event id for
// legacy ones. Overlap re-fetches and out-of-order relay delivery are
// expected, so every touched conversation is re-sorted and its lastActivity
// recomputed from the tail rather than assumed monotonic.
func Merge(state *common.SyncState, incoming []common.Message, now time.Time, matchWindow time.Duration) *common.SyncState {
	out := state.Clone()
	touched := make(map[string]bool)

	for _, msg := range incoming {
		if msg.ConversationID == "" {
			continue
		}
		conv := out.Conversations[msg.ConversationID]
		if conv == nil {
			conv = &common.Conversation{
				ID:                 msg.ConversationID,
				ParticipantPubkeys: append([]string(nil), msg.Participants...),
			}
			out.Conversations[msg.ConversationID] = conv
		}
		applyMessage(out.OwnPubKey, conv, msg, now, matchWindow)
		touched[conv.ID] = true
	}

	for id := range touched {
		finalize(out.OwnPubKey, out.Conversations[id])
	}
	return out
}

func applyMessage(own string, conv *common.Conversation, msg common.Message, now time.Time, matchWindow time.Duration) {
	key := msg.DedupKey()
	for i := range conv.Messages {
		existing := &conv.Messages[i]
		if existing.DedupKey() != key {
			continue
		}
		switch {
		case existing.Pending && !msg.Pending:
			// The optimistic placeholder round-tripped under its own id.
			msg.CreatedAt = existing.CreatedAt
			msg.FirstSeen = existing.FirstSeen
			msg.Pending = false
			*existing = msg
		case existing.DecryptError != "" && msg.DecryptError == "":
			// A previously unreadable message now decrypts.
			if msg.FirstSeen.IsZero() {
				msg.FirstSeen = existing.FirstSeen
			}
			*existing = msg
		}
		return
	}

	// Best-effort echo smoothing: a live event from ourselves matching a
	// pending placeholder by content and timestamp proximity replaces it in
	// place, avoiding a visible duplicate. Correctness rests on the dedup
	// key above, not on this heuristic.
	if msg.SenderPubkey == own && !msg.Pending {
		for i := range conv.Messages {
			existing := &conv.Messages[i]
			if !existing.Pending || existing.SenderPubkey != own || existing.Content != msg.Content {
				continue
			}
			if absDuration(existing.CreatedAt.Sub(msg.CreatedAt)) > matchWindow {
				continue
			}
			msg.CreatedAt = existing.CreatedAt
			msg.FirstSeen = existing.FirstSeen
			msg.Pending = false
			*existing = msg
			return
		}
	}

	if msg.FirstSeen.IsZero() {
		msg.FirstSeen = now
	}
	conv.Messages = append(conv.Messages, msg)
}

func finalize(own string, conv *common.Conversation) {
	sort.SliceStable(conv.Messages, func(i, j int) bool {
		a, b := &conv.Messages[i], &conv.Messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.DedupKey() < b.DedupKey()
	})
	if last := conv.LastMessage(); last != nil {
		conv.LastActivity = last.CreatedAt
	}
	if !conv.IsKnown {
		for i := range conv.Messages {
			if conv.Messages[i].SenderPubkey == own {
				conv.IsKnown = true
				break
			}
		}
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
