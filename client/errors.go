package client

import (
	"fmt"
	"strings"

	"relaydm/common"
)

// RelayResolutionDegraded means a user's relay set fell back to the
// configured discovery relays. Recoverable and informational; callers
// surface a connectivity warning without aborting.
type RelayResolutionDegraded struct {
	PubKey string
	Reason error
}

func (e *RelayResolutionDegraded) Error() string {
	return fmt.Sprintf("relay resolution for %s degraded to fallback set: %v", e.PubKey, e.Reason)
}

func (e *RelayResolutionDegraded) Unwrap() error { return e.Reason }

// RelayQueryFailed is fatal to the current sync pass for that relay set:
// message history may be incomplete. Surfaced as a dismissible banner naming
// the failing endpoints, retried on the next manual refresh.
type RelayQueryFailed struct {
	Protocol     common.Protocol
	FailedRelays []string
	TotalRelays  int
	Err          error
}

func (e *RelayQueryFailed) Error() string {
	return fmt.Sprintf("%s query failed on %d/%d relays (%s): %v",
		e.Protocol, len(e.FailedRelays), e.TotalRelays, strings.Join(e.FailedRelays, ", "), e.Err)
}

func (e *RelayQueryFailed) Unwrap() error { return e.Err }

// PublishPartialFailure reports a group send where some gift wraps were not
// accepted anywhere. If the sender's own copy landed but recipient copies
// did not, the message looks sent on this device yet may never arrive, which
// is why this escalates to a user-visible error instead of silent success.
type PublishPartialFailure struct {
	OwnCopyOK        bool
	FailedRecipients []string
	TotalRecipients  int
}

func (e *PublishPartialFailure) Error() string {
	if e.OwnCopyOK {
		return fmt.Sprintf("message may not have been delivered to %d/%d recipients (%s)",
			len(e.FailedRecipients), e.TotalRecipients, strings.Join(e.FailedRecipients, ", "))
	}
	return fmt.Sprintf("publish failed for %d/%d recipients (%s)",
		len(e.FailedRecipients), e.TotalRecipients, strings.Join(e.FailedRecipients, ", "))
}
