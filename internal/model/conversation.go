package model

import (
	"strings"
	"time"
)

type (
	// Conversation is the local view of one thread with a single peer.
	// The store keys conversations by PeerIdentity, not by the raw thread
	// id, so the same counterpart can never show up twice in the inbox.
	Conversation struct {
		ID           string `json:"id"`
		PeerIdentity string `json:"peer_identity"`

		// LastActivityAt is zero until the first message is seen.
		LastActivityAt time.Time `json:"last_activity_at"`

		// HasUnread is true iff the most recent known message came from
		// the peer rather than the local identity.
		HasUnread bool `json:"has_unread"`
	}
)

// CanonicalAddress lowercases an address so it can be used as a map key.
func CanonicalAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
