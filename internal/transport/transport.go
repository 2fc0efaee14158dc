package transport

import (
	"context"

	"wallet_chat/internal/model"
)

// Direction selects the fetch order for FetchMessages.
type Direction int

const (
	OldestFirst Direction = iota
	NewestFirst
)

type (
	// ConversationHandle identifies one thread on the remote backend.
	ConversationHandle struct {
		ID           string `json:"id"`
		PeerIdentity string `json:"peer_identity"`
	}

	// Client is the end-to-end-encrypted messaging backend as seen by the
	// synchronization engine. The protocol itself lives behind this
	// boundary; the engine only coordinates on top of it.
	Client interface {
		// CanMessage reports whether the identity is reachable on the
		// network.
		CanMessage(ctx context.Context, identity string) (bool, error)

		// OpenOrCreate returns the thread for a peer, creating it on
		// first use. Idempotent: the same peer always yields the same id.
		OpenOrCreate(ctx context.Context, peerIdentity string) (ConversationHandle, error)

		// ListConversations returns every thread the local identity
		// participates in.
		ListConversations(ctx context.Context) ([]ConversationHandle, error)

		// FetchMessages returns up to limit messages of a thread in the
		// given order.
		FetchMessages(ctx context.Context, handle ConversationHandle, limit int, dir Direction) ([]model.Message, error)

		// Send delivers content into a thread and returns the message as
		// accepted by the backend.
		Send(ctx context.Context, handle ConversationHandle, content model.Content) (model.Message, error)

		// StreamAll opens the single global inbound-message stream. The
		// backend permits one subscription per session.
		StreamAll(ctx context.Context) (Stream, error)
	}

	// Stream is an unbounded push stream of inbound messages. Messages()
	// is closed when the stream terminates; Err reports why, nil meaning
	// a local Close.
	Stream interface {
		Messages() <-chan model.Message
		Err() error
		Close()
	}
)
