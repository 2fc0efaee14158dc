package engine

import (
	"sync"
	"time"

	"wallet_chat/internal/model"
)

type (
	bufferKey struct {
		sender string
		sentAt int64
	}

	// Buffer is the materialized message history of the one currently
	// open conversation. Live messages are appended in stream-arrival
	// order. The transport carries no durable per-message key, so
	// duplicates between fetched history and the stream are suppressed
	// by (sender, sentAt).
	Buffer struct {
		ConversationID string
		PeerIdentity   string

		mu      sync.Mutex
		msgs    []model.Message
		seen    map[bufferKey]struct{}
		updates chan struct{}
	}
)

func newBuffer(conversationID, peer string, history []model.Message) *Buffer {
	b := &Buffer{
		ConversationID: conversationID,
		PeerIdentity:   peer,
		seen:           make(map[bufferKey]struct{}),
		updates:        make(chan struct{}, 1),
	}
	for _, m := range history {
		b.append(m)
	}
	return b
}

func key(m model.Message) bufferKey {
	return bufferKey{sender: m.SenderID, sentAt: m.SentAt.UnixNano()}
}

// Append adds one message unless it was already seen. Reports whether the
// buffer changed.
func (b *Buffer) Append(m model.Message) bool {
	b.mu.Lock()
	changed := b.append(m)
	b.mu.Unlock()

	if changed {
		select {
		case b.updates <- struct{}{}:
		default:
		}
	}
	return changed
}

func (b *Buffer) append(m model.Message) bool {
	k := key(m)
	if _, dup := b.seen[k]; dup {
		return false
	}
	b.seen[k] = struct{}{}
	b.msgs = append(b.msgs, m)
	return true
}

// Messages returns a snapshot of the buffer in append order.
func (b *Buffer) Messages() []model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// Updates ticks after each accepted append. Ticks are coalesced.
func (b *Buffer) Updates() <-chan struct{} {
	return b.updates
}

// LastActivity returns the newest SentAt in the buffer, zero when empty.
func (b *Buffer) LastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	var last time.Time
	for _, m := range b.msgs {
		if m.SentAt.After(last) {
			last = m.SentAt
		}
	}
	return last
}
