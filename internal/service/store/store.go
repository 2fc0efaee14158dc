package store

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wallet_chat/internal/model"
	"wallet_chat/internal/transport"
	"wallet_chat/internal/utils/log"
)

type (
	// Store owns the in-memory conversation list. It is keyed by peer
	// identity so one counterpart can never produce two threads, and it
	// is the only writer of its own state.
	Store struct {
		client        transport.Client
		localIdentity string

		mu     sync.RWMutex
		byPeer map[string]*model.Conversation
		byID   map[string]*model.Conversation
		subs   map[int]chan struct{}
		nextID int
	}
)

func New(client transport.Client, localIdentity string) *Store {
	return &Store{
		client:        client,
		localIdentity: localIdentity,
		byPeer:        make(map[string]*model.Conversation),
		byID:          make(map[string]*model.Conversation),
		subs:          make(map[int]chan struct{}),
	}
}

// Bootstrap lists every existing thread and seeds each with its single most
// recent message, fetched concurrently. A thread whose seed fetch fails is
// still included with unknown activity.
func (s *Store) Bootstrap(ctx context.Context) ([]model.Conversation, error) {
	handles, err := s.client.ListConversations(ctx)
	if err != nil {
		return nil, err
	}

	type seeded struct {
		handle transport.ConversationHandle
		last   *model.Message
	}

	results := make([]seeded, len(handles))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range handles {
		i, h := i, h
		results[i].handle = h
		g.Go(func() error {
			msgs, err := s.client.FetchMessages(gctx, h, 1, transport.NewestFirst)
			if err != nil {
				// Degraded entry, not a bootstrap failure.
				log.Debug("seed fetch failed",
					zap.String("conversation", h.ID), zap.Error(err))
				return nil
			}
			if len(msgs) > 0 {
				results[i].last = &msgs[0]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	for _, r := range results {
		peer := model.CanonicalAddress(r.handle.PeerIdentity)
		if _, seen := s.byPeer[peer]; seen {
			continue
		}
		conv := &model.Conversation{
			ID:           r.handle.ID,
			PeerIdentity: peer,
		}
		if r.last != nil {
			conv.LastActivityAt = r.last.SentAt
			conv.HasUnread = r.last.SenderID != s.localIdentity
		}
		s.byPeer[peer] = conv
		s.byID[conv.ID] = conv
	}
	s.mu.Unlock()

	s.notify()
	return s.Conversations(), nil
}

// ApplyInbound folds one streamed message into the matching conversation.
// Messages for unknown threads are ignored: new threads only appear through
// an explicit Open.
func (s *Store) ApplyInbound(msg model.Message) {
	s.mu.Lock()
	conv, ok := s.byID[msg.ConversationID]
	if !ok {
		s.mu.Unlock()
		log.Debug("inbound message for unknown conversation dropped",
			zap.String("conversation", msg.ConversationID))
		return
	}
	conv.LastActivityAt = msg.SentAt
	conv.HasUnread = msg.SenderID != s.localIdentity
	s.mu.Unlock()

	s.notify()
}

// MarkRead clears the unread flag after the user expands a conversation.
func (s *Store) MarkRead(peerIdentity string) {
	s.mu.Lock()
	conv, ok := s.byPeer[model.CanonicalAddress(peerIdentity)]
	if ok {
		conv.HasUnread = false
	}
	s.mu.Unlock()

	if ok {
		s.notify()
	}
}

// Open returns the conversation for a peer, creating the remote thread on
// first use. Repeated calls for the same peer return the same conversation.
func (s *Store) Open(ctx context.Context, peerIdentity string) (model.Conversation, error) {
	peer := model.CanonicalAddress(peerIdentity)

	s.mu.RLock()
	if conv, ok := s.byPeer[peer]; ok {
		out := *conv
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	handle, err := s.client.OpenOrCreate(ctx, peer)
	if err != nil {
		return model.Conversation{}, err
	}

	s.mu.Lock()
	// Another caller may have raced us here; the transport is idempotent
	// so both hold the same thread id.
	conv, ok := s.byPeer[peer]
	if !ok {
		conv = &model.Conversation{
			ID:           handle.ID,
			PeerIdentity: peer,
		}
		s.byPeer[peer] = conv
		s.byID[conv.ID] = conv
	}
	out := *conv
	s.mu.Unlock()

	if !ok {
		s.notify()
	}
	return out, nil
}

// Handle returns the transport handle for an already-known conversation.
func (s *Store) Handle(peerIdentity string) (transport.ConversationHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.byPeer[model.CanonicalAddress(peerIdentity)]
	if !ok {
		return transport.ConversationHandle{}, false
	}
	return transport.ConversationHandle{ID: conv.ID, PeerIdentity: conv.PeerIdentity}, true
}

// Conversations returns a snapshot sorted by last activity, newest first.
// Conversations with no messages yet sort after all that have one.
func (s *Store) Conversations() []model.Conversation {
	s.mu.RLock()
	out := make([]model.Conversation, 0, len(s.byPeer))
	for _, conv := range s.byPeer {
		out = append(out, *conv)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// Peers returns every known peer identity, for batched profile resolution.
func (s *Store) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]string, 0, len(s.byPeer))
	for peer := range s.byPeer {
		peers = append(peers, peer)
	}
	return peers
}

// Subscribe returns a channel that receives a tick after every mutation,
// and a cancel func that releases it. Ticks are coalesced: a slow reader
// sees at least one tick for any burst of changes.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
