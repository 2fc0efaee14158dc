package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"wallet_chat/internal/model"
	"wallet_chat/internal/service/identity"
	"wallet_chat/internal/service/notify"
	"wallet_chat/internal/service/session"
	"wallet_chat/internal/service/store"
	"wallet_chat/internal/service/stream"
	"wallet_chat/internal/transport"
	"wallet_chat/internal/utils/log"
)

const (
	historyLimit = 50

	// maxStreamRetries bounds consecutive resubscription attempts after
	// the global stream fails. The router itself never reconnects; this
	// policy belongs to the engine as the stream's owner.
	maxStreamRetries = 5
)

// ErrPeerUnreachable means the counterpart is not registered on the
// messaging network and no conversation can be opened.
var ErrPeerUnreachable = errors.New("engine: peer cannot be messaged")

// ErrNotStarted is returned by operations that need an active session.
var ErrNotStarted = errors.New("engine: session not started")

type (
	// Engine wires the session, conversation store, stream router,
	// identity resolver and notification dispatcher into the facade the
	// UI layer consumes.
	Engine struct {
		sessions   *session.Manager
		resolver   *identity.Resolver
		dispatcher *notify.Dispatcher

		mu         sync.Mutex
		handle     *session.Handle
		store      *store.Store
		router     *stream.Router
		open       *Buffer
		localLabel string

		cancelStream context.CancelFunc
		wg           sync.WaitGroup
	}
)

func New(sessions *session.Manager, resolver *identity.Resolver, dispatcher *notify.Dispatcher) *Engine {
	return &Engine{
		sessions:   sessions,
		resolver:   resolver,
		dispatcher: dispatcher,
	}
}

// Start establishes the session, bootstraps the conversation list and
// starts consuming the global message stream.
func (e *Engine) Start(ctx context.Context, signer session.Signer) error {
	handle, err := e.sessions.GetOrCreate(ctx, signer)
	if err != nil {
		return err
	}

	st := store.New(handle.Client, handle.Identity)
	if _, err := st.Bootstrap(ctx); err != nil {
		return errors.Wrap(err, "bootstrap conversations")
	}

	label := e.resolver.Resolve(ctx, handle.Address).DisplayLabel

	// Warm the profile cache for the whole inbox in one batched call.
	if peers := st.Peers(); len(peers) > 0 {
		e.resolver.ResolveAll(ctx, peers)
	}

	streamCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.handle = handle
	e.store = st
	e.router = stream.NewRouter(st)
	e.localLabel = label
	e.cancelStream = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runStream(streamCtx)
	}()
	return nil
}

// runStream owns the global subscription for the session's lifetime,
// resubscribing with bounded exponential backoff when it fails.
func (e *Engine) runStream(ctx context.Context) {
	e.mu.Lock()
	client := e.handle.Client
	router := e.router
	e.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	retries := 0
	for {
		if ctx.Err() != nil {
			return
		}

		src, err := client.StreamAll(ctx)
		if err == nil {
			retries = 0
			bo.Reset()
			if runErr := router.Run(ctx, src); runErr == nil {
				// Cooperative teardown.
				return
			}
		} else {
			log.Warn("stream subscription failed", zap.Error(err))
		}

		retries++
		if retries > maxStreamRetries {
			log.Error("message stream abandoned after repeated failures",
				zap.Int("retries", maxStreamRetries))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// Conversations returns the current inbox snapshot, newest activity first.
func (e *Engine) Conversations() []model.Conversation {
	e.mu.Lock()
	st := e.store
	e.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.Conversations()
}

// Subscribe ticks after every conversation-list mutation.
func (e *Engine) Subscribe() (<-chan struct{}, func()) {
	e.mu.Lock()
	st := e.store
	e.mu.Unlock()
	if st == nil {
		ch := make(chan struct{})
		return ch, func() {}
	}
	return st.Subscribe()
}

// ResolveIdentity returns the display identity for an address.
func (e *Engine) ResolveIdentity(ctx context.Context, address string) model.ResolvedIdentity {
	return e.resolver.Resolve(ctx, address)
}

// ResolveIdentities resolves a set of addresses with one batched directory
// call for the uncached ones.
func (e *Engine) ResolveIdentities(ctx context.Context, addresses []string) map[string]model.ResolvedIdentity {
	return e.resolver.ResolveAll(ctx, addresses)
}

// OpenConversation materializes the message buffer for one peer and routes
// live messages into it until CloseConversation or a different open.
func (e *Engine) OpenConversation(ctx context.Context, peerIdentity string) (*Buffer, error) {
	e.mu.Lock()
	st, router, handle := e.store, e.router, e.handle
	e.mu.Unlock()
	if st == nil {
		return nil, ErrNotStarted
	}

	peer := model.CanonicalAddress(peerIdentity)

	ok, err := handle.Client.CanMessage(ctx, peer)
	if err != nil {
		return nil, errors.Wrap(err, "reachability check")
	}
	if !ok {
		return nil, ErrPeerUnreachable
	}

	conv, err := st.Open(ctx, peer)
	if err != nil {
		return nil, errors.Wrap(err, "open conversation")
	}

	convHandle := transport.ConversationHandle{ID: conv.ID, PeerIdentity: conv.PeerIdentity}
	history, err := handle.Client.FetchMessages(ctx, convHandle, historyLimit, transport.NewestFirst)
	if err != nil {
		// Degraded open: live messages still arrive via the stream.
		log.Warn("history fetch failed", zap.String("conversation", conv.ID), zap.Error(err))
		history = nil
	}
	reverse(history)

	buf := newBuffer(conv.ID, peer, history)
	st.MarkRead(peer)

	e.mu.Lock()
	e.open = buf
	e.mu.Unlock()

	router.SetSink(func(m model.Message) {
		if m.ConversationID != buf.ConversationID {
			return
		}
		if buf.Append(m) && m.SenderID != handle.Identity {
			st.MarkRead(peer)
		}
	})
	return buf, nil
}

// CloseConversation stops routing live messages into the open buffer.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	router := e.router
	e.open = nil
	e.mu.Unlock()
	if router != nil {
		router.ClearSink()
	}
}

// Send delivers content to a peer. Transport failure propagates to the
// caller; notification dispatch is fire-and-forget and never does.
func (e *Engine) Send(ctx context.Context, peerIdentity string, content model.Content) (model.Message, error) {
	e.mu.Lock()
	st, handle, open, label := e.store, e.handle, e.open, e.localLabel
	e.mu.Unlock()
	if st == nil {
		return model.Message{}, ErrNotStarted
	}

	peer := model.CanonicalAddress(peerIdentity)
	conv, err := st.Open(ctx, peer)
	if err != nil {
		return model.Message{}, err
	}

	convHandle := transport.ConversationHandle{ID: conv.ID, PeerIdentity: conv.PeerIdentity}
	msg, err := handle.Client.Send(ctx, convHandle, content)
	if err != nil {
		return model.Message{}, errors.Wrap(err, "send message")
	}

	// Activity bookkeeping comes from the local send's timestamp,
	// never from the dispatch outcome.
	st.ApplyInbound(msg)
	if open != nil && open.ConversationID == conv.ID {
		open.Append(msg)
	}

	if e.dispatcher != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.dispatcher.AfterSend(ctx, peer, content, label)
		}()
	}
	return msg, nil
}

// LocalIdentity returns the transport-space id of the local user.
func (e *Engine) LocalIdentity() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == nil {
		return ""
	}
	return e.handle.Identity
}

// LocalAddress returns the canonical wallet address of the local user.
func (e *Engine) LocalAddress() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == nil {
		return ""
	}
	return e.handle.Address
}

// Close tears the stream down cooperatively and waits for in-flight
// fan-out and dispatch work to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancelStream
	e.cancelStream = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

func reverse(msgs []model.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
