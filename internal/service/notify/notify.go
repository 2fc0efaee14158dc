package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wallet_chat/internal/model"
	"wallet_chat/internal/service/identity"
	"wallet_chat/internal/utils/log"
)

// ThrottleWindow is the rolling interval during which at most one
// notification is dispatched per peer.
const ThrottleWindow = 30 * time.Minute

const dispatchTimeout = 10 * time.Second

type (
	// Collaborator is the external push-notification service.
	Collaborator interface {
		// Notify issues one push. The returned state is logged only.
		Notify(ctx context.Context, n model.Notification) (model.DeliveryState, error)

		// LookupID resolves a push-routing id by display name, for peers
		// whose directory profile carries none.
		LookupID(ctx context.Context, displayName string) (int64, error)
	}

	// Dispatcher decides, after each successful local send, whether the
	// recipient gets a push. Every failure on this path is absorbed:
	// sending a message never fails because notification plumbing did.
	Dispatcher struct {
		collab   Collaborator
		resolver *identity.Resolver
		inboxURL string

		now func() time.Time

		mu   sync.Mutex
		last map[string]time.Time
	}
)

func NewDispatcher(collab Collaborator, resolver *identity.Resolver, inboxURL string) *Dispatcher {
	return &Dispatcher{
		collab:   collab,
		resolver: resolver,
		inboxURL: inboxURL,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// AfterSend runs the dispatch decision for one local send. Fire-and-forget:
// callers do not wait on it and it returns nothing.
func (d *Dispatcher) AfterSend(ctx context.Context, peerIdentity string, content model.Content, localDisplayName string) {
	if d.collab == nil {
		return
	}
	peer := model.CanonicalAddress(peerIdentity)

	platformID, ok := d.platformID(ctx, peer)
	if !ok {
		log.Debug("no push route for peer, skipping notification",
			zap.String("peer", peer))
		return
	}

	if !d.claimWindow(peer) {
		log.Debug("notification throttled", zap.String("peer", peer))
		return
	}

	n := model.Notification{
		PlatformID: platformID,
		Title:      fmt.Sprintf("New message from %s", localDisplayName),
		Body:       content.Preview(),
		TargetURL:  d.inboxURL + "/chat/" + peer,
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()

	state, err := d.collab.Notify(dctx, n)
	if err != nil {
		log.Warn("notification dispatch failed", zap.String("peer", peer), zap.Error(err))
		return
	}
	log.Info("notification dispatched",
		zap.String("peer", peer), zap.String("state", string(state)))
}

// platformID finds the peer's push-routing id: profile cache first, then a
// best-effort lookup by display name.
func (d *Dispatcher) platformID(ctx context.Context, peer string) (int64, bool) {
	id := d.resolver.Resolve(ctx, peer)
	if id.HasPlatformID() {
		return id.PlatformID, true
	}
	if id.DisplayLabel == "" || id.DisplayLabel == identity.Abbreviate(peer) {
		// An abbreviated address is not a name anyone registered under.
		return 0, false
	}

	platformID, err := d.collab.LookupID(ctx, id.DisplayLabel)
	if err != nil {
		log.Debug("push id lookup by name failed",
			zap.String("name", id.DisplayLabel), zap.Error(err))
		return 0, false
	}
	return platformID, platformID != 0
}

// claimWindow reserves the peer's throttle window. At most one claim
// succeeds per ThrottleWindow regardless of how many sends happen inside it.
func (d *Dispatcher) claimWindow(peer string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.last[peer]; ok && now.Sub(last) < ThrottleWindow {
		return false
	}
	d.last[peer] = now
	return true
}
