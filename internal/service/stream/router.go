package stream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"wallet_chat/internal/model"
	"wallet_chat/internal/utils/log"
)

type (
	// Sink receives messages fanned out for the currently open
	// conversation, if any.
	Sink func(model.Message)

	// Applier is the conversation-list side of the fan-out.
	Applier interface {
		ApplyInbound(model.Message)
	}

	// Router consumes the single global inbound-message stream and fans
	// every message out to the conversation store and to the open
	// buffer's sink. It never reconnects on its own: a terminated stream
	// is surfaced to the owner, which decides whether to resubscribe.
	Router struct {
		store Applier

		mu   sync.Mutex
		sink Sink
	}

	// Source is the subset of the transport stream the router consumes.
	Source interface {
		Messages() <-chan model.Message
		Err() error
		Close()
	}
)

func NewRouter(store Applier) *Router {
	return &Router{store: store}
}

// SetSink installs the fan-out target for the open conversation. At most
// one conversation is expanded at a time, so a new sink replaces the old.
func (r *Router) SetSink(sink Sink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

// ClearSink removes the open-conversation fan-out target.
func (r *Router) ClearSink() {
	r.SetSink(nil)
}

// Run consumes the stream until it terminates or ctx is cancelled.
// Messages are dispatched in arrival order with no buffering. Returns the
// stream's terminal error, or nil on cooperative teardown.
func (r *Router) Run(ctx context.Context, src Source) error {
	defer src.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-src.Messages():
			if !ok {
				if err := src.Err(); err != nil {
					log.Warn("message stream terminated", zap.Error(err))
					return err
				}
				return nil
			}
			// Re-check after the suspension point: once teardown has
			// begun, nothing more is dispatched.
			if ctx.Err() != nil {
				return nil
			}
			r.dispatch(msg)
		}
	}
}

func (r *Router) dispatch(msg model.Message) {
	r.store.ApplyInbound(msg)

	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink(msg)
	}
}
