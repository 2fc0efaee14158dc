package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"wallet_chat/internal/model"
)

type recordingStore struct {
	mu   sync.Mutex
	msgs []model.Message
}

func (s *recordingStore) ApplyInbound(msg model.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *recordingStore) applied() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

type fakeSource struct {
	ch     chan model.Message
	err    error
	closed chan struct{}
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		ch:     make(chan model.Message),
		closed: make(chan struct{}),
	}
}

func (f *fakeSource) Messages() <-chan model.Message { return f.ch }
func (f *fakeSource) Err() error                     { return f.err }
func (f *fakeSource) Close()                         { f.once.Do(func() { close(f.closed) }) }

func (f *fakeSource) push(msg model.Message) { f.ch <- msg }

func (f *fakeSource) terminate(err error) {
	f.err = err
	close(f.ch)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func msg(conv, sender string, sec int64) model.Message {
	return model.Message{
		ConversationID: conv,
		SenderID:       sender,
		SentAt:         time.Unix(sec, 0).UTC(),
	}
}

func TestRunFansOutInArrivalOrder(t *testing.T) {
	store := &recordingStore{}
	router := NewRouter(store)
	src := newFakeSource()

	var mu sync.Mutex
	var sunk []model.Message
	router.SetSink(func(m model.Message) {
		mu.Lock()
		sunk = append(sunk, m)
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- router.Run(context.Background(), src) }()

	src.push(msg("conv-a", "s1", 1))
	src.push(msg("conv-b", "s2", 2))
	src.push(msg("conv-a", "s1", 3))
	src.terminate(nil)

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	applied := store.applied()
	if len(applied) != 3 {
		t.Fatalf("store saw %d messages, want 3", len(applied))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sunk) != 3 {
		t.Fatalf("sink saw %d messages, want 3", len(sunk))
	}
	for i, sec := range []int64{1, 2, 3} {
		if !sunk[i].SentAt.Equal(time.Unix(sec, 0).UTC()) {
			t.Fatalf("sink order broken at %d: %v", i, sunk[i].SentAt)
		}
	}
}

func TestRunSurfacesStreamError(t *testing.T) {
	router := NewRouter(&recordingStore{})
	src := newFakeSource()

	done := make(chan error, 1)
	go func() { done <- router.Run(context.Background(), src) }()

	streamErr := errors.New("backend closed the stream")
	src.terminate(streamErr)

	if err := <-done; !errors.Is(err, streamErr) {
		t.Fatalf("Run returned %v, want the stream error", err)
	}

	select {
	case <-src.closed:
	case <-time.After(time.Second):
		t.Fatal("router did not release the stream handle")
	}
}

func TestTeardownStopsDispatch(t *testing.T) {
	store := &recordingStore{}
	router := NewRouter(store)
	src := newFakeSource()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- router.Run(ctx, src) }()

	src.push(msg("conv-a", "s1", 1))
	waitFor(t, func() bool { return len(store.applied()) == 1 })
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("cooperative teardown must return nil, got %v", err)
	}

	// The underlying handle is released and nothing further is applied.
	select {
	case <-src.closed:
	case <-time.After(time.Second):
		t.Fatal("router did not close the stream on teardown")
	}
	if got := len(store.applied()); got != 1 {
		t.Fatalf("store saw %d messages, want 1", got)
	}
}

func TestClearSinkStopsBufferFanOutOnly(t *testing.T) {
	store := &recordingStore{}
	router := NewRouter(store)
	src := newFakeSource()

	sunk := make(chan model.Message, 2)
	router.SetSink(func(m model.Message) { sunk <- m })

	done := make(chan error, 1)
	go func() { done <- router.Run(context.Background(), src) }()

	src.push(msg("conv-a", "s1", 1))
	<-sunk
	router.ClearSink()
	src.push(msg("conv-a", "s1", 2))
	src.terminate(nil)

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sunk) != 0 {
		t.Fatal("sink received a message after ClearSink")
	}
	if got := len(store.applied()); got != 2 {
		t.Fatalf("store must keep receiving, saw %d", got)
	}
}
