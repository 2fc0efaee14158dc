package notify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"wallet_chat/internal/model"
	"wallet_chat/internal/service/identity"
)

type fakeCollaborator struct {
	notifies int32
	lastSent model.Notification
	state    model.DeliveryState
	err      error

	idsByName map[string]int64
	lookupErr error
}

func (f *fakeCollaborator) Notify(_ context.Context, n model.Notification) (model.DeliveryState, error) {
	atomic.AddInt32(&f.notifies, 1)
	f.lastSent = n
	if f.err != nil {
		return model.DeliveryError, f.err
	}
	return f.state, nil
}

func (f *fakeCollaborator) LookupID(_ context.Context, name string) (int64, error) {
	if f.lookupErr != nil {
		return 0, f.lookupErr
	}
	return f.idsByName[name], nil
}

type fakeDirectory struct {
	profiles []identity.Profile
}

func (d *fakeDirectory) ResolveBatch(context.Context, []string) ([]identity.Profile, error) {
	return d.profiles, nil
}

type noNameService struct{}

func (noNameService) ReverseLookup(context.Context, string) (string, error) { return "", nil }

func newDispatcher(collab *fakeCollaborator, profiles ...identity.Profile) *Dispatcher {
	resolver := identity.NewResolver("eip155", &fakeDirectory{profiles: profiles}, noNameService{})
	return NewDispatcher(collab, resolver, "https://inbox.example")
}

func profileWithID(addr string, platformID int64) identity.Profile {
	return identity.Profile{
		DisplayName: "peer-name",
		PlatformID:  platformID,
		Aliases:     []string{"eip155," + addr},
	}
}

func TestAfterSendDispatchesOnce(t *testing.T) {
	collab := &fakeCollaborator{state: model.DeliveryDelivered}
	d := newDispatcher(collab, profileWithID("0xaaa", 99))

	d.AfterSend(context.Background(), "0xAAA", model.TextContent("hello"), "alice")

	require.EqualValues(t, 1, atomic.LoadInt32(&collab.notifies))
	require.Equal(t, int64(99), collab.lastSent.PlatformID)
	require.Equal(t, "New message from alice", collab.lastSent.Title)
	require.Equal(t, "hello", collab.lastSent.Body)
	require.Equal(t, "https://inbox.example/chat/0xaaa", collab.lastSent.TargetURL)
}

func TestThrottleWindowSuppressesSecondDispatch(t *testing.T) {
	collab := &fakeCollaborator{state: model.DeliveryDelivered}
	d := newDispatcher(collab, profileWithID("0xaaa", 99))

	now := time.Unix(1_000_000, 0)
	d.now = func() time.Time { return now }

	d.AfterSend(context.Background(), "0xaaa", model.TextContent("one"), "alice")
	now = now.Add(29 * time.Minute)
	d.AfterSend(context.Background(), "0xaaa", model.TextContent("two"), "alice")
	require.EqualValues(t, 1, atomic.LoadInt32(&collab.notifies))

	now = now.Add(time.Minute + time.Second)
	d.AfterSend(context.Background(), "0xaaa", model.TextContent("three"), "alice")
	require.EqualValues(t, 2, atomic.LoadInt32(&collab.notifies))
}

func TestThrottleIsPerPeer(t *testing.T) {
	collab := &fakeCollaborator{state: model.DeliveryDelivered}
	d := newDispatcher(collab,
		profileWithID("0xaaa", 1),
		identity.Profile{DisplayName: "other", PlatformID: 2, Aliases: []string{"eip155,0xbbb"}},
	)

	d.AfterSend(context.Background(), "0xaaa", model.TextContent("hi"), "alice")
	d.AfterSend(context.Background(), "0xbbb", model.TextContent("hi"), "alice")
	require.EqualValues(t, 2, atomic.LoadInt32(&collab.notifies))
}

func TestNoPlatformIDFallsBackToNameLookup(t *testing.T) {
	collab := &fakeCollaborator{
		state:     model.DeliveryDelivered,
		idsByName: map[string]int64{"peer-name": 55},
	}
	d := newDispatcher(collab, identity.Profile{
		DisplayName: "peer-name",
		Aliases:     []string{"eip155,0xaaa"},
	})

	d.AfterSend(context.Background(), "0xaaa", model.TextContent("hi"), "alice")

	require.EqualValues(t, 1, atomic.LoadInt32(&collab.notifies))
	require.Equal(t, int64(55), collab.lastSent.PlatformID)
}

func TestNoRouteAbortsSilently(t *testing.T) {
	collab := &fakeCollaborator{state: model.DeliveryDelivered}
	// No directory entry at all: peer resolves to an abbreviated address,
	// which is never used for a name lookup.
	d := newDispatcher(collab)

	d.AfterSend(context.Background(), "0x1234567890abcdef1234567890abcdef12345678",
		model.TextContent("hi"), "alice")

	require.EqualValues(t, 0, atomic.LoadInt32(&collab.notifies))
}

func TestDispatchFailureIsAbsorbed(t *testing.T) {
	collab := &fakeCollaborator{err: errors.New("push service down")}
	d := newDispatcher(collab, profileWithID("0xaaa", 99))

	// Must not panic or propagate anything.
	d.AfterSend(context.Background(), "0xaaa", model.TextContent("hi"), "alice")
	require.EqualValues(t, 1, atomic.LoadInt32(&collab.notifies))
}

func TestAttachmentPreviewBody(t *testing.T) {
	collab := &fakeCollaborator{state: model.DeliveryDelivered}
	d := newDispatcher(collab, profileWithID("0xaaa", 99))

	d.AfterSend(context.Background(), "0xaaa",
		model.AttachmentContent("cv.pdf", "application/pdf", []byte{1}), "alice")

	require.Equal(t, "[file] cv.pdf", collab.lastSent.Body)
}
