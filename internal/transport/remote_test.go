package transport_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wallet_chat/internal/devserver"
	"wallet_chat/internal/keystore"
	"wallet_chat/internal/model"
	"wallet_chat/internal/transport"
)

type testBackend struct {
	server *devserver.Server
	host   string
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()

	ds := devserver.New()
	srv := httptest.NewServer(ds.Handler())
	t.Cleanup(srv.Close)

	return &testBackend{
		server: ds,
		host:   strings.TrimPrefix(srv.URL, "http://"),
	}
}

func (b *testBackend) connect(t *testing.T, address string) *transport.Remote {
	t.Helper()

	bundle, err := keystore.NewBundle()
	require.NoError(t, err)
	client, err := transport.Connect(context.Background(), b.host, bundle, address)
	require.NoError(t, err)
	return client
}

func TestConnectAssignsIdentity(t *testing.T) {
	backend := newTestBackend(t)

	client := backend.connect(t, "0xAlice")
	require.NotEmpty(t, client.Identity())
	require.True(t, strings.HasPrefix(client.Identity(), "inbox-"))
}

func TestCanMessage(t *testing.T) {
	backend := newTestBackend(t)
	alice := backend.connect(t, "0xalice")
	backend.connect(t, "0xbob")

	ok, err := alice.CanMessage(context.Background(), "0xBob")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = alice.CanMessage(context.Background(), "0xnobody")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenOrCreateIsIdempotent(t *testing.T) {
	backend := newTestBackend(t)
	alice := backend.connect(t, "0xalice")
	bob := backend.connect(t, "0xbob")

	first, err := alice.OpenOrCreate(context.Background(), "0xBob")
	require.NoError(t, err)
	second, err := alice.OpenOrCreate(context.Background(), "0xbob")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "0xbob", first.PeerIdentity)

	// Bob opening towards Alice lands in the same thread.
	fromBob, err := bob.OpenOrCreate(context.Background(), "0xalice")
	require.NoError(t, err)
	require.Equal(t, first.ID, fromBob.ID)
}

func TestSendFetchRoundTrip(t *testing.T) {
	backend := newTestBackend(t)
	alice := backend.connect(t, "0xalice")
	bob := backend.connect(t, "0xbob")

	handle, err := alice.OpenOrCreate(context.Background(), "0xbob")
	require.NoError(t, err)

	sent, err := alice.Send(context.Background(), handle, model.TextContent("hello bob"))
	require.NoError(t, err)
	require.Equal(t, alice.Identity(), sent.SenderID)
	require.False(t, sent.SentAt.IsZero())

	_, err = alice.Send(context.Background(), handle, model.TextContent("second"))
	require.NoError(t, err)

	bobHandle, err := bob.OpenOrCreate(context.Background(), "0xalice")
	require.NoError(t, err)

	msgs, err := bob.FetchMessages(context.Background(), bobHandle, 10, transport.OldestFirst)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hello bob", msgs[0].Content.Text)

	newest, err := bob.FetchMessages(context.Background(), bobHandle, 1, transport.NewestFirst)
	require.NoError(t, err)
	require.Len(t, newest, 1)
	require.Equal(t, "second", newest[0].Content.Text)
}

func TestListConversations(t *testing.T) {
	backend := newTestBackend(t)
	alice := backend.connect(t, "0xalice")
	backend.connect(t, "0xbob")
	backend.connect(t, "0xcarol")

	_, err := alice.OpenOrCreate(context.Background(), "0xbob")
	require.NoError(t, err)
	_, err = alice.OpenOrCreate(context.Background(), "0xcarol")
	require.NoError(t, err)

	handles, err := alice.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, handles, 2)

	peers := []string{handles[0].PeerIdentity, handles[1].PeerIdentity}
	require.ElementsMatch(t, []string{"0xbob", "0xcarol"}, peers)
}

func TestStreamDeliversInbound(t *testing.T) {
	backend := newTestBackend(t)
	alice := backend.connect(t, "0xalice")
	bob := backend.connect(t, "0xbob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := bob.StreamAll(ctx)
	require.NoError(t, err)
	defer stream.Close()

	handle, err := alice.OpenOrCreate(context.Background(), "0xbob")
	require.NoError(t, err)
	sent, err := alice.Send(context.Background(), handle, model.TextContent("ping"))
	require.NoError(t, err)

	select {
	case got := <-stream.Messages():
		require.Equal(t, sent.ID, got.ID)
		require.Equal(t, "ping", got.Content.Text)
		require.Equal(t, alice.Identity(), got.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message on the stream")
	}
}

func TestStreamCloseTerminatesChannel(t *testing.T) {
	backend := newTestBackend(t)
	bob := backend.connect(t, "0xbob")

	stream, err := bob.StreamAll(context.Background())
	require.NoError(t, err)

	stream.Close()

	select {
	case _, open := <-stream.Messages():
		require.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("message channel not closed after Close")
	}
	require.NoError(t, stream.Err())
}
