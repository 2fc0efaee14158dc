package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"wallet_chat/internal/keystore"
	"wallet_chat/internal/model"
	"wallet_chat/internal/utils/log"
)

type (
	// Remote talks HTTP+JSON to the messaging backend and consumes the
	// global stream over a websocket.
	Remote struct {
		host     string
		httpc    *http.Client
		identity string
		token    string
	}

	registerRequest struct {
		PublicKey string `json:"public_key"`
		Address   string `json:"address"`
	}

	registerResponse struct {
		Identity string `json:"identity"`
		Token    string `json:"token"`
	}

	canMessageResponse struct {
		CanMessage bool `json:"can_message"`
	}

	openRequest struct {
		PeerIdentity string `json:"peer_identity"`
	}

	sendRequest struct {
		Content model.Content `json:"content"`
	}
)

// Connect registers the identity bundle with the backend and returns an
// authenticated client.
func Connect(ctx context.Context, host string, bundle *keystore.Bundle, address string) (*Remote, error) {
	r := &Remote{host: host, httpc: http.DefaultClient}

	var resp registerResponse
	err := r.postJSON(ctx, "/register", registerRequest{
		PublicKey: hex.EncodeToString(bundle.PublicKey),
		Address:   model.CanonicalAddress(address),
	}, &resp)
	if err != nil {
		return nil, errors.Wrap(err, "register identity")
	}
	if resp.Identity == "" || resp.Token == "" {
		return nil, errors.New("backend returned an empty registration")
	}

	r.identity = resp.Identity
	r.token = resp.Token
	return r, nil
}

// Identity returns the transport-space sender id assigned at registration.
func (r *Remote) Identity() string {
	return r.identity
}

func (r *Remote) CanMessage(ctx context.Context, identity string) (bool, error) {
	var resp canMessageResponse
	q := url.Values{"identity": []string{identity}}
	if err := r.getJSON(ctx, "/can-message", q, &resp); err != nil {
		return false, err
	}
	return resp.CanMessage, nil
}

func (r *Remote) OpenOrCreate(ctx context.Context, peerIdentity string) (ConversationHandle, error) {
	var handle ConversationHandle
	err := r.postJSON(ctx, "/conversations", openRequest{
		PeerIdentity: model.CanonicalAddress(peerIdentity),
	}, &handle)
	return handle, err
}

func (r *Remote) ListConversations(ctx context.Context) ([]ConversationHandle, error) {
	var handles []ConversationHandle
	if err := r.getJSON(ctx, "/conversations", nil, &handles); err != nil {
		return nil, err
	}
	return handles, nil
}

func (r *Remote) FetchMessages(ctx context.Context, handle ConversationHandle, limit int, dir Direction) ([]model.Message, error) {
	q := url.Values{
		"limit":     []string{strconv.Itoa(limit)},
		"direction": []string{"asc"},
	}
	if dir == NewestFirst {
		q.Set("direction", "desc")
	}

	var msgs []model.Message
	err := r.getJSON(ctx, fmt.Sprintf("/conversations/%s/messages", handle.ID), q, &msgs)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Remote) Send(ctx context.Context, handle ConversationHandle, content model.Content) (model.Message, error) {
	var msg model.Message
	err := r.postJSON(ctx, fmt.Sprintf("/conversations/%s/messages", handle.ID), sendRequest{Content: content}, &msg)
	return msg, err
}

func (r *Remote) StreamAll(ctx context.Context) (Stream, error) {
	u := url.URL{
		Scheme:   "ws",
		Host:     r.host,
		Path:     "/stream",
		RawQuery: url.Values{"token": []string{r.token}}.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial message stream")
	}

	ws := &wsStream{
		conn: conn,
		out:  make(chan model.Message),
	}
	go ws.readLoop(ctx)
	return ws, nil
}

func (r *Remote) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := url.URL{
		Scheme: "http",
		Host:   r.host,
		Path:   path,
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	return r.do(req, out)
}

func (r *Remote) postJSON(ctx context.Context, path string, body, out any) error {
	u := url.URL{
		Scheme: "http",
		Host:   r.host,
		Path:   path,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do(req, out)
}

func (r *Remote) do(req *http.Request, out any) error {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type wsStream struct {
	conn *websocket.Conn
	out  chan model.Message

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *wsStream) readLoop(ctx context.Context) {
	defer close(s.out)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if !s.closed && ctx.Err() == nil {
				s.err = err
			}
			s.mu.Unlock()
			s.conn.Close()
			return
		}

		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Error("unmarshal stream message failed", zap.Error(err))
			continue
		}

		select {
		case s.out <- msg:
		case <-ctx.Done():
			s.conn.Close()
			return
		}
	}
}

func (s *wsStream) Messages() <-chan model.Message {
	return s.out
}

func (s *wsStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.conn.Close()
}
