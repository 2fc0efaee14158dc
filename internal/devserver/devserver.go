package devserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wallet_chat/internal/model"
	"wallet_chat/internal/utils/log"
)

type (
	// Server is an in-memory emulation of the remote messaging backend
	// plus the identity directory, name service and push collaborator.
	// It backs local development and the transport integration tests.
	Server struct {
		mu sync.Mutex

		// identity -> registration
		identities map[string]*registration
		tokens     map[string]string // token -> identity

		// conversation id -> conversation
		conversations map[string]*conversation
		// "a|b" participant pair -> conversation id
		pairs map[string]string

		streams map[string][]*websocket.Conn

		profiles  []dirProfile
		names     map[string]string // address -> name
		pushIDs   map[string]int64  // display name -> platform id
		delivered []model.Notification
	}

	registration struct {
		identity string
		address  string
	}

	conversation struct {
		id           string
		participants [2]string // identities
		peerOf       map[string]string
		messages     []model.Message
	}

	dirProfile struct {
		DisplayName string   `json:"display_name"`
		AvatarURL   string   `json:"avatar_url"`
		PlatformID  int64    `json:"platform_id"`
		Aliases     []string `json:"aliases"`
	}
)

func New() *Server {
	return &Server{
		identities:    make(map[string]*registration),
		tokens:        make(map[string]string),
		conversations: make(map[string]*conversation),
		pairs:         make(map[string]string),
		streams:       make(map[string][]*websocket.Conn),
		names:         make(map[string]string),
		pushIDs:       make(map[string]int64),
	}
}

// Handler returns the full route set.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/can-message", s.handleCanMessage).Methods(http.MethodGet)
	r.HandleFunc("/conversations", s.handleOpenConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages", s.handleFetchMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	r.HandleFunc("/directory/resolve", s.handleDirectoryResolve).Methods(http.MethodPost)
	r.HandleFunc("/names/reverse/{address}", s.handleReverseLookup).Methods(http.MethodGet)
	r.HandleFunc("/notify/send", s.handleNotify).Methods(http.MethodPost)
	r.HandleFunc("/notify/ids", s.handleLookupPushID).Methods(http.MethodGet)

	return r
}

// Run serves on addr until the listener fails.
func (s *Server) Run(addr string) error {
	log.Info("devserver listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Handler())
}

// SetProfile seeds a directory entry for an address alias.
func (s *Server) SetProfile(alias, displayName, avatarURL string, platformID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = append(s.profiles, dirProfile{
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		PlatformID:  platformID,
		Aliases:     []string{alias},
	})
	if platformID != 0 {
		s.pushIDs[displayName] = platformID
	}
}

// SetName seeds a reverse name record.
func (s *Server) SetName(address, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[model.CanonicalAddress(address)] = name
}

// Delivered returns every notification accepted so far.
func (s *Server) Delivered() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Notification(nil), s.delivered...)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey string `json:"public_key"`
		Address   string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicKey == "" {
		http.Error(w, "bad registration", http.StatusBadRequest)
		return
	}

	identity := "inbox-" + shortHash(req.PublicKey)
	token := newToken()

	s.mu.Lock()
	s.identities[identity] = &registration{identity: identity, address: model.CanonicalAddress(req.Address)}
	s.tokens[token] = identity
	s.mu.Unlock()

	writeJSON(w, map[string]string{"identity": identity, "token": token})
}

func (s *Server) authed(r *http.Request) (string, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			token = auth[len(prefix):]
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.tokens[token]
	return identity, ok
}

func (s *Server) handleCanMessage(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authed(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	target := r.URL.Query().Get("identity")

	s.mu.Lock()
	_, registered := s.identities[target]
	if !registered {
		// Peers may be addressed by wallet address before they are known
		// by inbox id.
		for _, reg := range s.identities {
			if reg.address == model.CanonicalAddress(target) {
				registered = true
				break
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]bool{"can_message": registered})
}

// resolveIdentity maps a wallet address to its inbox id when registered.
func (s *Server) resolveIdentity(target string) string {
	if _, ok := s.identities[target]; ok {
		return target
	}
	addr := model.CanonicalAddress(target)
	for id, reg := range s.identities {
		if reg.address == addr {
			return id
		}
	}
	return addr
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authed(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		PeerIdentity string `json:"peer_identity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerIdentity == "" {
		http.Error(w, "peer_identity required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	peer := s.resolveIdentity(req.PeerIdentity)
	key := pairKey(identity, peer)
	id, exists := s.pairs[key]
	if !exists {
		id = uuid.NewString()
		conv := &conversation{
			id:           id,
			participants: [2]string{identity, peer},
			peerOf: map[string]string{
				identity: req.PeerIdentity,
				peer:     s.addressOf(identity),
			},
		}
		s.pairs[key] = id
		s.conversations[id] = conv
	}
	conv := s.conversations[id]
	peerLabel := conv.peerOf[identity]
	s.mu.Unlock()

	writeJSON(w, map[string]string{"id": id, "peer_identity": model.CanonicalAddress(peerLabel)})
}

func (s *Server) addressOf(identity string) string {
	if reg, ok := s.identities[identity]; ok && reg.address != "" {
		return reg.address
	}
	return identity
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authed(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	type handle struct {
		ID           string `json:"id"`
		PeerIdentity string `json:"peer_identity"`
	}

	s.mu.Lock()
	var handles []handle
	for _, conv := range s.conversations {
		for _, p := range conv.participants {
			if p == identity {
				handles = append(handles, handle{
					ID:           conv.id,
					PeerIdentity: model.CanonicalAddress(conv.peerOf[identity]),
				})
				break
			}
		}
	}
	s.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })
	if handles == nil {
		handles = []handle{}
	}
	writeJSON(w, handles)
}

func (s *Server) handleFetchMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authed(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id := mux.Vars(r)["id"]
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	descending := r.URL.Query().Get("direction") == "desc"

	s.mu.Lock()
	conv, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	msgs := append([]model.Message(nil), conv.messages...)
	s.mu.Unlock()

	if descending {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	if limit < len(msgs) {
		msgs = msgs[:limit]
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, msgs)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authed(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Content model.Content `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad content", http.StatusBadRequest)
		return
	}

	id := mux.Vars(r)["id"]

	s.mu.Lock()
	conv, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	msg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: id,
		SenderID:       identity,
		SentAt:         time.Now().UTC(),
		Content:        req.Content,
	}
	conv.messages = append(conv.messages, msg)

	data, _ := json.Marshal(msg)
	for _, participant := range conv.participants {
		for _, conn := range s.streams[participant] {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("stream write failed", zap.Error(err))
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, msg)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authed(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "failed to upgrade", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.streams[identity] = append(s.streams[identity], conn)
	s.mu.Unlock()

	// Drain until the client goes away, then unregister.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		s.mu.Lock()
		conns := s.streams[identity]
		for i, c := range conns {
			if c == conn {
				s.streams[identity] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		conn.Close()
	}()
}

func (s *Server) handleDirectoryResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Aliases []string `json:"aliases"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	requested := make(map[string]bool, len(req.Aliases))
	for _, a := range req.Aliases {
		requested[a] = true
	}

	s.mu.Lock()
	out := make([]dirProfile, 0)
	for _, p := range s.profiles {
		for _, alias := range p.Aliases {
			if requested[alias] {
				out = append(out, p)
				break
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, out)
}

func (s *Server) handleReverseLookup(w http.ResponseWriter, r *http.Request) {
	address := model.CanonicalAddress(mux.Vars(r)["address"])

	s.mu.Lock()
	name, ok := s.names[address]
	s.mu.Unlock()

	if !ok {
		http.Error(w, "no record", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"name": name})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var n model.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	state := model.DeliveryDelivered
	s.mu.Lock()
	if n.PlatformID == 0 {
		state = model.DeliveryNoRoute
	} else {
		s.delivered = append(s.delivered, n)
	}
	s.mu.Unlock()

	writeJSON(w, map[string]model.DeliveryState{"state": state})
}

func (s *Server) handleLookupPushID(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")

	s.mu.Lock()
	id, ok := s.pushIDs[name]
	s.mu.Unlock()

	if !ok {
		http.Error(w, "unknown name", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]int64{"platform_id": id})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode response failed", zap.Error(err))
	}
}

func shortHash(s string) string {
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
