package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/roomcast/internal/assistant"
	"github.com/christopherjohns/roomcast/internal/auth"
	"github.com/christopherjohns/roomcast/internal/hub"
	"github.com/christopherjohns/roomcast/internal/message"
	"github.com/christopherjohns/roomcast/internal/room"
	"github.com/christopherjohns/roomcast/internal/ws"
)

// Server is the main HTTP server for roomcast.
type Server struct {
	addr        string
	mux         *http.ServeMux
	http        *http.Server
	rooms       room.Directory
	messages    message.Log
	broadcaster *hub.Broadcaster
	conns       *ws.ConnManager
	ws          http.Handler
	accounts    *auth.Service
	assistant   *assistant.Manager
}

// Option configures a Server.
type Option func(*Server)

// WithRooms sets the room directory.
func WithRooms(d room.Directory) Option {
	return func(s *Server) { s.rooms = d }
}

// WithMessageLog sets the log history endpoints read from.
func WithMessageLog(l message.Log) Option {
	return func(s *Server) { s.messages = l }
}

// WithBroadcaster sets the broadcaster whose registry backs member listings.
func WithBroadcaster(b *hub.Broadcaster) Option {
	return func(s *Server) { s.broadcaster = b }
}

// WithConnManager sets the connection manager reported by /api/stats.
func WithConnManager(cm *ws.ConnManager) Option {
	return func(s *Server) { s.conns = cm }
}

// WithWebSocket mounts h on /ws/{room}.
func WithWebSocket(h http.Handler) Option {
	return func(s *Server) { s.ws = h }
}

// WithAccounts enables the /auth endpoints.
func WithAccounts(svc *auth.Service) Option {
	return func(s *Server) { s.accounts = svc }
}

// WithAssistant enables the assistant endpoints.
func WithAssistant(m *assistant.Manager) Option {
	return func(s *Server) { s.assistant = m }
}

// New creates a new Server listening on addr. Unset dependencies default to
// in-memory implementations with query-string identities.
func New(addr string, opts ...Option) *Server {
	s := &Server{
		addr: addr,
		mux:  http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rooms == nil {
		s.rooms = room.NewManager()
	}
	if s.messages == nil {
		s.messages = message.NewStore(1000)
	}
	if s.broadcaster == nil {
		s.broadcaster = hub.NewBroadcaster(s.messages, hub.NewRegistry())
	}
	if s.conns == nil {
		s.conns = ws.NewConnManager()
	}
	if s.ws == nil {
		s.ws = ws.NewHandler(s.broadcaster, s.rooms, auth.QueryResolver{}, s.conns, ws.WithQueryIdentity())
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.routes()
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Run starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Run() error {
	log.Info().Str("module", "server").Str("addr", s.addr).Msg("listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Upgraded
// websocket connections are owned by the ConnManager.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/connections", s.handleConnections)

	s.mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	s.mux.HandleFunc("POST /api/rooms", s.handleCreateRoom)
	s.mux.HandleFunc("GET /api/rooms/{id}", s.handleGetRoom)
	s.mux.HandleFunc("GET /api/rooms/{id}/messages", s.handleRoomMessages)
	s.mux.HandleFunc("GET /api/rooms/{id}/members", s.handleRoomMembers)
	s.mux.HandleFunc("POST /api/rooms/{id}/assistant", s.handleAddAssistant)
	s.mux.HandleFunc("DELETE /api/rooms/{id}/assistant", s.handleRemoveAssistant)

	if s.accounts != nil {
		s.mux.HandleFunc("POST /auth/signup", s.handleSignup)
		s.mux.HandleFunc("POST /auth/login", s.handleLogin)
		s.mux.HandleFunc("GET /auth/me", s.handleMe)
	}

	s.mux.Handle("GET /ws/{room}", s.ws)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Connections ws.ConnStats `json:"connections"`
	Rooms       int          `json:"rooms"`
	Members     int          `json:"members"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	reg := s.broadcaster.Registry()
	rooms := reg.Rooms()
	members := 0
	for _, id := range rooms {
		members += reg.Count(id)
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Connections: s.conns.Stats(),
		Rooms:       len(rooms),
		Members:     members,
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	clients := s.conns.Clients()
	sort.Slice(clients, func(i, j int) bool { return clients[i].ConnectedAt.Before(clients[j].ConnectedAt) })
	writeJSON(w, http.StatusOK, clients)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Str("module", "server").Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v)
}
