// Package httpapi is a read-only observer surface for TUIs and web
// frontends: session listings and a websocket stream of output events.
// It is never a session's origin.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/teleclaude/teleclaude/internal/adapter"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/peers"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Observer surface on localhost; origin checks belong to a fronting
	// proxy if one is ever deployed.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server serves the observer API.
type Server struct {
	cfg    config.HTTPConfig
	node   config.NodeConfig
	store  *store.Store
	peers  *peers.Registry
	hub    *events.Hub
	logger *slog.Logger

	srv    *http.Server
	cancel context.CancelFunc
}

// NewServer builds the observer API server.
func NewServer(cfg *config.Config, st *store.Store, reg *peers.Registry, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg.HTTP,
		node:   cfg.Node,
		store:  st,
		peers:  reg,
		hub:    hub,
		logger: logger.With("component", "httpapi"),
	}
}

func (s *Server) Name() string { return "httpapi" }

func (s *Server) Capabilities() []adapter.Capability {
	return []adapter.Capability{adapter.CapUI}
}

// Start begins serving. Non-blocking.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/v1/sessions", s.handleSessions)
	r.Get("/v1/computers", s.handleComputers)
	r.Get("/v1/sessions/{id}/stream", s.handleStream(runCtx))

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		cancel()
		return err
	}
	s.srv = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http serve", "error", err)
		}
	}()
	s.logger.Info("observer api listening", "addr", s.cfg.Addr)
	return nil
}

// Stop shuts the server down. Idempotent.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.srv.Shutdown(ctx)
		s.srv = nil
		return err
	}
	return nil
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{
		Computer: r.URL.Query().Get("computer"),
		Status:   protocol.SessionStatus(r.URL.Query().Get("status")),
	}
	sessions, err := s.store.ListAll(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]protocol.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Summary())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleComputers(w http.ResponseWriter, r *http.Request) {
	out := []protocol.ComputerInfo{{
		Name:       s.node.ComputerName,
		Status:     "online",
		LastSeenAt: time.Now(),
	}}
	for _, p := range s.peers.ListOnline() {
		out = append(out, protocol.ComputerInfo{
			Name:         p.Computer,
			Status:       "online",
			LastSeenAt:   p.LastSeen,
			Capabilities: p.Caps,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStream upgrades to a websocket replaying output events for one
// session until the client goes away or the server stops.
func (s *Server) handleStream(serverCtx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		if _, err := s.store.Get(r.Context(), sessionID); err != nil {
			writeError(w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub := s.hub.Subscribe(
			events.OutputUpdated,
			events.RemoteOutputChunk,
			events.SessionTerminated,
		)
		defer s.hub.Unsubscribe(sub)

		// Drain client frames so pings/closes are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-serverCtx.Done():
				return
			case <-r.Context().Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.SessionID != sessionID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
				if ev.Name == events.SessionTerminated {
					return
				}
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch protocol.ErrorKind(err) {
	case protocol.ErrNotFound:
		status = http.StatusNotFound
	case protocol.ErrPermissionDenied:
		status = http.StatusForbidden
	case protocol.ErrConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
