// Package gateway is the WebSocket front door for GUI clients. One
// connection submits requests, receives acks, and gets the auto-reports
// of the root tasks it opened pushed back to it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/maestro/internal/bus"
	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/pkg/protocol"
)

// SubmitFunc opens a root task for a client request and enqueues it. It
// returns the task id echoed in the ack frame.
type SubmitFunc func(ctx context.Context, clientID string, req protocol.RequestFrame) (taskID string, err error)

// CancelFunc aborts a running task. False means no such task was running.
type CancelFunc func(taskID string) bool

// ErrClientGone is returned by Push when the target connection closed.
var ErrClientGone = errors.New("gateway: client disconnected")

// Server owns the listener and the connected client set.
type Server struct {
	cfg    *config.Config
	events *bus.MessageBus
	submit SubmitFunc
	cancel CancelFunc

	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires a gateway. submit and cancel must be non-nil.
func NewServer(cfg *config.Config, events *bus.MessageBus, submit SubmitFunc, cancel CancelFunc) *Server {
	s := &Server{
		cfg:     cfg,
		events:  events,
		submit:  submit,
		cancel:  cancel,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the Origin header against the configured
// whitelist. No whitelist means allow all; an empty Origin (CLI, SDK) is
// always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// authorized checks the bearer token when one is configured. Browser
// clients cannot set headers on WebSocket upgrades, so a token query
// parameter is accepted too.
func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Gateway.Token
	if token == "" {
		return true
	}
	if got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && got == token {
		return true
	}
	return r.URL.Query().Get("token") == token
}

// BuildMux creates and caches the HTTP mux. Call before Start when the
// mux is needed for additional listeners (Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens on the configured address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Gateway.Addr()
	s.httpServer = &http.Server{Addr: addr, Handler: s.BuildMux()}
	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Serve accepts on a caller-provided listener, used for the Tailscale
// tsnet listener alongside the local one.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.BuildMux()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()
	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%q}`, protocol.ProtocolVersion)
}

// Push delivers an auto-report frame to one client. Implements the report
// engine's GUI route.
func (s *Server) Push(clientID string, frame protocol.AutoReportFrame) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return ErrClientGone
	}
	client.Send(frame)
	return nil
}

// Broadcast fans an event frame out to every connected client.
func (s *Server) Broadcast(frame *protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.Send(frame)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	// Runtime events (notify, ask_user, channel status) ride the same
	// connection as the report frames.
	s.events.Subscribe(c.id, func(event bus.Event) {
		c.Send(protocol.NewEvent(event.Name, event.Payload))
	})
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.events.Unsubscribe(c.id)
	slog.Info("client disconnected", "id", c.id)
}
