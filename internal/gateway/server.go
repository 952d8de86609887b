// Package gateway exposes the daemon over HTTP and WebSocket: hook ingress
// for CLI adapters, direct tool invocation, and an RPC surface for dashboards
// and SDK clients. All state changes go through the domain services; the
// gateway only translates the wire.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/gobby-dev/gobby/internal/agents"
	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/config"
	"github.com/gobby-dev/gobby/internal/hooks"
	"github.com/gobby-dev/gobby/internal/party"
	"github.com/gobby-dev/gobby/internal/sessions"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/internal/tasks"
	"github.com/gobby-dev/gobby/internal/tools"
	"github.com/gobby-dev/gobby/internal/workflow"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

const maxHookBody = 1 << 20

// Server is the daemon's network front door.
type Server struct {
	cfg     *config.Config
	events  bus.EventPublisher
	ingress *hooks.Ingress
	tools   *tools.Registry
	logger  *slog.Logger

	sessions *sessions.Manager
	agents   *agents.Registry
	graph    *tasks.Graph
	parties  *party.Scheduler
	loader   *workflow.Loader

	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	router   *methodRouter

	mu      sync.RWMutex
	clients map[string]*client

	httpServer *http.Server
	started    time.Time
}

func NewServer(cfg *config.Config, events bus.EventPublisher, ingress *hooks.Ingress, reg *tools.Registry, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		events:  events,
		ingress: ingress,
		tools:   reg,
		logger:  logger,
		clients: make(map[string]*client),
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The daemon binds to loopback; non-browser clients send no Origin.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	if rps := cfg.Daemon.RateLimitRPS; rps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(rps), rps*2)
	}
	s.router = newMethodRouter(s)
	return s
}

// SetSessions wires the session manager for RPC lookups.
func (s *Server) SetSessions(m *sessions.Manager) { s.sessions = m }

// SetAgents wires the agent registry for RPC lookups and kills.
func (s *Server) SetAgents(r *agents.Registry) { s.agents = r }

// SetTasks wires the task graph for RPC lookups.
func (s *Server) SetTasks(g *tasks.Graph) { s.graph = g }

// SetParties wires the party scheduler for RPC lookups.
func (s *Server) SetParties(p *party.Scheduler) { s.parties = p }

// SetLoader wires the workflow loader for list/reload.
func (s *Server) SetLoader(l *workflow.Loader) { s.loader = l }

// Mux builds the HTTP route table.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/hooks/", s.handleHook)
	mux.HandleFunc("/v1/tools/invoke", s.handleToolsInvoke)
	mux.Handle("/mcp", s.handleMCP())
	return mux
}

// Start listens until the context is cancelled, then drains.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.Mux(),
	}
	s.logger.Info("gateway listening", "addr", s.httpServer.Addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace())
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// authorize checks the shared token when one is configured. Hook ingress is
// exempt: CLI hook commands run on the same machine and carry no token.
func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.Daemon.Token
	if token == "" {
		return true
	}
	got := r.Header.Get("X-Gobby-Token")
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func (s *Server) allow(w http.ResponseWriter) bool {
	if s.limiter != nil && !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests,
			protocol.ErrResponse("", "backend_unavailable", "rate limit exceeded"))
		return false
	}
	return true
}

// handleHook receives POST /hooks/{source} from CLI hook commands.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allow(w) {
		return
	}
	source := strings.TrimPrefix(r.URL.Path, "/hooks/")
	if source == "" || strings.Contains(source, "/") {
		http.Error(w, "unknown hook source", http.StatusNotFound)
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxHookBody)).Decode(&payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	resp, err := s.ingress.Handle(r.Context(), source, payload)
	if err != nil {
		s.logger.Warn("hook handling failed", "source", source, "error", err)
		writeJSON(w, statusForKind(store.Kind(err)),
			map[string]any{"error": store.Kind(err)})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleToolsInvoke is the direct HTTP path for tool calls, used by MCP
// shims and scripts that do not hold a WebSocket open.
func (s *Server) handleToolsInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.allow(w) {
		return
	}

	var req struct {
		SessionID string         `json:"session_id"`
		Tool      string         `json:"tool"`
		Args      map[string]any `json:"args"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, int64(s.cfg.Daemon.MaxInputBytes)+4096)).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	res := s.tools.Dispatch(r.Context(), req.SessionID, req.Tool, req.Args)
	status := http.StatusOK
	if res.IsError {
		status = statusForKind(res.ErrorKind)
	}
	writeJSON(w, status, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"protocol":   protocol.ProtocolVersion,
		"uptime_sec": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn, s)
	s.register(c)
	defer func() {
		s.unregister(c)
		c.close()
	}()
	c.run(r.Context())
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.events.Subscribe(c.id, func(ev bus.Event) {
		c.sendEvent(*protocol.NewEvent(ev.Name, ev.Payload))
	})
	s.logger.Info("client connected", "client_id", c.id)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.events.Unsubscribe(c.id)
	s.logger.Info("client disconnected", "client_id", c.id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusForKind(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "invalid_state", "cycle_detected", "depth_exceeded":
		return http.StatusConflict
	case "conflict":
		return http.StatusConflict
	case "input_too_large":
		return http.StatusRequestEntityTooLarge
	case "timeout":
		return http.StatusGatewayTimeout
	case "backend_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// StartTestServer binds to a random loopback port and returns its address.
// Used by integration tests.
func StartTestServer(ctx context.Context, s *Server) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	s.httpServer = &http.Server{Handler: s.Mux()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	go s.httpServer.Serve(ln)
	return ln.Addr().String(), nil
}
