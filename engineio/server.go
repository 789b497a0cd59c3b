package engineio

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSlowClient    = errors.New("slow client")
)

// Config holds Engine.IO server configuration
type Config struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	MaxPayload   int64 // bytes

	// AllowedOrigins lists the browser origins permitted to open a session.
	// Empty keeps the same-origin check; "*" admits any origin.
	AllowedOrigins []string
}

// DefaultConfig returns default Engine.IO configuration
func DefaultConfig() *Config {
	return &Config{
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		MaxPayload:   1e6,
	}
}

// Validate reports configuration values the server cannot run with.
func (c *Config) Validate() error {
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive, got %s", c.PingInterval)
	}
	if c.PingTimeout <= 0 {
		return fmt.Errorf("ping timeout must be positive, got %s", c.PingTimeout)
	}
	if c.MaxPayload <= 0 {
		return fmt.Errorf("max payload must be positive, got %d", c.MaxPayload)
	}
	return nil
}

// Server represents an Engine.IO server
type Server struct {
	config    *Config
	upgrader  websocket.Upgrader
	sessions  sync.Map
	count     atomic.Int64
	onConnect func(*Session)
	logger    *slog.Logger
}

// NewServer creates a new Engine.IO server
func NewServer(config *Config, logger *slog.Logger) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("engine.io config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(config.AllowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}, nil
}

// originChecker returns nil for an empty list so gorilla applies its
// same-origin check.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}

	origins := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			origins[origin] = true
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients do not send an origin.
			return true
		}
		return origins[strings.ToLower(strings.TrimRight(origin, "/"))]
	}
}

// ServeHTTP handles HTTP requests and upgrades to WebSocket
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "Only WebSocket transport is supported", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.config.MaxPayload)

	sid := generateSID()
	session := NewSession(sid, conn, s, newRequestInfo(r))

	handshake, err := EncodeHandshake(sid, s.config)
	if err != nil {
		conn.Close()
		return
	}

	if err := conn.WriteMessage(websocket.TextMessage, handshake); err != nil {
		conn.Close()
		return
	}

	s.sessions.Store(sid, session)
	s.count.Add(1)
	session.OnClose(func(reason string) {
		s.sessions.Delete(sid)
		s.count.Add(-1)
	})

	// Handlers are in place before the read loop can dispatch anything.
	if s.onConnect != nil {
		s.onConnect(session)
	}

	session.Start()
}

// OnConnect sets the connection handler
func (s *Server) OnConnect(fn func(*Session)) {
	s.onConnect = fn
}

// GetSession retrieves a session by ID
func (s *Server) GetSession(sid string) (*Session, bool) {
	val, ok := s.sessions.Load(sid)
	if !ok {
		return nil, false
	}
	return val.(*Session), true
}

// Len returns the number of open sessions.
func (s *Server) Len() int {
	return int(s.count.Load())
}

// Close closes all sessions
func (s *Server) Close() {
	s.sessions.Range(func(key, value interface{}) bool {
		session := value.(*Session)
		session.Close("server shutdown")
		return true
	})
}

func generateSID() string {
	b := make([]byte, 15)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
