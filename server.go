package sockethub

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ramory-l/sockethub/engineio"
)

// ErrUnknownNamespace is returned when a client asks for a namespace the
// server does not serve.
var ErrUnknownNamespace = errors.New("invalid namespace")

// ErrAdapterUnavailable wraps failures of an AdapterFactory.
var ErrAdapterUnavailable = errors.New("adapter unavailable")

// Server represents a Socket.IO server
type Server struct {
	eio            *engineio.Server
	namespaces     map[string]*Namespace
	nsMu           sync.RWMutex
	adapterFactory AdapterFactory
	connectTimeout time.Duration
	logger         *slog.Logger
	closed         atomic.Bool
}

// Config represents Socket.IO server configuration
type Config struct {
	PingInterval   time.Duration
	PingTimeout    time.Duration
	MaxPayload     int64
	AllowedOrigins []string

	// ConnectTimeout bounds how long a new session may wait before sending
	// its namespace CONNECT packet.
	ConnectTimeout time.Duration

	// Adapter builds each namespace's adapter. Nil means MemoryAdapter.
	Adapter AdapterFactory

	Logger *slog.Logger
}

// NewServer creates a new Socket.IO server with the default namespace.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = &Config{}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	eioConfig := engineio.DefaultConfig()
	if config.PingInterval != 0 {
		eioConfig.PingInterval = config.PingInterval
	}
	if config.PingTimeout != 0 {
		eioConfig.PingTimeout = config.PingTimeout
	}
	if config.MaxPayload != 0 {
		eioConfig.MaxPayload = config.MaxPayload
	}
	eioConfig.AllowedOrigins = config.AllowedOrigins

	eio, err := engineio.NewServer(eioConfig, logger)
	if err != nil {
		return nil, err
	}

	connectTimeout := config.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 45 * time.Second
	}

	server := &Server{
		eio:            eio,
		namespaces:     make(map[string]*Namespace),
		adapterFactory: config.Adapter,
		connectTimeout: connectTimeout,
		logger:         logger,
	}

	if _, err := server.Of("/"); err != nil {
		return nil, err
	}

	server.eio.OnConnect(server.handleConnection)

	return server, nil
}

// Of returns a namespace, creating it if it doesn't exist
func (s *Server) Of(name string) (*Namespace, error) {
	if name == "" {
		name = "/"
	}
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}

	if ns, ok := s.lookup(name); ok {
		return ns, nil
	}

	s.nsMu.Lock()
	defer s.nsMu.Unlock()

	// Double-check after acquiring write lock
	if ns, exists := s.namespaces[name]; exists {
		return ns, nil
	}

	ns, err := newNamespace(name, s, s.adapterFactory)
	if err != nil {
		return nil, err
	}
	s.namespaces[name] = ns

	return ns, nil
}

// Default returns the "/" namespace.
func (s *Server) Default() *Namespace {
	ns, _ := s.lookup("/")
	return ns
}

func (s *Server) lookup(name string) (*Namespace, bool) {
	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	ns, ok := s.namespaces[name]
	return ns, ok
}

func (s *Server) namespaceNames() []string {
	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnConnect adds a connection handler for the default namespace
func (s *Server) OnConnect(handler func(*Socket)) {
	s.Default().OnConnect(handler)
}

// Emit broadcasts to all clients in the default namespace
func (s *Server) Emit(event string, data ...interface{}) error {
	return s.Default().Emit(event, data...)
}

// To returns a BroadcastOperator for the default namespace
func (s *Server) To(rooms ...string) *BroadcastOperator {
	return s.Default().To(rooms...)
}

// Accept binds an engine connection to a namespace. Transports call it once
// the client's CONNECT packet arrives; tests call it with fake connections.
func (s *Server) Accept(conn Conn, namespace string, handshake Handshake) (*Socket, error) {
	if namespace == "" {
		namespace = "/"
	}
	ns, ok := s.lookup(namespace)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, namespace)
	}
	if handshake.Time.IsZero() {
		handshake.Time = time.Now()
	}
	return ns.addSocket(conn, handshake), nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/socket.io/") {
		http.NotFound(w, r)
		return
	}
	if s.closed.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	s.eio.ServeHTTP(w, r)
}

// Close closes the server, all connections and every namespace adapter.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.eio.Close()

	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	var errs []error
	for name, ns := range s.namespaces {
		if err := ns.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close adapter %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// handleConnection waits for the client's CONNECT packet before creating the
// socket, so the namespace and auth payload are known.
func (s *Server) handleConnection(session *engineio.Session) {
	var bound atomic.Bool

	timer := time.AfterFunc(s.connectTimeout, func() {
		if !bound.Load() {
			session.Close("connect timeout")
		}
	})
	session.OnClose(func(string) { timer.Stop() })

	session.OnMessage(func(data []byte) {
		if bound.Load() {
			return
		}

		packet, err := DecodePacket(string(data))
		if err != nil || packet.Type != PacketTypeConnect {
			return
		}

		auth, _ := packet.Data.(map[string]interface{})
		handshake := newHandshake(session.Request(), auth)

		if _, err := s.Accept(session, packet.Namespace, handshake); err != nil {
			s.logger.Debug("Rejected namespace connect", "session", session.ID(), "namespace", packet.Namespace)
			rejection := &Packet{
				Type:      PacketTypeConnectError,
				Namespace: packet.Namespace,
				Data:      map[string]interface{}{"message": "Invalid namespace"},
			}
			if encoded, err := rejection.Encode(); err == nil {
				session.Send(engineio.Message(encoded))
			}
			return
		}

		bound.Store(true)
		timer.Stop()
	})
}

// ConnectedClients returns the number of sockets on this instance across all
// namespaces.
func (s *Server) ConnectedClients() int {
	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	total := 0
	for _, ns := range s.namespaces {
		total += ns.Len()
	}
	return total
}
