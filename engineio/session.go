package engineio

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// RequestInfo is the part of the upgrade request kept for the session's
// lifetime.
type RequestInfo struct {
	Header     http.Header
	Query      url.Values
	RemoteAddr string
	Time       time.Time
}

func newRequestInfo(r *http.Request) RequestInfo {
	return RequestInfo{
		Header:     r.Header.Clone(),
		Query:      r.URL.Query(),
		RemoteAddr: r.RemoteAddr,
		Time:       time.Now(),
	}
}

// Session represents an Engine.IO session
type Session struct {
	id          string
	conn        *websocket.Conn
	server      *Server
	request     RequestInfo
	outgoing    chan *Packet
	writeMu     sync.Mutex
	pingTimer   *time.Timer
	pingTimeout *time.Timer
	closeOnce   sync.Once
	closed      chan struct{}
	mu          sync.RWMutex
	onMessage   func([]byte)
	onClose     []func(string)
	closeReason string
	isClosed    bool
}

// NewSession creates a new Engine.IO session
func NewSession(id string, conn *websocket.Conn, server *Server, request RequestInfo) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		server:   server,
		request:  request,
		outgoing: make(chan *Packet, 256),
		closed:   make(chan struct{}),
	}
}

// ID returns the session ID
func (s *Session) ID() string {
	return s.id
}

// Request returns the upgrade request details.
func (s *Session) Request() RequestInfo {
	return s.request
}

// Start starts the session loops
func (s *Session) Start() {
	go s.writeLoop()
	go s.readLoop()
	s.schedulePing()
}

// Send sends a packet to the client
func (s *Session) Send(packet *Packet) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outgoing <- packet:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		// Channel full, connection might be slow
		return ErrSlowClient
	}
}

// Close closes the session. Close handlers run once, in registration order.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.isClosed = true
		s.closeReason = reason
		close(s.closed)
		if s.pingTimer != nil {
			s.pingTimer.Stop()
		}
		if s.pingTimeout != nil {
			s.pingTimeout.Stop()
		}
		handlers := s.onClose
		s.mu.Unlock()

		s.flush()
		s.write(&Packet{Type: PacketTypeClose})

		s.conn.Close()

		for _, handler := range handlers {
			handler(reason)
		}
	})
}

// OnMessage sets the message handler
func (s *Session) OnMessage(fn func([]byte)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// OnClose adds a close handler. On a session that is already closed fn runs
// right away with the original reason.
func (s *Session) OnClose(fn func(string)) {
	s.mu.Lock()
	if s.isClosed {
		reason := s.closeReason
		s.mu.Unlock()
		fn(reason)
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

func (s *Session) write(packet *Packet) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, packet.Encode())
}

// flush writes whatever is still queued.
func (s *Session) flush() {
	for {
		select {
		case packet := <-s.outgoing:
			if err := s.write(packet); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) readLoop() {
	defer s.Close("transport close")

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		packet, err := DecodePacket(data)
		if err != nil {
			s.server.logger.Debug("Dropping malformed engine.io packet", "session", s.id, "error", err)
			continue
		}

		s.handlePacket(packet)
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case packet := <-s.outgoing:
			if err := s.write(packet); err != nil {
				s.Close("transport error")
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) handlePacket(packet *Packet) {
	switch packet.Type {
	case PacketTypePing:
		s.Send(&Packet{Type: PacketTypePong, Data: packet.Data})
	case PacketTypePong:
		s.handlePong()
	case PacketTypeMessage:
		s.handleMessage(packet.Data)
	case PacketTypeClose:
		s.Close("client closed")
	}
}

func (s *Session) handlePong() {
	s.mu.Lock()
	if s.pingTimeout != nil {
		s.pingTimeout.Stop()
	}
	s.mu.Unlock()
	s.schedulePing()
}

func (s *Session) handleMessage(data []byte) {
	s.mu.RLock()
	handler := s.onMessage
	s.mu.RUnlock()

	if handler != nil {
		handler(data)
	}
}

func (s *Session) schedulePing() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return
	default:
	}

	s.pingTimer = time.AfterFunc(s.server.config.PingInterval, func() {
		s.Send(&Packet{Type: PacketTypePing})
		s.schedulePingTimeout()
	})
}

func (s *Session) schedulePingTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return
	default:
	}

	s.pingTimeout = time.AfterFunc(s.server.config.PingTimeout, func() {
		s.Close("ping timeout")
	})
}
