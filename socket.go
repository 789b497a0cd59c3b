package sockethub

import (
	"sync"
	"sync/atomic"

	"github.com/ramory-l/sockethub/engineio"
)

// Socket represents a client connection
type Socket struct {
	id           string
	conn         Conn
	namespace    *Namespace
	handshake    Handshake
	connected    atomic.Bool
	rooms        map[string]bool
	roomsMu      sync.RWMutex
	handlers     map[string][]EventHandler
	handlersMu   sync.RWMutex
	ackID        atomic.Int64
	ackHandlers  sync.Map
	data         sync.Map
	onDisconnect []func(string)
	disconnected bool
	closeReason  string
	disconnectMu sync.RWMutex
}

// EventHandler handles Socket.IO events
type EventHandler func(...interface{})

// AckHandler handles acknowledgment responses
type AckHandler func(...interface{})

// AckFunc is appended as the last handler argument when the client asked
// for an acknowledgment.
type AckFunc = func(...interface{})

func newSocket(id string, conn Conn, namespace *Namespace, handshake Handshake) *Socket {
	socket := &Socket{
		id:        id,
		conn:      conn,
		namespace: namespace,
		handshake: handshake,
		rooms:     make(map[string]bool),
		handlers:  make(map[string][]EventHandler),
	}
	socket.connected.Store(true)

	conn.OnMessage(socket.handleMessage)

	return socket
}

// ID returns the socket ID
func (s *Socket) ID() string {
	return s.id
}

// Namespace returns the namespace the socket is connected to.
func (s *Socket) Namespace() *Namespace {
	return s.namespace
}

// Handshake returns the connection details captured at connect time.
func (s *Socket) Handshake() Handshake {
	return s.handshake
}

// Connected reports whether the socket is still open.
func (s *Socket) Connected() bool {
	return s.connected.Load()
}

// Emit sends an event to the client
func (s *Socket) Emit(event string, data ...interface{}) error {
	return s.sendPacket(newEventPacket(s.namespace.name, event, data))
}

// EmitWithAck sends an event and expects an acknowledgment
func (s *Socket) EmitWithAck(event string, ack AckHandler, data ...interface{}) error {
	packet := newEventPacket(s.namespace.name, event, data)

	id := int(s.ackID.Add(1))
	packet.ID = &id
	s.ackHandlers.Store(id, ack)

	if err := s.sendPacket(packet); err != nil {
		s.ackHandlers.Delete(id)
		return err
	}
	return nil
}

// On registers an event handler
func (s *Socket) On(event string, handler EventHandler) {
	s.handlersMu.Lock()
	s.handlers[event] = append(s.handlers[event], handler)
	s.handlersMu.Unlock()
}

// Off removes event handlers
func (s *Socket) Off(event string) {
	s.handlersMu.Lock()
	delete(s.handlers, event)
	s.handlersMu.Unlock()
}

// Join adds the socket to a room. Joining twice is a no-op.
func (s *Socket) Join(room string) {
	s.roomsMu.Lock()
	s.rooms[room] = true
	s.roomsMu.Unlock()

	s.namespace.adapter.Add(s.id, room)
}

// Leave removes the socket from a room. Leaving a room the socket is not in
// is a no-op.
func (s *Socket) Leave(room string) {
	s.roomsMu.Lock()
	delete(s.rooms, room)
	s.roomsMu.Unlock()

	s.namespace.adapter.Remove(s.id, room)
}

// Rooms returns all rooms the socket is in
func (s *Socket) Rooms() []string {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()

	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// In reports whether the socket is in room.
func (s *Socket) In(room string) bool {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()

	return s.rooms[room]
}

// Set stores arbitrary data on the socket
func (s *Socket) Set(key string, value interface{}) {
	s.data.Store(key, value)
}

// Get retrieves data from the socket
func (s *Socket) Get(key string) (interface{}, bool) {
	return s.data.Load(key)
}

// OnDisconnect registers a disconnect handler. On a socket that has already
// disconnected the handler is called right away.
func (s *Socket) OnDisconnect(handler func(string)) {
	s.disconnectMu.Lock()
	if s.disconnected {
		reason := s.closeReason
		s.disconnectMu.Unlock()
		go handler(reason)
		return
	}
	s.onDisconnect = append(s.onDisconnect, handler)
	s.disconnectMu.Unlock()
}

// Disconnect tells the client it is being disconnected, then closes the
// underlying connection.
func (s *Socket) Disconnect() {
	if !s.connected.Load() {
		return
	}
	s.sendPacket(&Packet{Type: PacketTypeDisconnect, Namespace: s.namespace.name})
	s.conn.Close("server namespace disconnect")
}

func (s *Socket) sendPacket(packet *Packet) error {
	encoded, err := packet.Encode()
	if err != nil {
		return err
	}

	return s.conn.Send(engineio.Message(encoded))
}

func (s *Socket) handleMessage(data []byte) {
	packet, err := DecodePacket(string(data))
	if err != nil {
		s.namespace.server.logger.Debug("Dropping malformed packet", "socket", s.id, "error", err)
		return
	}

	switch packet.Type {
	case PacketTypeEvent:
		s.handleEvent(packet)
	case PacketTypeAck:
		s.handleAck(packet)
	case PacketTypeDisconnect:
		s.conn.Close("client namespace disconnect")
	}
}

func (s *Socket) handleEvent(packet *Packet) {
	dataArray, ok := packet.Data.([]interface{})
	if !ok || len(dataArray) == 0 {
		return
	}

	event, ok := dataArray[0].(string)
	if !ok {
		return
	}

	args := dataArray[1:]

	if packet.ID != nil {
		var once sync.Once
		ackFunc := AckFunc(func(ackData ...interface{}) {
			once.Do(func() {
				s.sendPacket(&Packet{
					Type:      PacketTypeAck,
					Namespace: s.namespace.name,
					Data:      ackData,
					ID:        packet.ID,
				})
			})
		})
		args = append(args, ackFunc)
	}

	s.handlersMu.RLock()
	handlers := s.handlers[event]
	s.handlersMu.RUnlock()

	for _, handler := range handlers {
		go handler(args...)
	}
}

func (s *Socket) handleAck(packet *Packet) {
	if packet.ID == nil {
		return
	}

	val, ok := s.ackHandlers.LoadAndDelete(*packet.ID)
	if !ok {
		return
	}

	handler := val.(AckHandler)

	var args []interface{}
	if dataArray, ok := packet.Data.([]interface{}); ok {
		args = dataArray
	}

	go handler(args...)
}

func (s *Socket) handleClose(reason string) {
	if !s.connected.CompareAndSwap(true, false) {
		return
	}

	for _, room := range s.Rooms() {
		s.Leave(room)
	}

	s.namespace.removeSocket(s.id)

	s.disconnectMu.Lock()
	s.disconnected = true
	s.closeReason = reason
	handlers := s.onDisconnect
	s.onDisconnect = nil
	s.disconnectMu.Unlock()

	for _, handler := range handlers {
		go handler(reason)
	}
}
