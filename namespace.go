package sockethub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ramory-l/sockethub/engineio"
)

// ServerSideHandler handles an event emitted by a server instance rather
// than a client.
type ServerSideHandler func(data json.RawMessage)

// Namespace represents a Socket.IO namespace
type Namespace struct {
	name      string
	server    *Server
	adapter   Adapter
	sockets   map[string]*Socket
	mu        sync.RWMutex
	onConnect []func(*Socket)

	serverSide   map[string][]ServerSideHandler
	serverSideMu sync.RWMutex
}

func newNamespace(name string, server *Server, factory AdapterFactory) (*Namespace, error) {
	ns := &Namespace{
		name:       name,
		server:     server,
		sockets:    make(map[string]*Socket),
		serverSide: make(map[string][]ServerSideHandler),
	}

	if factory == nil {
		ns.adapter = NewMemoryAdapter(ns)
		return ns, nil
	}

	adapter, err := factory(ns)
	if err != nil {
		return nil, fmt.Errorf("namespace %s: %w: %w", name, ErrAdapterUnavailable, err)
	}
	ns.adapter = adapter

	return ns, nil
}

// Name returns the namespace name
func (ns *Namespace) Name() string {
	return ns.name
}

// Adapter returns the namespace's room adapter.
func (ns *Namespace) Adapter() Adapter {
	return ns.adapter
}

// OnConnect adds a connection handler for this namespace
func (ns *Namespace) OnConnect(handler func(*Socket)) {
	ns.mu.Lock()
	ns.onConnect = append(ns.onConnect, handler)
	ns.mu.Unlock()
}

// To returns a BroadcastOperator for emitting to specific rooms
func (ns *Namespace) To(rooms ...string) *BroadcastOperator {
	return &BroadcastOperator{
		namespace: ns,
		rooms:     append([]string(nil), rooms...),
	}
}

// Except returns a BroadcastOperator that skips the given rooms or sockets.
func (ns *Namespace) Except(rooms ...string) *BroadcastOperator {
	return ns.To().Except(rooms...)
}

// Emit broadcasts an event to all sockets in the namespace
func (ns *Namespace) Emit(event string, data ...interface{}) error {
	return ns.To().Emit(event, data...)
}

// FetchSockets returns the sockets in the given rooms across all instances.
func (ns *Namespace) FetchSockets(ctx context.Context, rooms ...string) ([]*RemoteSocket, error) {
	return ns.To(rooms...).FetchSockets(ctx)
}

// Sockets returns all connected sockets
func (ns *Namespace) Sockets() []*Socket {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	sockets := make([]*Socket, 0, len(ns.sockets))
	for _, socket := range ns.sockets {
		sockets = append(sockets, socket)
	}
	return sockets
}

// Len returns the number of sockets connected to this instance.
func (ns *Namespace) Len() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	return len(ns.sockets)
}

// GetSocket retrieves a socket by ID
func (ns *Namespace) GetSocket(id string) (*Socket, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	socket, ok := ns.sockets[id]
	return socket, ok
}

// ServerSideEmit runs the handlers registered for event on every instance.
// Nothing is acknowledged.
func (ns *Namespace) ServerSideEmit(event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal server-side event %s: %w", event, err)
	}
	return ns.adapter.ServerSideEmit(event, payload)
}

// OnServerSideEmit registers a handler for a server-side event.
func (ns *Namespace) OnServerSideEmit(event string, handler ServerSideHandler) {
	ns.serverSideMu.Lock()
	ns.serverSide[event] = append(ns.serverSide[event], handler)
	ns.serverSideMu.Unlock()
}

// OffServerSideEmit removes the handlers for a server-side event.
func (ns *Namespace) OffServerSideEmit(event string) {
	ns.serverSideMu.Lock()
	delete(ns.serverSide, event)
	ns.serverSideMu.Unlock()
}

func (ns *Namespace) handleServerSideEmit(event string, data []byte) {
	ns.serverSideMu.RLock()
	handlers := ns.serverSide[event]
	ns.serverSideMu.RUnlock()

	for _, handler := range handlers {
		handler(json.RawMessage(data))
	}
}

// deliver writes an encoded packet to local sockets.
func (ns *Namespace) deliver(socketIDs []string, encoded string) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	for _, id := range socketIDs {
		socket, ok := ns.sockets[id]
		if !ok {
			continue
		}
		if err := socket.conn.Send(engineio.Message(encoded)); err != nil {
			ns.server.logger.Debug("Dropped broadcast to socket", "namespace", ns.name, "socket", id, "error", err)
		}
	}
}

func (ns *Namespace) addSocket(conn Conn, handshake Handshake) *Socket {
	socket := newSocket(conn.ID(), conn, ns, handshake)

	ns.mu.Lock()
	ns.sockets[socket.ID()] = socket
	handlers := make([]func(*Socket), len(ns.onConnect))
	copy(handlers, ns.onConnect)
	ns.mu.Unlock()

	// Every socket sits in a room named after its own ID.
	socket.Join(socket.ID())

	socket.sendPacket(&Packet{
		Type:      PacketTypeConnect,
		Namespace: ns.name,
		Data:      map[string]interface{}{"sid": socket.ID()},
	})

	for _, handler := range handlers {
		handler(socket)
	}

	// Registered last: if the conn is already closed this tears the socket
	// down now, after every connect handler had its chance to hook
	// OnDisconnect.
	conn.OnClose(socket.handleClose)

	return socket
}

func (ns *Namespace) removeSocket(id string) {
	ns.mu.Lock()
	delete(ns.sockets, id)
	ns.mu.Unlock()

	ns.adapter.RemoveAll(id)
}

// BroadcastOperator provides methods for broadcasting to specific rooms
type BroadcastOperator struct {
	namespace *Namespace
	rooms     []string
	except    []string
}

// To adds rooms to broadcast to
func (b *BroadcastOperator) To(rooms ...string) *BroadcastOperator {
	next := *b
	next.rooms = append(append([]string(nil), b.rooms...), rooms...)
	return &next
}

// Except excludes rooms, or single sockets by ID, from the broadcast
func (b *BroadcastOperator) Except(rooms ...string) *BroadcastOperator {
	next := *b
	next.except = append(append([]string(nil), b.except...), rooms...)
	return &next
}

func (b *BroadcastOperator) options() BroadcastOptions {
	return BroadcastOptions{Rooms: b.rooms, Except: b.except}
}

// Emit broadcasts an event
func (b *BroadcastOperator) Emit(event string, data ...interface{}) error {
	packet := newEventPacket(b.namespace.name, event, data)
	return b.namespace.adapter.Broadcast(packet, b.options())
}

// FetchSockets returns the matching sockets across all instances.
func (b *BroadcastOperator) FetchSockets(ctx context.Context) ([]*RemoteSocket, error) {
	details, err := b.namespace.adapter.FetchSockets(ctx, b.options())
	if err != nil {
		return nil, err
	}

	sockets := make([]*RemoteSocket, 0, len(details))
	for _, d := range details {
		sockets = append(sockets, &RemoteSocket{SocketDetails: d, namespace: b.namespace})
	}
	return sockets, nil
}

// DisconnectSockets disconnects the matching sockets on every instance.
func (b *BroadcastOperator) DisconnectSockets() error {
	return b.namespace.adapter.DisconnectSockets(b.options())
}

// RemoteSocket is a socket that may live on another instance.
type RemoteSocket struct {
	SocketDetails
	namespace *Namespace
}

// Emit sends an event to this socket wherever it is connected.
func (r *RemoteSocket) Emit(event string, data ...interface{}) error {
	return r.namespace.To(r.ID).Emit(event, data...)
}

// Disconnect closes this socket wherever it is connected.
func (r *RemoteSocket) Disconnect() error {
	return r.namespace.To(r.ID).DisconnectSockets()
}
