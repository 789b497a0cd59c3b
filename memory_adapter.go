package sockethub

import (
	"context"
	"sync"
)

// MemoryAdapter keeps room membership for one instance. Used alone it is
// the single-instance adapter, and its cluster operations answer from local
// state.
type MemoryAdapter struct {
	rooms       map[string]map[string]bool // room -> socketIDs
	socketRooms map[string]map[string]bool // socketID -> rooms
	mu          sync.RWMutex
	namespace   *Namespace
}

// NewMemoryAdapter creates a new in-memory adapter
func NewMemoryAdapter(namespace *Namespace) *MemoryAdapter {
	return &MemoryAdapter{
		rooms:       make(map[string]map[string]bool),
		socketRooms: make(map[string]map[string]bool),
		namespace:   namespace,
	}
}

// Add adds a socket to a room
func (a *MemoryAdapter) Add(socketID, room string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rooms[room] == nil {
		a.rooms[room] = make(map[string]bool)
	}
	a.rooms[room][socketID] = true

	if a.socketRooms[socketID] == nil {
		a.socketRooms[socketID] = make(map[string]bool)
	}
	a.socketRooms[socketID][room] = true
}

// Remove removes a socket from a room
func (a *MemoryAdapter) Remove(socketID, room string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.removeLocked(socketID, room)
}

func (a *MemoryAdapter) removeLocked(socketID, room string) {
	if members := a.rooms[room]; members != nil {
		delete(members, socketID)
		if len(members) == 0 {
			delete(a.rooms, room)
		}
	}

	if rooms := a.socketRooms[socketID]; rooms != nil {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(a.socketRooms, socketID)
		}
	}
}

// RemoveAll removes a socket from all rooms
func (a *MemoryAdapter) RemoveAll(socketID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for room := range a.socketRooms[socketID] {
		a.removeLocked(socketID, room)
	}
	delete(a.socketRooms, socketID)
}

// Sockets returns all socket IDs in a room
func (a *MemoryAdapter) Sockets(room string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	sockets := a.rooms[room]
	result := make([]string, 0, len(sockets))
	for socketID := range sockets {
		result = append(result, socketID)
	}
	return result
}

// SocketRooms returns all rooms a socket is in
func (a *MemoryAdapter) SocketRooms(socketID string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rooms := a.socketRooms[socketID]
	result := make([]string, 0, len(rooms))
	for room := range rooms {
		result = append(result, room)
	}
	return result
}

// Rooms returns the rooms on this instance. A socket's own room, the one
// named after its ID, is not counted.
func (a *MemoryAdapter) Rooms() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := make([]string, 0, len(a.rooms))
	for room, members := range a.rooms {
		if members[room] {
			continue
		}
		result = append(result, room)
	}
	return result
}

// targets resolves opts against local membership.
func (a *MemoryAdapter) targets(opts BroadcastOptions) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	excluded := make(map[string]bool)
	for _, room := range opts.Except {
		excluded[room] = true
		for socketID := range a.rooms[room] {
			excluded[socketID] = true
		}
	}

	targets := make(map[string]bool)
	if len(opts.Rooms) == 0 {
		for socketID := range a.socketRooms {
			if !excluded[socketID] {
				targets[socketID] = true
			}
		}
	} else {
		for _, room := range opts.Rooms {
			for socketID := range a.rooms[room] {
				if !excluded[socketID] {
					targets[socketID] = true
				}
			}
		}
	}

	result := make([]string, 0, len(targets))
	for socketID := range targets {
		result = append(result, socketID)
	}
	return result
}

// Broadcast sends a packet to all sockets in specified rooms except excluded ones
func (a *MemoryAdapter) Broadcast(packet *Packet, opts BroadcastOptions) error {
	encoded, err := packet.Encode()
	if err != nil {
		return err
	}

	a.namespace.deliver(a.targets(opts), encoded)
	return nil
}

// FetchSockets returns the local sockets selected by opts.
func (a *MemoryAdapter) FetchSockets(_ context.Context, opts BroadcastOptions) ([]SocketDetails, error) {
	ids := a.targets(opts)

	details := make([]SocketDetails, 0, len(ids))
	for _, id := range ids {
		socket, ok := a.namespace.GetSocket(id)
		if !ok {
			continue
		}
		details = append(details, SocketDetails{
			ID:        id,
			Rooms:     a.SocketRooms(id),
			Handshake: socket.Handshake(),
		})
	}
	return details, nil
}

// AllRooms returns the local rooms.
func (a *MemoryAdapter) AllRooms(_ context.Context) ([]string, error) {
	return a.Rooms(), nil
}

// Namespaces returns the namespaces of the local server.
func (a *MemoryAdapter) Namespaces(_ context.Context) ([]string, error) {
	return a.namespace.server.namespaceNames(), nil
}

// DisconnectSockets disconnects the local sockets selected by opts.
func (a *MemoryAdapter) DisconnectSockets(opts BroadcastOptions) error {
	for _, id := range a.targets(opts) {
		if socket, ok := a.namespace.GetSocket(id); ok {
			socket.Disconnect()
		}
	}
	return nil
}

// ServerSideEmit runs the local handlers only.
func (a *MemoryAdapter) ServerSideEmit(event string, data []byte) error {
	a.namespace.handleServerSideEmit(event, data)
	return nil
}

// Clustered is false: nothing leaves this instance.
func (a *MemoryAdapter) Clustered() bool {
	return false
}

// Close cleans up the adapter
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rooms = make(map[string]map[string]bool)
	a.socketRooms = make(map[string]map[string]bool)

	return nil
}
