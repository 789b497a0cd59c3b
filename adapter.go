package sockethub

import "context"

// BroadcastOptions selects the sockets an adapter operation applies to.
// No rooms means every socket in the namespace. A socket in any of the
// Except rooms is skipped; since every socket is in a room named after its
// own ID, Except also takes socket IDs.
type BroadcastOptions struct {
	Rooms  []string `json:"rooms,omitempty"`
	Except []string `json:"except,omitempty"`
}

// SocketDetails is the serializable view of a socket, local or remote.
type SocketDetails struct {
	ID        string    `json:"id"`
	Rooms     []string  `json:"rooms"`
	Handshake Handshake `json:"handshake"`
}

// Adapter is the interface for managing rooms and broadcasting.
//
// Membership methods act on this instance only. The remaining methods span
// every instance when the adapter is clustered.
type Adapter interface {
	// Add adds a socket to a room
	Add(socketID, room string)

	// Remove removes a socket from a room
	Remove(socketID, room string)

	// RemoveAll removes a socket from all rooms
	RemoveAll(socketID string)

	// Sockets returns the local socket IDs in a room
	Sockets(room string) []string

	// SocketRooms returns all rooms a socket is in
	SocketRooms(socketID string) []string

	// Rooms returns the local rooms, excluding sockets' own rooms
	Rooms() []string

	// Broadcast sends a packet to the sockets selected by opts
	Broadcast(packet *Packet, opts BroadcastOptions) error

	// FetchSockets returns the sockets selected by opts
	FetchSockets(ctx context.Context, opts BroadcastOptions) ([]SocketDetails, error)

	// AllRooms returns every room with at least one member
	AllRooms(ctx context.Context) ([]string, error)

	// Namespaces returns the namespace names served
	Namespaces(ctx context.Context) ([]string, error)

	// DisconnectSockets forcibly disconnects the sockets selected by opts
	DisconnectSockets(opts BroadcastOptions) error

	// ServerSideEmit runs the namespace's server-side handlers for event
	// on every instance, this one included
	ServerSideEmit(event string, data []byte) error

	// Clustered reports whether operations reach other instances
	Clustered() bool

	// Close cleans up the adapter
	Close() error
}

// AdapterFactory builds the adapter for a namespace.
type AdapterFactory func(ns *Namespace) (Adapter, error)
