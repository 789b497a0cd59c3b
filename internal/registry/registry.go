// Package registry indexes the sockets connected to this instance by user
// and by session.
package registry

import (
	"sort"
	"sync"

	"github.com/ramory-l/sockethub"
	"github.com/ramory-l/sockethub/internal/auth"
)

// IdentityResolver reads the identity behind a handshake.
type IdentityResolver interface {
	ResolveIdentity(handshake sockethub.Handshake) (auth.Identity, bool)
}

// Socket is the part of a connection the registry needs.
type Socket interface {
	ID() string
	Handshake() sockethub.Handshake
}

// Registry maps users and sessions to local socket IDs. A key never maps to
// an empty set.
type Registry struct {
	resolver IdentityResolver

	mu       sync.RWMutex
	users    map[string]map[string]struct{}
	sessions map[string]map[string]struct{}
	sockets  map[string]auth.Identity
}

// New returns an empty registry.
func New(resolver IdentityResolver) *Registry {
	return &Registry{
		resolver: resolver,
		users:    make(map[string]map[string]struct{}),
		sessions: make(map[string]map[string]struct{}),
		sockets:  make(map[string]auth.Identity),
	}
}

// Add indexes socket under its user and session. Sockets without a
// resolvable identity are not tracked and Add reports false.
func (r *Registry) Add(socket Socket) bool {
	id, ok := r.resolver.ResolveIdentity(socket.Handshake())
	if !ok || id.SessionID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sockets[socket.ID()]; ok {
		r.removeLocked(socket.ID(), prev)
	}

	r.sockets[socket.ID()] = id
	if id.UserID != "" {
		insert(r.users, id.UserID, socket.ID())
	}
	insert(r.sessions, id.SessionID, socket.ID())
	return true
}

// Remove drops socket from every index. Unknown sockets are ignored.
func (r *Registry) Remove(socket Socket) {
	r.RemoveID(socket.ID())
}

// RemoveID drops the socket with the given ID from every index.
func (r *Registry) RemoveID(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.sockets[socketID]; ok {
		r.removeLocked(socketID, id)
	}
}

func (r *Registry) removeLocked(socketID string, id auth.Identity) {
	delete(r.sockets, socketID)
	if id.UserID != "" {
		remove(r.users, id.UserID, socketID)
	}
	remove(r.sessions, id.SessionID, socketID)
}

// UserSockets returns the local socket IDs of a user.
func (r *Registry) UserSockets(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return members(r.users[userID])
}

// SessionSockets returns the local socket IDs of a session.
func (r *Registry) SessionSockets(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return members(r.sessions[sessionID])
}

// Identity returns the identity a socket was registered with.
func (r *Registry) Identity(socketID string) (auth.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.sockets[socketID]
	return id, ok
}

// Len returns the number of tracked sockets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sockets)
}

// Keys returns the number of user and session keys. Used to check that
// emptied sets are dropped.
func (r *Registry) Keys() (users, sessions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.users), len(r.sessions)
}

func insert(index map[string]map[string]struct{}, key, socketID string) {
	set := index[key]
	if set == nil {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[socketID] = struct{}{}
}

func remove(index map[string]map[string]struct{}, key, socketID string) {
	set := index[key]
	if set == nil {
		return
	}
	delete(set, socketID)
	if len(set) == 0 {
		delete(index, key)
	}
}

func members(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
