package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ramory-l/sockethub"
	"github.com/ramory-l/sockethub/internal/registry"
)

// Service is the initialized realtime layer. Business code emits through it
// and asks it to close sockets.
type Service struct {
	server   *sockethub.Server
	ns       *sockethub.Namespace
	registry *registry.Registry
	auth     Authenticator
	gateway  *Gateway
	logger   *slog.Logger
	metrics  *metrics

	bus     sockethub.Bus
	busOnce sync.Once
	busErr  error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newService(server *sockethub.Server, bus sockethub.Bus, authenticator Authenticator, kinds []RoomKind, cfg *Config, logger *slog.Logger) *Service {
	m := newMetrics()

	s := &Service{
		server:   server,
		ns:       server.Default(),
		registry: registry.New(authenticator),
		auth:     authenticator,
		gateway:  newGateway(authenticator, kinds, cfg.JoinLimit, cfg.JoinBurst, logger, m),
		logger:   logger,
		metrics:  m,
		bus:      bus,
	}

	s.ns.OnConnect(s.handleConnect)
	s.ns.OnServerSideEmit(string(commandDisconnectUser), s.commandHandler(commandDisconnectUser, s.registry.UserSockets))
	s.ns.OnServerSideEmit(string(commandDisconnectSession), s.commandHandler(commandDisconnectSession, s.registry.SessionSockets))

	return s
}

func (s *Service) handleConnect(socket *sockethub.Socket) {
	tracked := s.registry.Add(socket)
	s.metrics.connections.Add(context.Background(), 1)

	socket.OnDisconnect(func(reason string) {
		s.registry.Remove(socket)
		s.metrics.connections.Add(context.Background(), -1)
		s.logger.Debug("Socket disconnected", "socket", socket.ID(), "reason", reason)
	})

	s.gateway.Attach(socket)

	s.logger.Debug("Socket connected", "socket", socket.ID(), "tracked", tracked)
}

// Server returns the Socket.IO server.
func (s *Service) Server() *sockethub.Server {
	return s.server
}

// Handler returns the HTTP handler serving Socket.IO clients.
func (s *Service) Handler() http.Handler {
	return s.server
}

// Registry returns the local connection registry.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Gateway returns the room gateway.
func (s *Service) Gateway() *Gateway {
	return s.gateway
}

// EmitToRoom sends event to every socket in room on every instance without
// inspecting the sockets.
func (s *Service) EmitToRoom(event Event, room string, payload ...interface{}) error {
	if event.name == "" {
		return errors.New("unknown event")
	}
	if strings.TrimSpace(room) == "" {
		return ErrInvalidRoom
	}

	s.metrics.emit(context.Background(), event, false)
	return s.ns.To(room).Emit(event.name, payload...)
}

// EmitToRoomValidated sends event to the sockets in room whose session is
// still valid. Sockets with an expired session are disconnected instead,
// wherever they are connected. Sockets without an identity receive the
// event.
func (s *Service) EmitToRoomValidated(ctx context.Context, event Event, room string, payload ...interface{}) error {
	if event.name == "" {
		return errors.New("unknown event")
	}
	if strings.TrimSpace(room) == "" {
		return ErrInvalidRoom
	}

	sockets, err := s.ns.FetchSockets(ctx, room)
	if err != nil {
		return fmt.Errorf("fetch sockets in %s: %w", room, err)
	}

	recipients := make([]string, 0, len(sockets))
	for _, socket := range sockets {
		id, ok := s.auth.ResolveIdentity(socket.Handshake)
		if ok && s.auth.IsCredentialExpired(id) {
			if err := socket.Disconnect(); err != nil {
				s.logger.Warn("Failed to disconnect expired socket", "socket", socket.ID, "error", err)
			}
			s.metrics.expired.Add(ctx, 1)
			s.logger.Info("Disconnected socket with expired session", "socket", socket.ID, "session", id.SessionID)
			continue
		}
		recipients = append(recipients, socket.ID)
	}

	s.metrics.emit(ctx, event, true)
	if len(recipients) == 0 {
		return nil
	}
	return s.ns.To(recipients...).Emit(event.name, payload...)
}

// OnEvent registers handler for event on one local socket.
func (s *Service) OnEvent(socket *sockethub.Socket, event Event, handler sockethub.EventHandler) {
	if event.name == "" {
		return
	}
	socket.On(event.name, handler)
}

// CloseUserSockets disconnects every socket of userID on every instance.
// Blank IDs are ignored.
func (s *Service) CloseUserSockets(userID string) error {
	return s.sendCommand(commandDisconnectUser, userID)
}

// CloseSessionSockets disconnects every socket of sessionID on every
// instance. Blank IDs are ignored.
func (s *Service) CloseSessionSockets(sessionID string) error {
	return s.sendCommand(commandDisconnectSession, sessionID)
}

func (s *Service) sendCommand(cmd adminCommand, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		s.logger.Warn("Ignoring command without target", "command", cmd)
		return nil
	}

	s.metrics.command(cmd)
	if err := s.ns.ServerSideEmit(string(cmd), id); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	return nil
}

func (s *Service) commandHandler(cmd adminCommand, lookup func(string) []string) sockethub.ServerSideHandler {
	return func(data json.RawMessage) {
		var id string
		if err := json.Unmarshal(data, &id); err != nil || strings.TrimSpace(id) == "" {
			s.logger.Warn("Ignoring malformed command", "command", cmd, "error", err)
			return
		}

		ids := lookup(id)
		for _, socketID := range ids {
			if socket, ok := s.ns.GetSocket(socketID); ok {
				socket.Disconnect()
			}
		}
		if len(ids) > 0 {
			s.logger.Info("Disconnected sockets by command", "command", cmd, "target", id, "sockets", len(ids))
		}
	}
}

// closeBus releases the bus connection once.
func (s *Service) closeBus() error {
	s.busOnce.Do(func() {
		if s.bus != nil {
			s.busErr = s.bus.Close()
		}
	})
	return s.busErr
}

// Close shuts the server down and releases the bus. Later calls return the
// first result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		var errs []error
		if err := s.server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close server: %w", err))
		}
		if err := s.closeBus(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
