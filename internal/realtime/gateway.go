package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ramory-l/sockethub"
	"github.com/ramory-l/sockethub/internal/auth"
)

var (
	// ErrRateLimited is returned when a socket joins rooms too quickly.
	ErrRateLimited = errors.New("too many join requests")

	// ErrForbidden is returned when the caller may not enter the room.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidRoom is returned when the room key is missing.
	ErrInvalidRoom = errors.New("room id is required")
)

const (
	limiterKey     = "realtime.joinLimiter"
	authorizeLimit = 5 * time.Second
)

// Authenticator is what the realtime layer needs to know about sessions.
type Authenticator interface {
	ResolveIdentity(handshake sockethub.Handshake) (auth.Identity, bool)
	Authenticate(handshake sockethub.Handshake, requireUser bool) (auth.Identity, error)
	IsCredentialExpired(id auth.Identity) bool
}

// Gateway handles room join and leave requests from clients.
type Gateway struct {
	auth    Authenticator
	kinds   []RoomKind
	limit   rate.Limit
	burst   int
	logger  *slog.Logger
	metrics *metrics
}

func newGateway(authenticator Authenticator, kinds []RoomKind, limit rate.Limit, burst int, logger *slog.Logger, m *metrics) *Gateway {
	return &Gateway{
		auth:    authenticator,
		kinds:   kinds,
		limit:   limit,
		burst:   burst,
		logger:  logger,
		metrics: m,
	}
}

// Attach registers the join and leave handlers of every kind on socket.
func (g *Gateway) Attach(socket *sockethub.Socket) {
	socket.Set(limiterKey, rate.NewLimiter(g.limit, g.burst))

	for _, kind := range g.kinds {
		socket.On(kind.join.name, func(args ...interface{}) {
			key, ack := parseRoomArgs(args)
			g.handle(ack, func() error {
				return g.Join(socket, kind, key)
			})
		})
		socket.On(kind.leave.name, func(args ...interface{}) {
			key, ack := parseRoomArgs(args)
			g.handle(ack, func() error {
				return g.Leave(socket, kind, key)
			})
		})
	}
}

// Join puts socket into the kind's room for key after rate limiting,
// authenticating and authorizing it.
func (g *Gateway) Join(socket *sockethub.Socket, kind RoomKind, key string) error {
	if limiter, ok := socket.Get(limiterKey); ok {
		if !limiter.(*rate.Limiter).Allow() {
			g.metrics.join(kind.name, "rate_limited")
			return ErrRateLimited
		}
	}

	key = strings.TrimSpace(key)
	if key == "" {
		g.metrics.join(kind.name, "invalid")
		return ErrInvalidRoom
	}

	id, err := g.auth.Authenticate(socket.Handshake(), kind.requireUser)
	if err != nil {
		g.metrics.join(kind.name, "unauthenticated")
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), authorizeLimit)
	defer cancel()

	allowed, err := kind.authorize(ctx, id, key)
	if err != nil {
		g.metrics.join(kind.name, "error")
		return fmt.Errorf("authorize %s: %w", kind.Room(key), err)
	}
	if !allowed {
		g.metrics.join(kind.name, "forbidden")
		return ErrForbidden
	}

	socket.Join(kind.Room(key))
	g.metrics.join(kind.name, "ok")
	g.logger.Debug("Socket joined room", "socket", socket.ID(), "room", kind.Room(key), "user", id.UserID)
	return nil
}

// Leave takes socket out of the kind's room for key. Leaving a room the
// socket is not in succeeds.
func (g *Gateway) Leave(socket *sockethub.Socket, kind RoomKind, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidRoom
	}

	socket.Leave(kind.Room(key))
	return nil
}

// handle runs fn and answers the client. Errors and panics become
// {"error": message}.
func (g *Gateway) handle(ack sockethub.AckFunc, fn func() error) {
	reply := func(v interface{}) {
		if ack != nil {
			ack(v)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Room handler panicked", "panic", r)
			reply(map[string]interface{}{"error": "internal error"})
		}
	}()

	if err := fn(); err != nil {
		reply(map[string]interface{}{"error": g.clientMessage(err)})
		return
	}
	reply(map[string]interface{}{"success": true})
}

func (g *Gateway) clientMessage(err error) string {
	for _, known := range []error{
		ErrRateLimited,
		ErrForbidden,
		ErrInvalidRoom,
		auth.ErrUnauthenticated,
		auth.ErrUserRequired,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}

	g.logger.Warn("Room request failed", "error", err)
	return "internal error"
}

// parseRoomArgs accepts a bare key or {"id": key}, optionally followed by
// the ack callback.
func parseRoomArgs(args []interface{}) (string, sockethub.AckFunc) {
	var ack sockethub.AckFunc
	if n := len(args); n > 0 {
		if fn, ok := args[n-1].(sockethub.AckFunc); ok {
			ack = fn
			args = args[:n-1]
		}
	}
	if len(args) == 0 {
		return "", ack
	}

	switch v := args[0].(type) {
	case string:
		return v, ack
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id, ack
		}
	}
	return "", ack
}
