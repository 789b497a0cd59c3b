package realtime

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ramory-l/sockethub"
	"github.com/ramory-l/sockethub/internal/auth"
	"github.com/ramory-l/sockethub/internal/store"
	"github.com/ramory-l/sockethub/internal/testkit"
	"github.com/ramory-l/sockethub/membus"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var epoch = time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)

// clock is a settable time source shared by authenticators in a test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: epoch}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	t     *testing.T
	clock *clock
	auth  *auth.Authenticator
	chats *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	c := newClock()
	a, err := auth.NewAuthenticator("test-secret", c.Now)
	require.NoError(t, err)

	chats, err := store.Open(filepath.Join(t.TempDir(), "chats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { chats.Close() })

	return &fixture{t: t, clock: c, auth: a, chats: chats}
}

func (f *fixture) config() Config {
	return Config{
		Auth:      f.auth,
		Chats:     f.chats,
		JoinLimit: rate.Inf,
		JoinBurst: 100,
		Cluster: sockethub.ClusterConfig{
			Prefix:            "test",
			RequestTimeout:    500 * time.Millisecond,
			HeartbeatInterval: time.Minute,
		},
	}
}

// clusterConfig joins the manager to network.
func (f *fixture) clusterConfig(network *membus.Network) Config {
	cfg := f.config()
	cfg.BusURL = "membus://test"
	cfg.Connect = func(context.Context, string) (sockethub.Bus, error) {
		return network.Connect(), nil
	}
	return cfg
}

func (f *fixture) start(cfg Config) *Service {
	f.t.Helper()

	m := NewManager(cfg)
	f.t.Cleanup(func() { m.Close() })

	svc, err := m.Init(context.Background())
	require.NoError(f.t, err)
	return svc
}

func (f *fixture) token(userID, sessionID string, ttl time.Duration) string {
	f.t.Helper()

	token, err := f.auth.IssueToken(auth.Identity{
		UserID:    userID,
		SessionID: sessionID,
		ExpiresAt: f.clock.Now().Add(ttl),
	})
	require.NoError(f.t, err)
	return token
}

func connect(t *testing.T, svc *Service, token string) (*sockethub.Socket, *testkit.Conn) {
	t.Helper()

	handshake := sockethub.Handshake{}
	if token != "" {
		handshake.Auth = map[string]interface{}{"token": token}
	}

	conn := testkit.NewConn()
	socket, err := svc.Server().Accept(conn, "/", handshake)
	require.NoError(t, err)
	return socket, conn
}

var ackSeq atomic.Int32

// request emits event from the client and waits for the server's ack.
func request(t *testing.T, conn *testkit.Conn, event string, args ...interface{}) map[string]interface{} {
	t.Helper()

	id := int(ackSeq.Add(1))
	require.NoError(t, conn.ClientEmit("/", id, event, args...))

	var acks [][]interface{}
	require.Eventually(t, func() bool {
		acks = conn.Acks(id)
		return len(acks) > 0
	}, waitFor, tick, "no ack for %s", event)

	require.Len(t, acks[0], 1)
	reply, ok := acks[0][0].(map[string]interface{})
	require.True(t, ok, "unexpected ack %v", acks[0])
	return reply
}

func requireSuccess(t *testing.T, reply map[string]interface{}) {
	t.Helper()
	require.Equal(t, map[string]interface{}{"success": true}, reply)
}

func requireError(t *testing.T, reply map[string]interface{}, message string) {
	t.Helper()
	require.Equal(t, map[string]interface{}{"error": message}, reply)
}

// brokenChats fails or panics on every question.
type brokenChats struct {
	panics bool
}

func (b brokenChats) IsParticipant(context.Context, string, string) (bool, error) {
	if b.panics {
		panic("participant lookup exploded")
	}
	return false, errors.New("database is locked")
}

func (b brokenChats) IsCreator(context.Context, string, string) (bool, error) {
	return false, errors.New("database is locked")
}

func (b brokenChats) IsInviteOpen(context.Context, string) (bool, error) {
	return false, errors.New("database is locked")
}
