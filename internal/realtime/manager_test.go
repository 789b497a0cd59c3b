package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramory-l/sockethub"
	"github.com/ramory-l/sockethub/membus"
)

func TestGetBeforeInit(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.config())

	_, err := m.Get()
	require.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, StateUninitialized, m.State())
	assert.False(t, m.HealthDetails(context.Background()).Ready)
	require.NoError(t, m.Close())
}

func TestConcurrentInitSharesOneAttempt(t *testing.T) {
	f := newFixture(t)
	network := membus.NewNetwork()

	var connects atomic.Int32
	cfg := f.config()
	cfg.BusURL = "membus://test"
	cfg.Connect = func(context.Context, string) (sockethub.Bus, error) {
		connects.Add(1)
		time.Sleep(50 * time.Millisecond)
		return network.Connect(), nil
	}

	m := NewManager(cfg)
	t.Cleanup(func() { m.Close() })

	const callers = 16
	services := make([]*Service, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			services[i], errs[i] = m.Init(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, services[0], services[i])
	}
	assert.EqualValues(t, 1, connects.Load())
	assert.Equal(t, StateInitialized, m.State())

	again, err := m.Init(context.Background())
	require.NoError(t, err)
	assert.Same(t, services[0], again)
	assert.EqualValues(t, 1, connects.Load())

	got, err := m.Get()
	require.NoError(t, err)
	assert.Same(t, services[0], got)
}

func TestInitDegradesWhenBusUnavailable(t *testing.T) {
	f := newFixture(t)

	cfg := f.config()
	cfg.BusURL = "nats://nowhere"
	cfg.Connect = func(context.Context, string) (sockethub.Bus, error) {
		return nil, errors.New("connection refused")
	}

	svc := f.start(cfg)
	assert.False(t, svc.Server().Default().Adapter().Clustered())

	socket, _ := connect(t, svc, "")
	socket.Join("chat:local")

	health := svc.HealthDetails(context.Background())
	assert.True(t, health.Ready)
	assert.Equal(t, ScopeLocal, health.Scope)
	assert.Equal(t, 1, health.ActiveRooms)
	assert.Equal(t, 1, health.ConnectedClients)
	assert.Equal(t, 1, health.Namespaces)
}

func TestInitWithoutBusURLSkipsConnect(t *testing.T) {
	f := newFixture(t)

	var connects atomic.Int32
	cfg := f.config()
	cfg.Connect = func(context.Context, string) (sockethub.Bus, error) {
		connects.Add(1)
		return membus.New(), nil
	}

	svc := f.start(cfg)
	assert.Zero(t, connects.Load())
	assert.Equal(t, ScopeLocal, svc.HealthDetails(context.Background()).Scope)
}

func TestInitFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	network := membus.NewNetwork()

	var buses []*membus.Bus
	cfg := f.clusterConfig(network)
	cfg.Connect = func(context.Context, string) (sockethub.Bus, error) {
		bus := network.Connect()
		buses = append(buses, bus)
		return bus, nil
	}
	cfg.Server.PingInterval = -time.Second

	m := NewManager(cfg)
	t.Cleanup(func() { m.Close() })

	_, err := m.Init(context.Background())
	require.Error(t, err)

	assert.Equal(t, StateUninitialized, m.State())
	_, err = m.Get()
	assert.ErrorIs(t, err, ErrNotReady)

	require.Len(t, buses, 1)
	assert.True(t, buses[0].Closed())
}

// flakyBus refuses subscriptions.
type flakyBus struct {
	*membus.Bus
}

func (flakyBus) Subscribe(string, sockethub.MessageHandler) (sockethub.Subscription, error) {
	return nil, errors.New("permissions violation")
}

func TestInitDegradesWhenAdapterCannotSubscribe(t *testing.T) {
	f := newFixture(t)
	network := membus.NewNetwork()

	var bus *membus.Bus
	cfg := f.clusterConfig(network)
	cfg.Connect = func(context.Context, string) (sockethub.Bus, error) {
		bus = network.Connect()
		return flakyBus{bus}, nil
	}

	m := NewManager(cfg)
	t.Cleanup(func() { m.Close() })

	svc, err := m.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateInitialized, m.State())
	assert.False(t, svc.Server().Default().Adapter().Clustered())
	assert.True(t, bus.Closed())

	socket, conn := connect(t, svc, f.token("u1", "s1", time.Hour))
	socket.Join("chat:c1")
	require.NoError(t, svc.EmitToRoom(EventChatMessage, "chat:c1", "hi"))
	assert.Len(t, conn.Events(EventChatMessage.String()), 1)

	health := svc.HealthDetails(context.Background())
	assert.True(t, health.Ready)
	assert.Equal(t, ScopeLocal, health.Scope)
}

func TestInitCanBeRetriedAfterFailure(t *testing.T) {
	f := newFixture(t)
	network := membus.NewNetwork()

	var buses []*membus.Bus
	cfg := f.clusterConfig(network)
	cfg.Connect = func(context.Context, string) (sockethub.Bus, error) {
		bus := network.Connect()
		buses = append(buses, bus)
		return bus, nil
	}
	cfg.Server.PingInterval = -time.Second

	m := NewManager(cfg)
	t.Cleanup(func() { m.Close() })

	_, err := m.Init(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateUninitialized, m.State())

	m.cfg.Server.PingInterval = 0

	svc, err := m.Init(context.Background())
	require.NoError(t, err)
	require.Len(t, buses, 2)
	assert.True(t, buses[0].Closed())
	assert.False(t, buses[1].Closed())
	assert.True(t, svc.Server().Default().Adapter().Clustered())
}

func TestInitRequiresAuthenticator(t *testing.T) {
	m := NewManager(Config{})

	_, err := m.Init(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateUninitialized, m.State())
}

func TestCloseReleasesBusOnce(t *testing.T) {
	f := newFixture(t)
	bus := membus.New()

	cfg := f.config()
	cfg.BusURL = "membus://test"
	cfg.Connect = func(context.Context, string) (sockethub.Bus, error) { return bus, nil }

	m := NewManager(cfg)
	svc, err := m.Init(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, bus.Closed())
	assert.False(t, svc.HealthDetails(context.Background()).Ready)

	assert.Equal(t, StateUninitialized, m.State())
	_, err = m.Get()
	assert.ErrorIs(t, err, ErrNotReady)
	assert.False(t, m.HealthDetails(context.Background()).Ready)
}

func TestTerminationSignalClosesBus(t *testing.T) {
	f := newFixture(t)
	bus := membus.New()

	cfg := f.config()
	cfg.BusURL = "membus://test"
	cfg.Connect = func(context.Context, string) (sockethub.Bus, error) { return bus, nil }
	cfg.HandleSignals = true

	m := NewManager(cfg)
	t.Cleanup(func() { m.Close() })

	_, err := m.Init(context.Background())
	require.NoError(t, err)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	require.Eventually(t, bus.Closed, waitFor, tick)
	require.Eventually(t, func() bool { return m.State() == StateUninitialized }, waitFor, tick)
}

func TestTerminationSignalSaysByeBeforeClosingBus(t *testing.T) {
	f := newFixture(t)
	network := membus.NewNetwork()

	peer := f.start(f.clusterConfig(network))

	cfg := f.clusterConfig(network)
	cfg.HandleSignals = true
	m := NewManager(cfg)
	t.Cleanup(func() { m.Close() })

	_, err := m.Init(context.Background())
	require.NoError(t, err)

	adapter := peer.Server().Default().Adapter().(*sockethub.ClusterAdapter)
	require.Equal(t, 1, adapter.Peers())

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	require.Eventually(t, func() bool { return adapter.Peers() == 0 }, waitFor, tick)
}

func TestHandler(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.config())
	t.Cleanup(func() { m.Close() })

	ts := httptest.NewServer(m.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/socket.io/?EIO=4&transport=websocket")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	_, err = m.Init(context.Background())
	require.NoError(t, err)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthDetails
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.True(t, health.Ready)
	assert.Equal(t, ScopeLocal, health.Scope)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "State(9)", State(9).String())
}
