// Package realtime is the application-facing push layer: it owns the
// Socket.IO server and the coordination bus, tracks who is connected, guards
// room membership, and routes events and administrative commands across
// instances.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ramory-l/sockethub"
	"github.com/ramory-l/sockethub/internal/store"
)

// ErrNotReady is returned before the realtime layer has been initialized.
var ErrNotReady = errors.New("realtime layer not initialized")

// State is the lifecycle state of a Manager.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateInitialized
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// BusConnector opens the coordination bus at url.
type BusConnector func(ctx context.Context, url string) (sockethub.Bus, error)

// Config configures a Manager.
type Config struct {
	// BusURL is the coordination bus address. Empty runs the instance on
	// its own.
	BusURL string

	// Connect opens the bus. Required when BusURL is set.
	Connect BusConnector

	// Server configures the Socket.IO server. Its Adapter and Logger are
	// set by the Manager.
	Server sockethub.Config

	// Cluster configures the bus-backed adapter.
	Cluster sockethub.ClusterConfig

	Auth  Authenticator
	Chats store.ChatAccess

	// JoinLimit and JoinBurst bound room joins per socket.
	JoinLimit rate.Limit
	JoinBurst int

	// HandleSignals shuts the Service down on SIGINT or SIGTERM. Leave it
	// off when the process already owns graceful shutdown.
	HandleSignals bool

	Logger *slog.Logger
}

// Manager builds the realtime Service once and hands it out.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group

	mu          sync.Mutex
	state       State
	service     *Service
	stopSignals func()
}

// NewManager returns an uninitialized Manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JoinLimit <= 0 {
		cfg.JoinLimit = 5
	}
	if cfg.JoinBurst <= 0 {
		cfg.JoinBurst = 10
	}

	return &Manager{cfg: cfg, logger: logger}
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Get returns the Service, or ErrNotReady before Init completed.
func (m *Manager) Get() (*Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInitialized {
		return nil, ErrNotReady
	}
	return m.service, nil
}

// Init builds the Service. Concurrent callers share one attempt; once it
// succeeds every caller gets the same Service. A failed attempt leaves the
// Manager uninitialized so Init can be retried.
func (m *Manager) Init(ctx context.Context) (*Service, error) {
	if svc, err := m.Get(); err == nil {
		return svc, nil
	}

	v, err, _ := m.group.Do("init", func() (interface{}, error) {
		return m.init(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Service), nil
}

func (m *Manager) init(ctx context.Context) (*Service, error) {
	m.mu.Lock()
	if m.state == StateInitialized {
		svc := m.service
		m.mu.Unlock()
		return svc, nil
	}
	m.state = StateInitializing
	m.stopSignalsLocked()
	m.mu.Unlock()

	if m.cfg.Auth == nil {
		return nil, m.fail(nil, errors.New("realtime: authenticator is required"))
	}

	bus := m.connectBus(ctx)

	serverCfg := m.cfg.Server
	serverCfg.Logger = m.logger
	serverCfg.Adapter = nil
	if bus != nil {
		cluster := m.cfg.Cluster
		if cluster.Logger == nil {
			cluster.Logger = m.logger
		}
		serverCfg.Adapter = sockethub.NewClusterAdapterFactory(bus, cluster)
	}

	server, err := sockethub.NewServer(&serverCfg)
	if err != nil && bus != nil && errors.Is(err, sockethub.ErrAdapterUnavailable) {
		m.logger.Warn("Cluster adapter unavailable, running single-instance", "error", err)
		if cerr := bus.Close(); cerr != nil {
			m.logger.Warn("Failed to close bus", "error", cerr)
		}
		bus = nil
		serverCfg.Adapter = nil
		server, err = sockethub.NewServer(&serverCfg)
	}
	if err != nil {
		return nil, m.fail(bus, fmt.Errorf("create socket server: %w", err))
	}

	kinds := []RoomKind{UserRooms()}
	if m.cfg.Chats != nil {
		kinds = append(kinds, ChatRooms(m.cfg.Chats))
	}

	svc := newService(server, bus, m.cfg.Auth, kinds, &m.cfg, m.logger)

	m.mu.Lock()
	m.service = svc
	m.state = StateInitialized
	if m.cfg.HandleSignals {
		m.watchSignalsLocked(svc)
	}
	m.mu.Unlock()

	m.logger.Info("Realtime layer initialized", "clustered", bus != nil)
	return svc, nil
}

// connectBus returns nil when the instance has to run without a bus.
func (m *Manager) connectBus(ctx context.Context) sockethub.Bus {
	if strings.TrimSpace(m.cfg.BusURL) == "" {
		m.logger.Warn("No coordination bus configured, running single-instance")
		return nil
	}
	if m.cfg.Connect == nil {
		m.logger.Warn("No bus connector configured, running single-instance")
		return nil
	}

	bus, err := m.cfg.Connect(ctx, m.cfg.BusURL)
	if err != nil {
		m.logger.Warn("Coordination bus unavailable, running single-instance", "error", err)
		return nil
	}
	return bus
}

// fail undoes a partial init.
func (m *Manager) fail(bus sockethub.Bus, err error) error {
	if bus != nil {
		if cerr := bus.Close(); cerr != nil {
			m.logger.Warn("Failed to close bus after init failure", "error", cerr)
		}
	}

	m.mu.Lock()
	m.state = StateUninitialized
	m.service = nil
	m.mu.Unlock()

	m.logger.Error("Realtime init failed", "error", err)
	return err
}

func (m *Manager) watchSignalsLocked(svc *Service) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-ch:
			m.logger.Info("Termination signal received, shutting down", "signal", sig.String())
			// Adapters close before the bus: their bye rides on it.
			m.Close()
		case <-done:
		}
	}()

	m.stopSignals = func() {
		signal.Stop(ch)
		close(done)
	}
}

func (m *Manager) stopSignalsLocked() {
	if m.stopSignals != nil {
		m.stopSignals()
		m.stopSignals = nil
	}
}

// Close shuts the Service down and returns the Manager to uninitialized.
// Errors are logged and returned.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.stopSignalsLocked()
	svc := m.service
	m.service = nil
	m.state = StateUninitialized
	m.mu.Unlock()

	if svc == nil {
		return nil
	}

	err := svc.Close()
	if err != nil {
		m.logger.Warn("Realtime shutdown incomplete", "error", err)
	}
	return err
}

// HealthDetails reports not ready until Init completed.
func (m *Manager) HealthDetails(ctx context.Context) HealthDetails {
	svc, err := m.Get()
	if err != nil {
		return HealthDetails{}
	}
	return svc.HealthDetails(ctx)
}

// Handler serves Socket.IO under /socket.io/ and health under /healthz.
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/socket.io/", func(w http.ResponseWriter, r *http.Request) {
		svc, err := m.Get()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		svc.Handler().ServeHTTP(w, r)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, m.HealthDetails(r.Context()))
	})

	return mux
}
