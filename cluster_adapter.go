package sockethub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type messageType string

const (
	typeBroadcast         messageType = "broadcast"
	typeServerSideEmit    messageType = "serverSideEmit"
	typeDisconnectSockets messageType = "disconnectSockets"
	typeFetchSockets      messageType = "fetchSockets"
	typeAllRooms          messageType = "allRooms"
	typeNamespaces        messageType = "namespaces"
	typeResponse          messageType = "response"
	typeHello             messageType = "hello"
	typeHeartbeat         messageType = "heartbeat"
	typeBye               messageType = "bye"
)

// envelope is the wire format between cluster adapters.
type envelope struct {
	Origin    string          `json:"origin"`
	Type      messageType     `json:"type"`
	Rooms     []string        `json:"rooms,omitempty"`
	Except    []string        `json:"except,omitempty"`
	Packet    string          `json:"packet,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	Sockets   []SocketDetails `json:"sockets,omitempty"`
	Names     []string        `json:"names,omitempty"`
}

func (e *envelope) options() BroadcastOptions {
	return BroadcastOptions{Rooms: e.Rooms, Except: e.Except}
}

// ClusterConfig tunes a ClusterAdapter.
type ClusterConfig struct {
	// Prefix is the first token of every subject, so several deployments
	// can share one broker.
	Prefix string

	// InstanceID identifies this server on the bus. Generated when empty.
	InstanceID string

	// RequestTimeout bounds how long cluster-wide queries wait for peers.
	RequestTimeout time.Duration

	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a silent peer is still counted.
	HeartbeatTimeout time.Duration

	Logger *slog.Logger
}

func (c *ClusterConfig) withDefaults() ClusterConfig {
	out := *c
	if out.Prefix == "" {
		out.Prefix = "sockethub"
	}
	if out.InstanceID == "" {
		out.InstanceID = uuid.NewString()
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 2 * time.Second
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 5 * time.Second
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = 3 * out.HeartbeatInterval
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// NewClusterAdapterFactory returns an AdapterFactory whose adapters
// coordinate over bus. All namespaces share the same instance ID.
func NewClusterAdapterFactory(bus Bus, config ClusterConfig) AdapterFactory {
	cfg := config.withDefaults()
	return func(ns *Namespace) (Adapter, error) {
		return NewClusterAdapter(ns, bus, cfg)
	}
}

type pendingRequest struct {
	responses chan *envelope
}

// ClusterAdapter keeps local membership in a MemoryAdapter and uses a Bus to
// reach the other instances. Each instance stays authoritative for its own
// sockets: broadcasts are delivered locally and published, and every peer
// delivers to its own members.
type ClusterAdapter struct {
	*MemoryAdapter

	bus     Bus
	ns      *Namespace
	cfg     ClusterConfig
	subject string
	inbox   string
	logger  *slog.Logger

	subs []Subscription

	peersMu sync.Mutex
	peers   map[string]time.Time

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	stop      chan struct{}
	closeOnce sync.Once
}

// NewClusterAdapter subscribes the namespace to the bus and announces this
// instance to its peers.
func NewClusterAdapter(ns *Namespace, bus Bus, config ClusterConfig) (*ClusterAdapter, error) {
	if bus == nil {
		return nil, errors.New("cluster adapter requires a bus")
	}
	cfg := config.withDefaults()

	a := &ClusterAdapter{
		MemoryAdapter: NewMemoryAdapter(ns),
		bus:           bus,
		ns:            ns,
		cfg:           cfg,
		subject:       namespaceSubject(cfg.Prefix, ns.Name()),
		inbox:         bus.NewInbox(),
		logger:        cfg.Logger.With("namespace", ns.Name(), "instance", cfg.InstanceID),
		peers:         make(map[string]time.Time),
		pending:       make(map[string]*pendingRequest),
		stop:          make(chan struct{}),
	}

	sub, err := bus.Subscribe(a.subject, a.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", a.subject, err)
	}
	a.subs = append(a.subs, sub)

	inboxSub, err := bus.Subscribe(a.inbox, a.handleResponse)
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}
	a.subs = append(a.subs, inboxSub)

	a.publish(context.Background(), &envelope{Type: typeHello})
	go a.heartbeatLoop()

	return a, nil
}

// namespaceSubject maps a namespace to a bus subject token: "/" becomes
// "root" and inner slashes become underscores.
func namespaceSubject(prefix, namespace string) string {
	token := strings.Trim(namespace, "/")
	if token == "" {
		token = "root"
	}
	token = strings.NewReplacer("/", "_", ".", "_", " ", "_", "*", "_", ">", "_").Replace(token)
	return prefix + ".ns." + token
}

// InstanceID returns this server's identity on the bus.
func (a *ClusterAdapter) InstanceID() string {
	return a.cfg.InstanceID
}

// Clustered is true.
func (a *ClusterAdapter) Clustered() bool {
	return true
}

// Peers returns the number of other live instances serving this namespace.
func (a *ClusterAdapter) Peers() int {
	a.peersMu.Lock()
	defer a.peersMu.Unlock()

	return len(a.peers)
}

// Broadcast delivers locally and fans the packet out to every peer.
func (a *ClusterAdapter) Broadcast(packet *Packet, opts BroadcastOptions) error {
	encoded, err := packet.Encode()
	if err != nil {
		return err
	}

	a.ns.deliver(a.targets(opts), encoded)

	return a.publish(context.Background(), &envelope{
		Type:   typeBroadcast,
		Rooms:  opts.Rooms,
		Except: opts.Except,
		Packet: encoded,
	})
}

// ServerSideEmit runs the local handlers and publishes the event.
func (a *ClusterAdapter) ServerSideEmit(event string, data []byte) error {
	a.ns.handleServerSideEmit(event, data)

	return a.publish(context.Background(), &envelope{
		Type:  typeServerSideEmit,
		Event: event,
		Data:  data,
	})
}

// DisconnectSockets disconnects matching local sockets and asks every peer to
// do the same.
func (a *ClusterAdapter) DisconnectSockets(opts BroadcastOptions) error {
	a.MemoryAdapter.DisconnectSockets(opts)

	return a.publish(context.Background(), &envelope{
		Type:   typeDisconnectSockets,
		Rooms:  opts.Rooms,
		Except: opts.Except,
	})
}

// FetchSockets gathers matching sockets from this instance and its peers.
func (a *ClusterAdapter) FetchSockets(ctx context.Context, opts BroadcastOptions) ([]SocketDetails, error) {
	local, _ := a.MemoryAdapter.FetchSockets(ctx, opts)

	responses, err := a.request(ctx, &envelope{
		Type:   typeFetchSockets,
		Rooms:  opts.Rooms,
		Except: opts.Except,
	})
	if err != nil {
		return nil, err
	}

	for _, resp := range responses {
		local = append(local, resp.Sockets...)
	}
	return local, nil
}

// AllRooms returns the union of every instance's rooms.
func (a *ClusterAdapter) AllRooms(ctx context.Context) ([]string, error) {
	responses, err := a.request(ctx, &envelope{Type: typeAllRooms})
	if err != nil {
		return nil, err
	}
	return union(a.Rooms(), responses), nil
}

// Namespaces returns the union of every instance's namespaces.
func (a *ClusterAdapter) Namespaces(ctx context.Context) ([]string, error) {
	responses, err := a.request(ctx, &envelope{Type: typeNamespaces})
	if err != nil {
		return nil, err
	}
	return union(a.ns.server.namespaceNames(), responses), nil
}

func union(local []string, responses []*envelope) []string {
	set := make(map[string]bool, len(local))
	for _, name := range local {
		set[name] = true
	}
	for _, resp := range responses {
		for _, name := range resp.Names {
			set[name] = true
		}
	}

	result := make([]string, 0, len(set))
	for name := range set {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Close says goodbye to the peers and drops the subscriptions. The bus
// itself belongs to the caller.
func (a *ClusterAdapter) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		close(a.stop)

		if err := a.publish(context.Background(), &envelope{Type: typeBye}); err != nil {
			a.logger.Debug("Failed to announce shutdown", "error", err)
		}

		for _, sub := range a.subs {
			if err := sub.Unsubscribe(); err != nil {
				errs = append(errs, err)
			}
		}

		errs = append(errs, a.MemoryAdapter.Close())
	})
	return errors.Join(errs...)
}

func (a *ClusterAdapter) publish(ctx context.Context, env *envelope) error {
	return a.publishTo(ctx, a.subject, env)
}

func (a *ClusterAdapter) publishTo(ctx context.Context, subject string, env *envelope) error {
	env.Origin = a.cfg.InstanceID

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", env.Type, err)
	}

	if err := a.bus.Publish(ctx, &Message{Subject: subject, Data: data}); err != nil {
		return fmt.Errorf("publish %s message: %w", env.Type, err)
	}
	return nil
}

// request publishes a query and waits until every known peer answered, the
// timeout passed or ctx ended. Missing answers are logged, not fatal.
func (a *ClusterAdapter) request(ctx context.Context, env *envelope) ([]*envelope, error) {
	expected := a.Peers()
	if expected == 0 {
		return nil, nil
	}

	env.RequestID = uuid.NewString()
	env.ReplyTo = a.inbox

	req := &pendingRequest{responses: make(chan *envelope, expected)}
	a.pendingMu.Lock()
	a.pending[env.RequestID] = req
	a.pendingMu.Unlock()

	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, env.RequestID)
		a.pendingMu.Unlock()
	}()

	if err := a.publish(ctx, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(a.cfg.RequestTimeout)
	defer timer.Stop()

	responses := make([]*envelope, 0, expected)
	for len(responses) < expected {
		select {
		case resp := <-req.responses:
			responses = append(responses, resp)
		case <-timer.C:
			a.logger.Warn("Cluster request timed out", "type", env.Type, "responses", len(responses), "expected", expected)
			return responses, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return responses, nil
}

func (a *ClusterAdapter) handleMessage(msg *Message) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		a.logger.Warn("Invalid cluster message", "subject", msg.Subject, "error", err)
		return
	}
	if env.Origin == "" || env.Origin == a.cfg.InstanceID {
		return
	}

	if env.Type == typeBye {
		a.forgetPeer(env.Origin)
		return
	}
	a.touchPeer(env.Origin)

	switch env.Type {
	case typeHello:
		// Answer right away so the newcomer counts us before our next beat.
		a.publish(context.Background(), &envelope{Type: typeHeartbeat})
	case typeHeartbeat:
	case typeBroadcast:
		a.ns.deliver(a.targets(env.options()), env.Packet)
	case typeServerSideEmit:
		a.ns.handleServerSideEmit(env.Event, env.Data)
	case typeDisconnectSockets:
		a.MemoryAdapter.DisconnectSockets(env.options())
	case typeFetchSockets:
		sockets, _ := a.MemoryAdapter.FetchSockets(context.Background(), env.options())
		a.reply(&env, &envelope{Sockets: sockets})
	case typeAllRooms:
		a.reply(&env, &envelope{Names: a.Rooms()})
	case typeNamespaces:
		a.reply(&env, &envelope{Names: a.ns.server.namespaceNames()})
	default:
		a.logger.Debug("Ignoring unknown cluster message", "type", env.Type)
	}
}

func (a *ClusterAdapter) reply(req *envelope, resp *envelope) {
	if req.ReplyTo == "" || req.RequestID == "" {
		return
	}
	resp.Type = typeResponse
	resp.RequestID = req.RequestID

	if err := a.publishTo(context.Background(), req.ReplyTo, resp); err != nil {
		a.logger.Warn("Failed to answer cluster request", "type", req.Type, "error", err)
	}
}

func (a *ClusterAdapter) handleResponse(msg *Message) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		a.logger.Warn("Invalid cluster response", "error", err)
		return
	}

	a.pendingMu.Lock()
	req, ok := a.pending[env.RequestID]
	a.pendingMu.Unlock()
	if !ok {
		return
	}

	select {
	case req.responses <- &env:
	default:
	}
}

func (a *ClusterAdapter) touchPeer(id string) {
	a.peersMu.Lock()
	a.peers[id] = time.Now()
	a.peersMu.Unlock()
}

func (a *ClusterAdapter) forgetPeer(id string) {
	a.peersMu.Lock()
	delete(a.peers, id)
	a.peersMu.Unlock()
}

func (a *ClusterAdapter) prunePeers() {
	deadline := time.Now().Add(-a.cfg.HeartbeatTimeout)

	a.peersMu.Lock()
	defer a.peersMu.Unlock()

	for id, seen := range a.peers {
		if seen.Before(deadline) {
			delete(a.peers, id)
			a.logger.Info("Peer expired", "peer", id)
		}
	}
}

func (a *ClusterAdapter) heartbeatLoop() {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if err := a.publish(context.Background(), &envelope{Type: typeHeartbeat}); err != nil {
				a.logger.Warn("Failed to publish heartbeat", "error", err)
			}
			a.prunePeers()
		}
	}
}
