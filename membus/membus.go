// Package membus is an in-process sockethub.Bus. Several servers in one
// process share a Network, each through its own endpoint, which lets tests
// run a cluster without a broker.
package membus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ramory-l/sockethub"
)

// ErrClosed is returned by operations on a closed endpoint.
var ErrClosed = errors.New("membus: closed")

// Network routes messages between endpoints.
type Network struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	inboxN atomic.Uint64
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{subs: make(map[string]map[*subscription]struct{})}
}

// Connect returns a new endpoint on the network.
func (n *Network) Connect() *Bus {
	return &Bus{network: n, subs: make(map[*subscription]struct{})}
}

// New returns an endpoint on a private network.
func New() *Bus {
	return NewNetwork().Connect()
}

func (n *Network) add(sub *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.subs[sub.subject] == nil {
		n.subs[sub.subject] = make(map[*subscription]struct{})
	}
	n.subs[sub.subject][sub] = struct{}{}
}

func (n *Network) remove(sub *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if set := n.subs[sub.subject]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(n.subs, sub.subject)
		}
	}
}

func (n *Network) subscribers(subject string) []*subscription {
	n.mu.RLock()
	defer n.mu.RUnlock()

	set := n.subs[subject]
	out := make([]*subscription, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	return out
}

// Bus is one endpoint of a Network. Publish delivers synchronously: handlers
// have run by the time it returns.
type Bus struct {
	network *Network
	closed  atomic.Bool

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

var _ sockethub.Bus = (*Bus)(nil)

// Publish hands msg to every current subscriber of its subject.
func (b *Bus) Publish(ctx context.Context, msg *sockethub.Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, sub := range b.network.subscribers(msg.Subject) {
		if sub.active.Load() {
			sub.handler(&sockethub.Message{
				Subject: msg.Subject,
				Reply:   msg.Reply,
				Data:    append([]byte(nil), msg.Data...),
			})
		}
	}
	return nil
}

// Subscribe registers handler for subject.
func (b *Bus) Subscribe(subject string, handler sockethub.MessageHandler) (sockethub.Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if subject == "" {
		return nil, errors.New("membus: empty subject")
	}

	sub := &subscription{bus: b, subject: subject, handler: handler}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.network.add(sub)
	return sub, nil
}

// NewInbox returns a subject no other endpoint uses.
func (b *Bus) NewInbox() string {
	return fmt.Sprintf("_INBOX.%d", b.network.inboxN.Add(1))
}

// Close drops every subscription of this endpoint. Other endpoints keep
// working.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.active.Store(false)
		b.network.remove(sub)
	}
	return nil
}

// Closed reports whether Close was called.
func (b *Bus) Closed() bool {
	return b.closed.Load()
}

type subscription struct {
	bus     *Bus
	subject string
	handler sockethub.MessageHandler
	active  atomic.Bool
}

func (s *subscription) Unsubscribe() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}

	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.bus.network.remove(s)
	return nil
}
