// Package testkit provides fakes for exercising sockets without a network.
package testkit

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ramory-l/sockethub"
	"github.com/ramory-l/sockethub/engineio"
)

var connSeq atomic.Int64

// Conn is an in-memory sockethub.Conn. It records what the server sends and
// lets a test play the client side.
type Conn struct {
	id string

	mu        sync.Mutex
	sent      []string
	onMessage func([]byte)
	onClose   []func(string)
	closed    bool
	reason    string
}

var _ sockethub.Conn = (*Conn)(nil)

// NewConn returns an open connection with a unique ID.
func NewConn() *Conn {
	return &Conn{id: fmt.Sprintf("conn-%d", connSeq.Add(1))}
}

// ID returns the connection ID.
func (c *Conn) ID() string {
	return c.id
}

// Send records a message packet.
func (c *Conn) Send(packet *engineio.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return engineio.ErrSessionClosed
	}
	if packet.Type == engineio.PacketTypeMessage {
		c.sent = append(c.sent, string(packet.Data))
	}
	return nil
}

// Close runs the close handlers once.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reason = reason
	handlers := c.onClose
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(reason)
	}
}

// OnMessage sets the inbound message handler.
func (c *Conn) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnClose adds a close handler. On a closed connection fn runs right away.
func (c *Conn) OnClose(fn func(string)) {
	c.mu.Lock()
	if c.closed {
		reason := c.reason
		c.mu.Unlock()
		fn(reason)
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Closed reports whether the connection was closed, and why.
func (c *Conn) Closed() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed, c.reason
}

// Sent returns the Socket.IO packets written so far.
func (c *Conn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.sent...)
}

// Receive plays an encoded Socket.IO packet from the client.
func (c *Conn) Receive(packet *sockethub.Packet) error {
	encoded, err := packet.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()

	if handler != nil {
		handler([]byte(encoded))
	}
	return nil
}

// ClientEmit sends an event from the client. A non-negative ackID asks the
// server to acknowledge.
func (c *Conn) ClientEmit(namespace string, ackID int, event string, args ...interface{}) error {
	data := append([]interface{}{event}, args...)
	packet := &sockethub.Packet{Type: sockethub.PacketTypeEvent, Namespace: namespace, Data: data}
	if ackID >= 0 {
		id := ackID
		packet.ID = &id
	}
	return c.Receive(packet)
}

// Event is a decoded EVENT packet received by the client.
type Event struct {
	Name string
	Args []json.RawMessage
}

// Events returns the EVENT packets sent so far, optionally filtered by name.
func (c *Conn) Events(names ...string) []Event {
	filter := make(map[string]bool, len(names))
	for _, name := range names {
		filter[name] = true
	}

	var events []Event
	for _, raw := range c.Sent() {
		packet, err := sockethub.DecodePacket(raw)
		if err != nil || packet.Type != sockethub.PacketTypeEvent {
			continue
		}
		event, ok := decodeEvent(packet.Data)
		if !ok || (len(filter) > 0 && !filter[event.Name]) {
			continue
		}
		events = append(events, event)
	}
	return events
}

// Acks returns the payloads of ACK packets for ackID.
func (c *Conn) Acks(ackID int) [][]interface{} {
	var acks [][]interface{}
	for _, raw := range c.Sent() {
		packet, err := sockethub.DecodePacket(raw)
		if err != nil || packet.Type != sockethub.PacketTypeAck || packet.ID == nil || *packet.ID != ackID {
			continue
		}
		args, _ := packet.Data.([]interface{})
		acks = append(acks, args)
	}
	return acks
}

// Disconnected reports whether the server sent a DISCONNECT packet.
func (c *Conn) Disconnected() bool {
	for _, raw := range c.Sent() {
		packet, err := sockethub.DecodePacket(raw)
		if err == nil && packet.Type == sockethub.PacketTypeDisconnect {
			return true
		}
	}
	return false
}

func decodeEvent(data interface{}) (Event, bool) {
	args, ok := data.([]interface{})
	if !ok || len(args) == 0 {
		return Event{}, false
	}
	name, ok := args[0].(string)
	if !ok {
		return Event{}, false
	}

	event := Event{Name: name}
	for _, arg := range args[1:] {
		raw, err := json.Marshal(arg)
		if err != nil {
			return Event{}, false
		}
		event.Args = append(event.Args, raw)
	}
	return event, true
}
