package sockethub

import (
	"net/http"
	"net/url"
	"time"

	"github.com/ramory-l/sockethub/engineio"
)

// Conn is the engine-level connection a Socket is carried over.
// *engineio.Session implements it. OnClose on a closed Conn must run the
// handler immediately.
type Conn interface {
	ID() string
	Send(packet *engineio.Packet) error
	Close(reason string)
	OnMessage(fn func([]byte))
	OnClose(fn func(string))
}

// Handshake describes how a socket connected. It travels with the socket's
// details when sockets are fetched from other instances.
type Handshake struct {
	Auth    map[string]interface{} `json:"auth,omitempty"`
	Query   url.Values             `json:"query,omitempty"`
	Header  http.Header            `json:"headers,omitempty"`
	Address string                 `json:"address,omitempty"`
	Time    time.Time              `json:"time"`
}

func newHandshake(request engineio.RequestInfo, auth map[string]interface{}) Handshake {
	return Handshake{
		Auth:    auth,
		Query:   request.Query,
		Header:  request.Header,
		Address: request.RemoteAddr,
		Time:    request.Time,
	}
}
