package engineio

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, config *Config, onConnect func(*Session)) (*Server, string) {
	t.Helper()

	server, err := NewServer(config, nil)
	require.NoError(t, err)
	if onConnect != nil {
		server.OnConnect(onConnect)
	}

	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})

	return server, "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn *websocket.Conn) *Packet {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	packet, err := DecodePacket(data)
	require.NoError(t, err)
	return packet
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.PingInterval = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxPayload = -1
	assert.Error(t, bad.Validate())

	_, err := NewServer(bad, nil)
	assert.Error(t, err)
}

func TestHandshake(t *testing.T) {
	config := DefaultConfig()
	config.PingInterval = 300 * time.Millisecond
	server, url := newTestServer(t, config, nil)

	conn := dial(t, url, nil)

	open := readPacket(t, conn)
	require.Equal(t, PacketTypeOpen, open.Type)

	var hs HandshakeData
	require.NoError(t, json.Unmarshal(open.Data, &hs))
	assert.NotEmpty(t, hs.SID)
	assert.Equal(t, int64(300), hs.PingInterval)
	assert.Equal(t, int64(20000), hs.PingTimeout)
	assert.Equal(t, int64(1e6), hs.MaxPayload)
	assert.Empty(t, hs.Upgrades)

	require.Eventually(t, func() bool { return server.Len() == 1 }, time.Second, 10*time.Millisecond)

	_, ok := server.GetSession(hs.SID)
	assert.True(t, ok)
}

func TestServerPings(t *testing.T) {
	config := DefaultConfig()
	config.PingInterval = 50 * time.Millisecond
	_, url := newTestServer(t, config, nil)

	conn := dial(t, url, nil)
	readPacket(t, conn)

	ping := readPacket(t, conn)
	assert.Equal(t, PacketTypePing, ping.Type)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, (&Packet{Type: PacketTypePong}).Encode()))
}

func TestClientPingGetsPong(t *testing.T) {
	_, url := newTestServer(t, nil, nil)

	conn := dial(t, url, nil)
	readPacket(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("2probe")))
	pong := readPacket(t, conn)
	assert.Equal(t, PacketTypePong, pong.Type)
	assert.Equal(t, "probe", string(pong.Data))
}

func TestMessagesReachHandler(t *testing.T) {
	received := make(chan string, 1)
	_, url := newTestServer(t, nil, func(s *Session) {
		s.OnMessage(func(data []byte) {
			received <- string(data)
			s.Send(Message("echo:" + string(data)))
		})
	})

	conn := dial(t, url, nil)
	readPacket(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("4hello")))

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	reply := readPacket(t, conn)
	assert.Equal(t, PacketTypeMessage, reply.Type)
	assert.Equal(t, "echo:hello", string(reply.Data))
}

func TestCloseRunsHandlersAndNotifiesClient(t *testing.T) {
	sessions := make(chan *Session, 1)
	server, url := newTestServer(t, nil, func(s *Session) { sessions <- s })

	conn := dial(t, url, nil)
	readPacket(t, conn)

	session := <-sessions
	reasons := make(chan string, 2)
	session.OnClose(func(reason string) { reasons <- reason })

	session.Send(Message("last"))
	session.Close("test")
	session.Close("again")

	assert.Equal(t, "test", <-reasons)
	assert.Len(t, reasons, 0)

	var types []PacketType
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		packet, err := DecodePacket(data)
		require.NoError(t, err)
		types = append(types, packet.Type)
	}
	assert.Contains(t, types, PacketTypeClose)

	require.Eventually(t, func() bool { return server.Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, session.Send(Message("late")), ErrSessionClosed)

	// A handler added after the close runs at once.
	late := make(chan string, 1)
	session.OnClose(func(reason string) { late <- reason })
	require.Len(t, late, 1)
	assert.Equal(t, "test", <-late)
}

func TestRejectsPolling(t *testing.T) {
	server, err := NewServer(nil, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/socket.io/?EIO=4&transport=polling", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOriginCheck(t *testing.T) {
	config := DefaultConfig()
	config.AllowedOrigins = []string{"https://app.example/"}
	_, url := newTestServer(t, config, nil)

	good := http.Header{"Origin": {"https://APP.example"}}
	conn := dial(t, url, good)
	assert.Equal(t, PacketTypeOpen, readPacket(t, conn).Type)

	bad := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, bad)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker(nil))

	allowAll := originChecker([]string{"https://a.example", "*"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://whatever.example")
	assert.True(t, allowAll(req))

	strict := originChecker([]string{"https://a.example"})
	assert.False(t, strict(req))

	req.Header.Del("Origin")
	assert.True(t, strict(req))
}

func TestPacketRoundTrip(t *testing.T) {
	packet, err := DecodePacket((&Packet{Type: PacketTypeMessage, Data: []byte("payload")}).Encode())
	require.NoError(t, err)
	assert.Equal(t, PacketTypeMessage, packet.Type)
	assert.Equal(t, "payload", string(packet.Data))

	_, err = DecodePacket([]byte("9"))
	assert.Error(t, err)
	_, err = DecodePacket(nil)
	assert.Error(t, err)
}
