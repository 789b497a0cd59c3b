package sockethub_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramory-l/sockethub"
)

func TestPacketEncode(t *testing.T) {
	id := 12

	tests := []struct {
		name   string
		packet *sockethub.Packet
		want   string
	}{
		{
			name:   "connect default namespace",
			packet: &sockethub.Packet{Type: sockethub.PacketTypeConnect, Namespace: "/"},
			want:   "0",
		},
		{
			name:   "event in namespace",
			packet: &sockethub.Packet{Type: sockethub.PacketTypeEvent, Namespace: "/admin", Data: []interface{}{"hello", 1}},
			want:   `2/admin,["hello",1]`,
		},
		{
			name:   "ack with id",
			packet: &sockethub.Packet{Type: sockethub.PacketTypeAck, Namespace: "/", ID: &id, Data: []interface{}{"ok"}},
			want:   `312["ok"]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.packet.Encode()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPacketDecode(t *testing.T) {
	packet, err := sockethub.DecodePacket(`2/chat,7["join:chat",{"id":"c1"}]`)
	require.NoError(t, err)

	assert.Equal(t, sockethub.PacketTypeEvent, packet.Type)
	assert.Equal(t, "/chat", packet.Namespace)
	require.NotNil(t, packet.ID)
	assert.Equal(t, 7, *packet.ID)
	assert.Equal(t, []interface{}{"join:chat", map[string]interface{}{"id": "c1"}}, packet.Data)
}

func TestPacketDecodeConnectWithAuth(t *testing.T) {
	packet, err := sockethub.DecodePacket(`0{"token":"abc"}`)
	require.NoError(t, err)

	assert.Equal(t, sockethub.PacketTypeConnect, packet.Type)
	assert.Equal(t, "/", packet.Namespace)
	assert.Equal(t, map[string]interface{}{"token": "abc"}, packet.Data)
}

func TestPacketDecodeErrors(t *testing.T) {
	for _, input := range []string{"", "9", `2["unterminated"`, `51-["bin"]`} {
		_, err := sockethub.DecodePacket(input)
		assert.Error(t, err, "input %q", input)
	}
}
