package ethernet

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_MarshalParse_RoundTrip(t *testing.T) {
	h := Header{
		Dst:  net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		Src:  net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		Type: TypeIPv4,
	}
	payload := []byte("payload bytes")
	frame := h.Marshal(payload)
	assert.Len(t, frame, HeaderLen+len(payload))

	got, gotPayload, err := Parse(frame)
	require.NoError(t, err)
	assert.Equal(t, h.Dst, got.Dst)
	assert.Equal(t, h.Src, got.Src)
	assert.Equal(t, h.Type, got.Type)
	assert.Equal(t, payload, gotPayload)
}

func TestParse_ShortFrame_ReturnsError(t *testing.T) {
	_, _, err := Parse(make([]byte, HeaderLen-1))
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestEtherType_String(t *testing.T) {
	assert.Equal(t, "IPv4", TypeIPv4.String())
	assert.Equal(t, "ARP", TypeARP.String())
	assert.Equal(t, "unknown", EtherType(0x1234).String())
}

func TestBroadcast_IsAllOnes(t *testing.T) {
	assert.Equal(t, net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, Broadcast)
}

// TestFrameType_Decode_BuildsGopacketLayer exercises the gopacket
// registration so a harness that only has raw frame bytes (no Header value
// in hand, e.g. bytes captured off a Wire) can decode one with
// gopacket.NewPacket instead of calling Parse directly.
func TestFrameType_Decode_BuildsGopacketLayer(t *testing.T) {
	h := Header{
		Dst:  net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		Src:  net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		Type: TypeARP,
	}
	payload := []byte("arp payload")
	frame := h.Marshal(payload)

	packet := gopacket.NewPacket(frame, FrameType, gopacket.Default)
	require.Nil(t, packet.ErrorLayer())

	layer, ok := packet.Layer(FrameType).(*Layer)
	require.True(t, ok)
	assert.Equal(t, h.Dst, layer.Header.Dst)
	assert.Equal(t, h.Src, layer.Header.Src)
	assert.Equal(t, h.Type, layer.Header.Type)
	assert.Equal(t, payload, layer.LayerPayload())
}
