// Package ethernet implements the 14-byte Ethernet frame header used by
// the tap-like virtual device (the loopback driver shares only the
// EtherType values and never builds a header), following the
// layer-registration convention used
// elsewhere in the pack for decoding framed protocols.
package ethernet

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/google/gopacket"
)

// HeaderLen is the fixed size of an Ethernet header with no 802.1Q tag.
const HeaderLen = 14

// EtherType identifies the payload protocol carried by a frame.
type EtherType uint16

const (
	TypeIPv4 EtherType = 0x0800
	TypeARP  EtherType = 0x0806
)

func (t EtherType) String() string {
	switch t {
	case TypeIPv4:
		return "IPv4"
	case TypeARP:
		return "ARP"
	default:
		return "unknown"
	}
}

// Broadcast is the link-layer broadcast address ff:ff:ff:ff:ff:ff.
var Broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ErrShortFrame is returned when a buffer is too small to hold a header.
var ErrShortFrame = errors.New("ethernet: frame shorter than header")

// FrameType is registered with gopacket so callers that only have raw frame
// bytes in hand can decode one with gopacket.NewPacket, the way the pack's
// own frame decoders (PIM-over-Ethernet) register a LayerType for their
// wire format instead of requiring callers to call Parse directly.
var FrameType = gopacket.RegisterLayerType(1800, gopacket.LayerTypeMetadata{Name: "Ethernet", Decoder: gopacket.DecodeFunc(decode)})

// Header is the parsed form of a 14-byte Ethernet header.
type Header struct {
	Dst  net.HardwareAddr
	Src  net.HardwareAddr
	Type EtherType
}

// Marshal serializes a Header followed by payload into one frame.
func (h Header) Marshal(payload []byte) []byte {
	b := make([]byte, HeaderLen+len(payload))
	copy(b[0:6], padMAC(h.Dst))
	copy(b[6:12], padMAC(h.Src))
	binary.BigEndian.PutUint16(b[12:14], uint16(h.Type))
	copy(b[HeaderLen:], payload)
	return b
}

// Parse splits a raw frame into its header and payload.
func Parse(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderLen {
		return Header{}, nil, ErrShortFrame
	}
	h := Header{
		Dst:  net.HardwareAddr(append([]byte(nil), frame[0:6]...)),
		Src:  net.HardwareAddr(append([]byte(nil), frame[6:12]...)),
		Type: EtherType(binary.BigEndian.Uint16(frame[12:14])),
	}
	return h, frame[HeaderLen:], nil
}

func padMAC(mac net.HardwareAddr) []byte {
	out := make([]byte, 6)
	copy(out, mac)
	return out
}

func decode(data []byte, p gopacket.PacketBuilder) error {
	h, payload, err := Parse(data)
	if err != nil {
		return err
	}
	p.AddLayer(&Layer{Header: h, Payload: payload})
	return nil
}

// Layer adapts Header to gopacket.Layer for use by the tap-like test
// harness's packet builder.
type Layer struct {
	Header  Header
	Payload []byte
}

func (l *Layer) LayerType() gopacket.LayerType { return FrameType }
func (l *Layer) LayerContents() []byte         { return l.Header.Marshal(nil)[:HeaderLen] }
func (l *Layer) LayerPayload() []byte          { return l.Payload }
