package tcpstack

import (
	"encoding/binary"

	"github.com/malbeclabs/netstackd/internal/addr"
	"github.com/malbeclabs/netstackd/internal/ipstack"
)

// HeaderLen is the fixed size of a TCP header; no options are ever emitted
// or expected.
const HeaderLen = 20

// Flags occupy the low 6 bits of the flags byte.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

func flagsString(f uint8) string {
	b := [6]byte{'-', '-', '-', '-', '-', '-'}
	if f&FlagURG != 0 {
		b[0] = 'U'
	}
	if f&FlagACK != 0 {
		b[1] = 'A'
	}
	if f&FlagPSH != 0 {
		b[2] = 'P'
	}
	if f&FlagRST != 0 {
		b[3] = 'R'
	}
	if f&FlagSYN != 0 {
		b[4] = 'S'
	}
	if f&FlagFIN != 0 {
		b[5] = 'F'
	}
	return string(b[:])
}

// Header is the parsed form of a TCP segment header.
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	Flags    uint8
	Window   uint16
	Checksum uint16
	Urgent   uint16
}

// Marshal serializes a TCP segment with a fixed 20-byte header (data
// offset 5, no options) and computes the checksum over the IPv4
// pseudo-header plus segment, exactly as udpstack does for protocol 17.
func Marshal(src, dst addr.IPv4, srcPort, dstPort uint16, seq, ack uint32, flags uint8, window uint16, payload []byte) []byte {
	total := HeaderLen + len(payload)
	b := make([]byte, total)
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint32(b[4:8], seq)
	binary.BigEndian.PutUint32(b[8:12], ack)
	b[12] = 5 << 4
	b[13] = flags
	binary.BigEndian.PutUint16(b[14:16], window)
	copy(b[HeaderLen:], payload)

	pseudo := ipstack.PseudoHeaderChecksum(src, dst, ipstack.ProtoTCP, total)
	sum := ipstack.FinishChecksum(pseudo, b)
	binary.BigEndian.PutUint16(b[16:18], sum)
	return b
}

// Parse validates and decodes a TCP segment, given the IPv4 addresses it
// arrived between for pseudo-header checksum verification. The returned
// slice is the segment's data, excluding the header.
func Parse(data []byte, src, dst addr.IPv4) (Header, []byte, error) {
	if len(data) < HeaderLen {
		return Header{}, nil, ErrShortMessage
	}
	dataOffset := int(data[12]>>4) * 4
	if dataOffset < HeaderLen || dataOffset > len(data) {
		return Header{}, nil, ErrBadDataOffset
	}

	pseudo := ipstack.PseudoHeaderChecksum(src, dst, ipstack.ProtoTCP, len(data))
	if ipstack.FinishChecksum(pseudo, data) != 0 {
		return Header{}, nil, ErrChecksumMismatch
	}

	h := Header{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Seq:      binary.BigEndian.Uint32(data[4:8]),
		Ack:      binary.BigEndian.Uint32(data[8:12]),
		Flags:    data[13],
		Window:   binary.BigEndian.Uint16(data[14:16]),
		Checksum: binary.BigEndian.Uint16(data[16:18]),
		Urgent:   binary.BigEndian.Uint16(data[18:20]),
	}
	return h, append([]byte(nil), data[dataOffset:]...), nil
}
