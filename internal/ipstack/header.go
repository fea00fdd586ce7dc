// Package ipstack implements the IPv4 layer: header codec, a longest-
// prefix-match routing table, and the input validation / output assembly
// pipeline that ties the device and ARP layers together.
//
// Grounded on the header-and-checksum codec idiom shown by
// client/doublezerod/internal/liveness/packet.go (hand-rolled Marshal /
// Unmarshal with encoding/binary.BigEndian) and the Route type shape of
// client/doublezerod/internal/routing/routes.go, generalized here into an
// append-only table searched by prefix length instead of netlink RIB
// ordering.
package ipstack

import (
	"encoding/binary"
	"fmt"

	"github.com/malbeclabs/netstackd/internal/addr"
)

const (
	// Version is the only IP version this stack accepts.
	Version = 4

	// HeaderLenMin is the minimum IPv4 header length (no options).
	HeaderLenMin = 20

	// TotalLenMax bounds one IPv4 datagram (header + payload).
	TotalLenMax = 65535

	// TTLDefault is used for every datagram this stack originates.
	TTLDefault = 255

	flagMoreFragments = 0x2000
	fragmentOffsetMask = 0x1fff
)

// Protocol numbers used by the upper-layer dispatch.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Header is the parsed form of a fixed 20-byte IPv4 header (no options).
type Header struct {
	TOS      uint8
	Total    uint16
	ID       uint16
	Flags    uint8
	FragOff  uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      addr.IPv4
	Dst      addr.IPv4
}

// Marshal serializes h and payload into one IPv4 datagram, computing the
// header checksum over the assembled header.
func (h Header) Marshal(payload []byte) []byte {
	total := HeaderLenMin + len(payload)
	b := make([]byte, total)
	b[0] = (Version << 4) | (HeaderLenMin >> 2)
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	offsetField := (uint16(h.Flags) << 13) | (h.FragOff & fragmentOffsetMask)
	binary.BigEndian.PutUint16(b[6:8], offsetField)
	b[8] = h.TTL
	b[9] = h.Protocol
	b[10], b[11] = 0, 0
	copy(b[12:16], h.Src[:])
	copy(b[16:20], h.Dst[:])
	sum := checksum(b[:HeaderLenMin])
	binary.BigEndian.PutUint16(b[10:12], sum)
	copy(b[HeaderLenMin:], payload)
	return b
}

// Parse validates and decodes an IPv4 datagram's header, returning the
// header, the full declared-length datagram (truncated to Total, dropping
// any link-layer padding), and the payload slice.
func Parse(data []byte) (Header, []byte, []byte, error) {
	if len(data) < HeaderLenMin {
		return Header{}, nil, nil, ErrShortPacket
	}
	version := data[0] >> 4
	if version != Version {
		return Header{}, nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	hlen := int(data[0]&0x0f) << 2
	if len(data) < hlen {
		return Header{}, nil, nil, ErrBadHeaderLength
	}
	total := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < total {
		return Header{}, nil, nil, ErrBadTotalLength
	}
	if checksum(data[:hlen]) != 0 {
		return Header{}, nil, nil, ErrChecksumMismatch
	}
	offsetField := binary.BigEndian.Uint16(data[6:8])
	if offsetField&flagMoreFragments != 0 || offsetField&fragmentOffsetMask != 0 {
		return Header{}, nil, nil, ErrFragmented
	}

	var src, dst addr.IPv4
	copy(src[:], data[12:16])
	copy(dst[:], data[16:20])
	h := Header{
		TOS:      data[1],
		Total:    uint16(total),
		ID:       binary.BigEndian.Uint16(data[4:6]),
		TTL:      data[8],
		Protocol: data[9],
		Checksum: binary.BigEndian.Uint16(data[10:12]),
		Src:      src,
		Dst:      dst,
	}
	datagram := data[:total]
	return h, datagram, datagram[hlen:], nil
}

// checksum computes the Internet checksum (RFC 1071) of b, treated as a
// sequence of big-endian 16-bit words; an odd trailing byte is padded with
// zero.
func checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// PseudoHeaderChecksum folds the IPv4 pseudo-header (src, dst, protocol,
// length) into a partial checksum that UDP and TCP extend over their own
// header and payload.
func PseudoHeaderChecksum(src, dst addr.IPv4, protocol uint8, length int) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

// FinishChecksum folds a pseudo-header partial sum together with the
// checksum of the upper-layer segment (computed with checksum over the
// segment with its own checksum field zeroed) into the final 16-bit
// checksum.
func FinishChecksum(pseudo uint32, segment []byte) uint16 {
	sum := pseudo
	n := len(segment)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(segment[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(segment[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
