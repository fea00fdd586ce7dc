// Package addr implements the IPv4 address and endpoint types shared by
// every layer of the stack: parsing, textual rendering, and the small bit
// of arithmetic (mask, broadcast derivation) that routing and interface
// binding need.
package addr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAddr is returned when a dotted-quad string does not parse.
var ErrInvalidAddr = errors.New("addr: invalid IPv4 address")

// ErrInvalidEndpoint is returned when an "ip:port" string does not parse.
var ErrInvalidEndpoint = errors.New("addr: invalid endpoint")

// ErrInvalidPort is returned for ports outside [1, 65535] where required.
var ErrInvalidPort = errors.New("addr: invalid port")

// IPv4 is a 4-byte IPv4 address in network byte order.
type IPv4 [4]byte

// Any is the wildcard address 0.0.0.0 ("unbound" for PCBs).
var Any = IPv4{0, 0, 0, 0}

// Broadcast is the limited broadcast address 255.255.255.255.
var Broadcast = IPv4{255, 255, 255, 255}

// Loopback is the conventional loopback host address 127.0.0.1.
var Loopback = IPv4{127, 0, 0, 1}

// ParseIPv4 parses a dotted-quad string ("a.b.c.d") into an IPv4.
func ParseIPv4(s string) (IPv4, error) {
	var out IPv4
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return out, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return out, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
		}
		out[i] = byte(n)
	}
	return out, nil
}

// MustParseIPv4 parses s and panics on error; for use with constant literals.
func MustParseIPv4(s string) IPv4 {
	a, err := ParseIPv4(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the address in dotted-quad form. ParseIPv4 ∘ String is the
// identity on valid inputs.
func (a IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// IsAny reports whether a is the wildcard address.
func (a IPv4) IsAny() bool { return a == Any }

// IsBroadcast reports whether a is the limited broadcast address.
func (a IPv4) IsBroadcast() bool { return a == Broadcast }

// Uint32 returns the address as a big-endian uint32, used for longest
// prefix match and wire encoding.
func (a IPv4) Uint32() uint32 {
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

// IPv4FromUint32 is the inverse of Uint32.
func IPv4FromUint32(v uint32) IPv4 {
	return IPv4{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// Mask returns a & m.
func (a IPv4) Mask(m IPv4) IPv4 {
	return IPv4{a[0] & m[0], a[1] & m[1], a[2] & m[2], a[3] & m[3]}
}

// BroadcastFor returns a's network broadcast under netmask m: a | ^m.
func (a IPv4) BroadcastFor(m IPv4) IPv4 {
	return IPv4{a[0] | ^m[0], a[1] | ^m[1], a[2] | ^m[2], a[3] | ^m[3]}
}

// PrefixLen returns the number of one bits in m, which for a contiguous
// netmask is its prefix length; used to rank routes by longest prefix
// match.
func (m IPv4) PrefixLen() int {
	n := 0
	for _, b := range m {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

// Endpoint is an (address, port) pair as used by UDP and TCP PCBs.
type Endpoint struct {
	Addr IPv4
	Port uint16
}

// AnyEndpoint is a wildcard endpoint: unbound address, port 0.
var AnyEndpoint = Endpoint{Addr: Any, Port: 0}

// ParseEndpoint parses "a.b.c.d:port", splitting on the last colon per the
// wire-level endpoint text form.
func ParseEndpoint(s string) (Endpoint, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidEndpoint, s)
	}
	ipPart, portPart := s[:i], s[i+1:]
	a, err := ParseIPv4(ipPart)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidEndpoint, s)
	}
	p, err := strconv.Atoi(portPart)
	if err != nil || p < 1 || p > 65535 {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	return Endpoint{Addr: a, Port: uint16(p)}, nil
}

// String renders the endpoint in "a.b.c.d:port" form. ParseEndpoint ∘
// String is the identity on valid inputs.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// IsAny reports whether both the address and port are wildcard.
func (e Endpoint) IsAny() bool {
	return e.Addr.IsAny() && e.Port == 0
}

// Matches reports whether e matches other using wildcard semantics on
// IP_ADDR_ANY: a zero address or zero port on either side is a wildcard
// that matches anything on that field.
func (e Endpoint) Matches(other Endpoint) bool {
	if !e.Addr.IsAny() && !other.Addr.IsAny() && e.Addr != other.Addr {
		return false
	}
	if e.Port != 0 && other.Port != 0 && e.Port != other.Port {
		return false
	}
	return true
}
