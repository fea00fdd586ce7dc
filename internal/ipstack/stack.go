package ipstack

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/malbeclabs/netstackd/internal/addr"
	"github.com/malbeclabs/netstackd/internal/arp"
	"github.com/malbeclabs/netstackd/internal/ethernet"
	"github.com/malbeclabs/netstackd/internal/netdev"
)

// Handler processes one unfragmented IPv4 payload delivered to an upper
// protocol.
type Handler func(payload []byte, src, dst addr.IPv4, iface *netdev.Interface)

// Stack ties the device, ARP, and routing layers together into the IPv4
// input/output pipeline. Protocol registration follows the
// register-before-Run discipline carried over from the device layer.
type Stack struct {
	log    *slog.Logger
	routes *Table
	cache  *arp.Cache

	mu        sync.Mutex
	protocols map[uint8]Handler

	nextID atomic.Uint32
}

// New constructs a Stack. cache resolves next-hop hardware addresses for
// devices that need ARP; routes is consulted on every Output call.
func New(log *slog.Logger, routes *Table, cache *arp.Cache) *Stack {
	s := &Stack{
		log:       log,
		routes:    routes,
		cache:     cache,
		protocols: make(map[uint8]Handler),
	}
	s.nextID.Store(128)
	return s
}

// RouteFor exposes the routing table lookup used internally by Output, for
// upper-layer protocols (UDP, TCP) that need to pick a source address
// before a socket's local endpoint has been bound.
func (s *Stack) RouteFor(dst addr.IPv4) (Route, bool) {
	return s.routes.Lookup(dst)
}

// RegisterProtocol installs handler for an upper-layer protocol number.
// Each protocol may be registered once.
func (s *Stack) RegisterProtocol(protocol uint8, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.protocols[protocol]; ok {
		return fmt.Errorf("%w: %d", ErrProtocolRegistered, protocol)
	}
	s.protocols[protocol] = handler
	return nil
}

// Input validates an inbound IPv4 datagram and dispatches its payload to
// the registered protocol handler. Datagrams not addressed to dev's own
// interface (unicast, interface broadcast, or the limited broadcast
// address) are silently dropped, and datagrams for unregistered protocols
// are dropped as well.
func (s *Stack) Input(data []byte, dev *netdev.Device) {
	h, datagram, payload, err := Parse(data)
	if err != nil {
		s.log.Debug("ipstack: dropping invalid datagram", "err", err, "dev", dev.Name)
		metricDatagramsIn.WithLabelValues("invalid").Inc()
		return
	}

	iface, ok := dev.GetInterface(netdev.FamilyIPv4)
	if !ok {
		metricDatagramsIn.WithLabelValues("no_iface").Inc()
		return
	}
	if h.Dst != iface.Unicast && h.Dst != iface.Broadcast && !h.Dst.IsBroadcast() {
		metricDatagramsIn.WithLabelValues("not_for_us").Inc()
		return
	}

	s.mu.Lock()
	handler, ok := s.protocols[h.Protocol]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("ipstack: no handler for protocol", "protocol", h.Protocol)
		metricDatagramsIn.WithLabelValues("unsupported_protocol").Inc()
		return
	}
	metricDatagramsIn.WithLabelValues("delivered").Inc()
	handler(payload, h.Src, h.Dst, iface)
	_ = datagram
}

// Output builds and transmits an IPv4 datagram from src to dst carrying
// protocol's payload, routing via the table and resolving the next-hop
// hardware address through ARP when the outgoing device needs it. src
// must be the unicast address of the interface the route selects, or
// addr.Any to send from that address; an unspecified src is rejected when
// dst is the limited broadcast address. This is the strong end-system
// model, not weak end-system forwarding.
func (s *Stack) Output(protocol uint8, payload []byte, src, dst addr.IPv4) error {
	if src.IsAny() && dst.IsBroadcast() {
		metricDatagramsOut.WithLabelValues("no_src").Inc()
		return fmt.Errorf("%w: dst=%s", ErrNoSourceAddr, dst)
	}
	route, ok := s.routes.Lookup(dst)
	if !ok {
		metricDatagramsOut.WithLabelValues("no_route").Inc()
		return fmt.Errorf("%w: %s", ErrNoRoute, dst)
	}
	iface := route.Iface
	if src.IsAny() {
		src = iface.Unicast
	} else if src != iface.Unicast {
		metricDatagramsOut.WithLabelValues("wrong_src").Inc()
		return fmt.Errorf("%w: src=%s iface=%s", ErrWrongInterfaceSrc, src, iface.Unicast)
	}

	if HeaderLenMin+len(payload) > iface.Device.MTU {
		metricDatagramsOut.WithLabelValues("mtu_exceeded").Inc()
		return fmt.Errorf("%w: dev=%s mtu=%d need=%d", ErrMTUExceeded, iface.Device.Name, iface.Device.MTU, HeaderLenMin+len(payload))
	}

	id := uint16(s.nextID.Add(1))
	h := Header{
		TTL:      TTLDefault,
		Protocol: protocol,
		ID:       id,
		Src:      src,
		Dst:      dst,
	}
	datagram := h.Marshal(payload)

	hwAddr, err := s.resolveHardwareAddr(iface, route, dst)
	if err != nil {
		metricDatagramsOut.WithLabelValues("arp_unresolved").Inc()
		return err
	}
	if err := iface.Device.Output(ethernet.TypeIPv4, datagram, hwAddr); err != nil {
		metricDatagramsOut.WithLabelValues("device_error").Inc()
		return err
	}
	metricDatagramsOut.WithLabelValues("sent").Inc()
	return nil
}

func (s *Stack) resolveHardwareAddr(iface *netdev.Interface, route Route, dst addr.IPv4) (net.HardwareAddr, error) {
	if !iface.Device.HasFlag(netdev.FlagNeedARP) {
		return nil, nil
	}
	if dst == iface.Broadcast || dst.IsBroadcast() {
		return ethernet.Broadcast, nil
	}
	target := route.NextHop(dst)
	ha, res := s.cache.Resolve(iface, target)
	switch res {
	case arp.Found:
		return ha, nil
	case arp.Incomplete:
		return nil, fmt.Errorf("%w: resolving %s", ErrNoRoute, target)
	default:
		return nil, fmt.Errorf("%w: arp resolution error for %s", ErrNoRoute, target)
	}
}
