package ipstack

import (
	"sync"

	"github.com/malbeclabs/netstackd/internal/addr"
	"github.com/malbeclabs/netstackd/internal/netdev"
)

// Route is one entry in the routing table: packets whose destination
// matches Network/Netmask are sent via Iface, optionally through Gateway
// when the destination isn't directly reachable on that interface's link.
type Route struct {
	Network addr.IPv4
	Netmask addr.IPv4
	Gateway addr.IPv4 // zero value means "directly connected"
	Iface   *netdev.Interface
}

func (r Route) matches(dst addr.IPv4) bool {
	return dst.Mask(r.Netmask) == r.Network.Mask(r.Netmask)
}

// Table is an append-only longest-prefix-match routing table, matching the
// original design's "must not be modified after the worker starts"
// discipline; Add after Lookup has begun being called concurrently is
// still safe, just not ordered against in-flight lookups.
type Table struct {
	mu     sync.Mutex
	routes []Route
}

// NewTable constructs an empty routing table.
func NewTable() *Table {
	return &Table{}
}

// Add appends a route. There is no replace-on-conflict: a more specific
// route added later simply wins at lookup time by virtue of longest-prefix
// match, regardless of insertion order.
func (t *Table) Add(r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, r)
}

// AddInterfaceRoute installs the directly-connected route implied by
// binding iface to a device, the routing-table equivalent of the
// auto-installed link route a kernel creates when an address is assigned.
func (t *Table) AddInterfaceRoute(iface *netdev.Interface) {
	t.Add(Route{
		Network: iface.Unicast.Mask(iface.Netmask),
		Netmask: iface.Netmask,
		Iface:   iface,
	})
}

// SetDefaultGateway installs (or overrides by appending a less-specific
// losing entry under LPM — callers should only call this once) the
// 0.0.0.0/0 route via gw through iface.
func (t *Table) SetDefaultGateway(gw addr.IPv4, iface *netdev.Interface) {
	t.Add(Route{
		Network: addr.Any,
		Netmask: addr.Any,
		Gateway: gw,
		Iface:   iface,
	})
}

// Lookup finds the most specific route matching dst. Ties in prefix length
// are broken by earliest insertion.
func (t *Table) Lookup(dst addr.IPv4) (Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	best := -1
	var bestRoute Route
	for _, r := range t.routes {
		if !r.matches(dst) {
			continue
		}
		plen := r.Netmask.PrefixLen()
		if plen > best {
			best = plen
			bestRoute = r
		}
	}
	if best < 0 {
		return Route{}, false
	}
	return bestRoute, true
}

// NextHop returns the address ARP should resolve to reach dst via r: the
// gateway if one is configured, otherwise dst itself.
func (r Route) NextHop(dst addr.IPv4) addr.IPv4 {
	if !r.Gateway.IsAny() {
		return r.Gateway
	}
	return dst
}
