// Package arp implements IPv4-over-Ethernet address resolution: the wire
// codec for request/reply messages, a fixed-capacity cache with
// oldest-entry eviction, and the merge/insert/reply logic driven by
// incoming ARP frames.
//
// Grounded on the PCB/cache state-machine shape of
// client/doublezerod/internal/liveness/session.go (a fixed set of named
// states transitioned under a single mutex) and the mutex-guarded table
// idiom of internal/probing/store.go.
package arp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/malbeclabs/netstackd/internal/addr"
	"github.com/malbeclabs/netstackd/internal/ethernet"
	"github.com/malbeclabs/netstackd/internal/netdev"
)

const (
	hrdEther = 0x0001
	opRequest = 1
	opReply   = 2

	// MessageLen is the wire size of one Ethernet/IPv4 ARP message.
	MessageLen = 28

	// CacheSize bounds the number of resolved/incomplete entries kept at
	// once; the oldest entry is evicted to make room for a new one.
	CacheSize = 32

	// CacheTimeout is how long a resolved or incomplete entry survives
	// without being refreshed.
	CacheTimeout = 30 * time.Second

	sweepInterval = 1 * time.Second
)

// ErrShortMessage is returned by Parse when the buffer is smaller than
// MessageLen.
var ErrShortMessage = errors.New("arp: message shorter than header")

// ErrUnsupportedAddress is returned by Parse when the hardware/protocol
// address family or length fields don't describe Ethernet/IPv4.
var ErrUnsupportedAddress = errors.New("arp: unsupported hardware or protocol address")

// Message is the parsed form of one Ethernet/IPv4 ARP packet.
type Message struct {
	Op  uint16
	SHA net.HardwareAddr
	SPA addr.IPv4
	THA net.HardwareAddr
	TPA addr.IPv4
}

// Marshal serializes m into a 28-byte ARP message.
func (m Message) Marshal() []byte {
	b := make([]byte, MessageLen)
	binary.BigEndian.PutUint16(b[0:2], hrdEther)
	binary.BigEndian.PutUint16(b[2:4], uint16(ethernet.TypeIPv4))
	b[4] = 6
	b[5] = 4
	binary.BigEndian.PutUint16(b[6:8], m.Op)
	copy(b[8:14], padMAC(m.SHA))
	copy(b[14:18], m.SPA[:])
	copy(b[18:24], padMAC(m.THA))
	copy(b[24:28], m.TPA[:])
	return b
}

// Parse validates and decodes an ARP message, rejecting anything that
// isn't an Ethernet/IPv4 address pair.
func Parse(data []byte) (Message, error) {
	if len(data) < MessageLen {
		return Message{}, ErrShortMessage
	}
	hrd := binary.BigEndian.Uint16(data[0:2])
	pro := binary.BigEndian.Uint16(data[2:4])
	hln := data[4]
	pln := data[5]
	if hrd != hrdEther || hln != 6 {
		return Message{}, fmt.Errorf("%w: hrd=%#x hln=%d", ErrUnsupportedAddress, hrd, hln)
	}
	if pro != uint16(ethernet.TypeIPv4) || pln != 4 {
		return Message{}, fmt.Errorf("%w: pro=%#x pln=%d", ErrUnsupportedAddress, pro, pln)
	}
	var spa, tpa addr.IPv4
	copy(spa[:], data[14:18])
	copy(tpa[:], data[24:28])
	return Message{
		Op:  binary.BigEndian.Uint16(data[6:8]),
		SHA: net.HardwareAddr(append([]byte(nil), data[8:14]...)),
		SPA: spa,
		THA: net.HardwareAddr(append([]byte(nil), data[18:24]...)),
		TPA: tpa,
	}, nil
}

func padMAC(mac net.HardwareAddr) []byte {
	out := make([]byte, 6)
	copy(out, mac)
	return out
}

// Resolution is the three-valued outcome of Resolve.
type Resolution int

const (
	// Found means ha was filled in with a resolved hardware address.
	Found Resolution = iota
	// Incomplete means resolution is in progress; a request was (re)sent.
	Incomplete
	// Error means the interface/device pairing can't do ARP at all.
	Error
)

type state int

const (
	stateFree state = iota
	stateIncomplete
	stateResolved
	stateStatic
)

type entry struct {
	state     state
	pa        addr.IPv4
	ha        net.HardwareAddr
	timestamp time.Time
}

// Cache is a fixed-capacity IPv4-to-Ethernet address resolution table.
type Cache struct {
	log *slog.Logger

	mu      sync.Mutex
	entries [CacheSize]entry

	output func(iface *netdev.Interface, etherType ethernet.EtherType, data []byte, dst net.HardwareAddr) error
}

// NewCache constructs an empty Cache. output is used to transmit ARP
// request/reply frames; normally netdev.Device.Output bound to the
// interface's device.
func NewCache(log *slog.Logger, output func(iface *netdev.Interface, etherType ethernet.EtherType, data []byte, dst net.HardwareAddr) error) *Cache {
	return &Cache{log: log, output: output}
}

// select locks must be held by the caller.
func (c *Cache) selectByPA(pa addr.IPv4) *entry {
	for i := range c.entries {
		if c.entries[i].state != stateFree && c.entries[i].pa == pa {
			return &c.entries[i]
		}
	}
	return nil
}

func (c *Cache) alloc() *entry {
	var oldest *entry
	for i := range c.entries {
		if c.entries[i].state == stateFree {
			return &c.entries[i]
		}
		if oldest == nil || c.entries[i].timestamp.Before(oldest.timestamp) {
			oldest = &c.entries[i]
		}
	}
	*oldest = entry{}
	return oldest
}

func (c *Cache) update(pa addr.IPv4, ha net.HardwareAddr) *entry {
	e := c.selectByPA(pa)
	if e == nil {
		return nil
	}
	e.state = stateResolved
	e.ha = append([]byte(nil), ha...)
	e.timestamp = time.Now()
	return e
}

func (c *Cache) insert(pa addr.IPv4, ha net.HardwareAddr) *entry {
	e := c.alloc()
	e.state = stateResolved
	e.pa = pa
	e.ha = append([]byte(nil), ha...)
	e.timestamp = time.Now()
	return e
}

// Resolve looks up pa in the cache. If no entry exists, it allocates an
// Incomplete one and sends an ARP request on iface, returning Incomplete.
// If an Incomplete entry already exists, it resends the request in case
// the first was lost, without refreshing the timestamp. Only Ethernet
// devices with a bound IPv4 interface are supported.
func (c *Cache) Resolve(iface *netdev.Interface, pa addr.IPv4) (net.HardwareAddr, Resolution) {
	if iface.Device.Type != netdev.TypeEthernet {
		return nil, Error
	}

	c.mu.Lock()
	e := c.selectByPA(pa)
	if e == nil {
		e = c.alloc()
		e.state = stateIncomplete
		e.pa = pa
		e.timestamp = time.Now()
		c.mu.Unlock()
		c.sendRequest(iface, pa)
		metricResolutions.WithLabelValues("incomplete").Inc()
		return nil, Incomplete
	}
	if e.state == stateIncomplete {
		c.mu.Unlock()
		c.sendRequest(iface, pa)
		metricResolutions.WithLabelValues("incomplete").Inc()
		return nil, Incomplete
	}
	ha := append([]byte(nil), e.ha...)
	c.mu.Unlock()
	metricResolutions.WithLabelValues("found").Inc()
	return ha, Found
}

func (c *Cache) sendRequest(iface *netdev.Interface, tpa addr.IPv4) {
	msg := Message{
		Op:  opRequest,
		SHA: iface.Device.HWAddr,
		SPA: iface.Unicast,
		THA: ethernet.Broadcast,
		TPA: tpa,
	}
	if err := c.output(iface, ethernet.TypeARP, msg.Marshal(), ethernet.Broadcast); err != nil {
		c.log.Debug("arp: failed to send request", "err", err, "tpa", tpa)
		return
	}
	metricMessagesSent.WithLabelValues("request").Inc()
}

func (c *Cache) sendReply(iface *netdev.Interface, tha net.HardwareAddr, tpa addr.IPv4, dst net.HardwareAddr) {
	msg := Message{
		Op:  opReply,
		SHA: iface.Device.HWAddr,
		SPA: iface.Unicast,
		THA: tha,
		TPA: tpa,
	}
	if err := c.output(iface, ethernet.TypeARP, msg.Marshal(), dst); err != nil {
		c.log.Debug("arp: failed to send reply", "err", err, "tpa", tpa)
		return
	}
	metricMessagesSent.WithLabelValues("reply").Inc()
}

// Input processes one inbound ARP frame arriving on dev. It updates or
// inserts a cache entry for the sender, and if the target address matches
// iface's unicast address and the message is a request, sends a reply.
func (c *Cache) Input(data []byte, dev *netdev.Device) {
	msg, err := Parse(data)
	if err != nil {
		c.log.Debug("arp: dropping malformed message", "err", err, "dev", dev.Name)
		return
	}

	c.mu.Lock()
	merged := c.update(msg.SPA, msg.SHA) != nil
	c.mu.Unlock()

	iface, ok := dev.GetInterface(netdev.FamilyIPv4)
	if !ok || iface.Unicast != msg.TPA {
		return
	}
	if !merged {
		c.mu.Lock()
		c.insert(msg.SPA, msg.SHA)
		c.mu.Unlock()
	}
	if msg.Op == opRequest {
		c.sendReply(iface, msg.SHA, msg.SPA, msg.SHA)
	}
}

// Sweep evicts resolved/incomplete entries that haven't been refreshed
// within CacheTimeout. Static entries are never evicted. Intended to be
// registered as a 1-second scheduler timer.
func (c *Cache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := 0
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == stateFree {
			continue
		}
		if e.state != stateStatic && now.Sub(e.timestamp) > CacheTimeout {
			*e = entry{}
			metricEvictions.Inc()
			continue
		}
		live++
	}
	metricCacheEntries.Set(float64(live))
}

// SweepInterval is how often Sweep should be invoked by the scheduler.
func SweepInterval() time.Duration { return sweepInterval }
