// Package udpstack implements the UDP header codec and a PCB table
// supporting Open/Bind/SendTo/RecvFrom/Close, including blocking receive
// via the scheduler's cooperative Sleep/Wakeup primitive and dynamic
// ephemeral port assignment.
//
// Grounded on original_source/udp.c's PCB table shape (fixed array,
// mutex-guarded, FREE/OPEN/CLOSING states) and on the mutex-guarded table
// idiom of client/doublezerod/internal/probing/store.go.
package udpstack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/netstackd/internal/addr"
	"github.com/malbeclabs/netstackd/internal/ipstack"
	"github.com/malbeclabs/netstackd/internal/netdev"
	"github.com/malbeclabs/netstackd/internal/sched"
)

const (
	// HeaderLen is the fixed size of a UDP header.
	HeaderLen = 8

	// PCBTableSize bounds the number of simultaneously open UDP sockets.
	PCBTableSize = 64

	// PayloadMax is the largest payload SendTo accepts: the biggest IPv4
	// datagram that fits a UDP header (ipstack.TotalLenMax minus the
	// minimum IPv4 header and the UDP header themselves).
	PayloadMax = ipstack.TotalLenMax - ipstack.HeaderLenMin - HeaderLen

	ephemeralPortMin = 49152
	ephemeralPortMax = 65535
)

var (
	ErrShortMessage      = errors.New("udpstack: message shorter than header")
	ErrLengthMismatch    = errors.New("udpstack: declared length does not match segment")
	ErrChecksumMismatch  = errors.New("udpstack: checksum mismatch")
	ErrTableFull         = errors.New("udpstack: no free PCB")
	ErrInvalidHandle     = errors.New("udpstack: invalid PCB handle")
	ErrAddressInUse      = errors.New("udpstack: local address already in use")
	ErrNoEphemeralPort   = errors.New("udpstack: no free ephemeral port")
	ErrClosed            = errors.New("udpstack: PCB closed")
	ErrInterrupted       = sched.ErrInterrupted
	ErrPayloadTooLong    = errors.New("udpstack: payload exceeds maximum UDP datagram size")
)

var timeZero time.Time

// Header is the parsed form of a UDP header.
type Header struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
	Sum     uint16
}

// Marshal serializes h and payload, computing the checksum over the
// IPv4 pseudo-header plus segment.
func Marshal(src, dst addr.IPv4, srcPort, dstPort uint16, payload []byte) []byte {
	total := HeaderLen + len(payload)
	b := make([]byte, total)
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint16(b[4:6], uint16(total))
	copy(b[HeaderLen:], payload)
	pseudo := ipstack.PseudoHeaderChecksum(src, dst, ipstack.ProtoUDP, total)
	sum := ipstack.FinishChecksum(pseudo, b)
	if sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(b[6:8], sum)
	return b
}

// Parse validates and decodes a UDP segment, given the IPv4 addresses it
// arrived between for pseudo-header checksum verification.
func Parse(data []byte, src, dst addr.IPv4) (Header, []byte, error) {
	if len(data) < HeaderLen {
		return Header{}, nil, ErrShortMessage
	}
	length := int(binary.BigEndian.Uint16(data[4:6]))
	if length != len(data) {
		return Header{}, nil, fmt.Errorf("%w: len=%d hdr=%d", ErrLengthMismatch, len(data), length)
	}
	pseudo := ipstack.PseudoHeaderChecksum(src, dst, ipstack.ProtoUDP, length)
	if ipstack.FinishChecksum(pseudo, data) != 0 {
		return Header{}, nil, ErrChecksumMismatch
	}
	h := Header{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		Length:  uint16(length),
		Sum:     binary.BigEndian.Uint16(data[6:8]),
	}
	return h, append([]byte(nil), data[HeaderLen:]...), nil
}

type pcbState int

const (
	pcbFree pcbState = iota
	pcbOpen
	pcbClosing
)

type queueEntry struct {
	foreign addr.Endpoint
	data    []byte
}

type pcb struct {
	state  pcbState
	local  addr.Endpoint
	queue  []queueEntry
	waiter *sched.Waiter
}

// Table is the fixed-capacity UDP PCB table.
type Table struct {
	log *slog.Logger
	ip  *ipstack.Stack

	mu   sync.Mutex
	pcbs [PCBTableSize]pcb
}

// New constructs a Table and registers it with ip as the UDP protocol
// handler.
func New(log *slog.Logger, ip *ipstack.Stack) (*Table, error) {
	t := &Table{log: log, ip: ip}
	if err := ip.RegisterProtocol(ipstack.ProtoUDP, t.input); err != nil {
		return nil, err
	}
	return t, nil
}

// Open allocates a new PCB and returns its handle.
func (t *Table) Open() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pcbs {
		if t.pcbs[i].state == pcbFree {
			t.pcbs[i] = pcb{state: pcbOpen, waiter: sched.NewWaiter()}
			metricOpenPCBs.Inc()
			return i, nil
		}
	}
	return -1, ErrTableFull
}

// Close releases a PCB, waking any goroutine blocked in RecvFrom so it can
// observe ErrClosed and finish releasing the entry itself.
func (t *Table) Close(id int) error {
	t.mu.Lock()
	p, err := t.get(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if p.waiter.Waiters() == 0 {
		t.release(id)
		t.mu.Unlock()
		metricOpenPCBs.Dec()
		return nil
	}
	p.state = pcbClosing
	p.waiter.Wakeup()
	t.mu.Unlock()
	return nil
}

func (t *Table) release(id int) {
	t.pcbs[id] = pcb{}
}

func (t *Table) get(id int) (*pcb, error) {
	if id < 0 || id >= PCBTableSize || t.pcbs[id].state != pcbOpen {
		return nil, ErrInvalidHandle
	}
	return &t.pcbs[id], nil
}

func (t *Table) selectByEndpoint(ep addr.Endpoint) *pcb {
	for i := range t.pcbs {
		p := &t.pcbs[i]
		if p.state == pcbOpen && p.local.Matches(ep) {
			return p
		}
	}
	return nil
}

// Bind assigns local to id's PCB, rejecting it if another open PCB's local
// endpoint matches it (a zero address or port on either side matches
// anything).
func (t *Table) Bind(id int, local addr.Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.get(id)
	if err != nil {
		return err
	}
	if existing := t.selectByEndpoint(local); existing != nil && existing != p {
		return fmt.Errorf("%w: %s", ErrAddressInUse, local)
	}
	p.local = local
	return nil
}

// SendTo transmits data to foreign from id's local endpoint, assigning a
// source address (via the routing table) and an ephemeral port if either
// is still unset.
func (t *Table) SendTo(id int, data []byte, foreign addr.Endpoint) (int, error) {
	if len(data) > PayloadMax {
		return 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, len(data), PayloadMax)
	}

	t.mu.Lock()
	p, err := t.get(id)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	local := p.local
	if local.Addr.IsAny() {
		route, ok := t.ip.RouteFor(foreign.Addr)
		if !ok {
			t.mu.Unlock()
			return 0, fmt.Errorf("%w: %s", ipstack.ErrNoRoute, foreign.Addr)
		}
		local.Addr = route.Iface.Unicast
	}
	if local.Port == 0 {
		port, err := t.allocEphemeralPort(local.Addr)
		if err != nil {
			t.mu.Unlock()
			return 0, err
		}
		local.Port = port
		p.local = local
	}
	t.mu.Unlock()

	segment := Marshal(local.Addr, foreign.Addr, local.Port, foreign.Port, data)
	if err := t.ip.Output(ipstack.ProtoUDP, segment, local.Addr, foreign.Addr); err != nil {
		metricSegmentsOut.WithLabelValues("error").Inc()
		return 0, err
	}
	metricSegmentsOut.WithLabelValues("sent").Inc()
	return len(data), nil
}

// allocEphemeralPort must be called with t.mu held.
func (t *Table) allocEphemeralPort(addrv addr.IPv4) (uint16, error) {
	for p := ephemeralPortMin; p <= ephemeralPortMax; p++ {
		if t.selectByEndpoint(addr.Endpoint{Addr: addrv, Port: uint16(p)}) == nil {
			return uint16(p), nil
		}
	}
	return 0, ErrNoEphemeralPort
}

// RecvFrom blocks until a datagram is queued for id, id is closed, or the
// goroutine is interrupted. On success it returns the number of bytes
// copied into buf (truncating, never growing, the queued datagram) and the
// sender's endpoint.
func (t *Table) RecvFrom(id int, buf []byte) (int, addr.Endpoint, error) {
	t.mu.Lock()
	if id < 0 || id >= PCBTableSize || t.pcbs[id].state == pcbFree {
		t.mu.Unlock()
		return 0, addr.Endpoint{}, ErrInvalidHandle
	}
	for {
		p := &t.pcbs[id]
		if p.state == pcbClosing {
			t.release(id)
			t.mu.Unlock()
			metricOpenPCBs.Dec()
			return 0, addr.Endpoint{}, ErrClosed
		}
		if len(p.queue) > 0 {
			entry := p.queue[0]
			p.queue = p.queue[1:]
			t.mu.Unlock()
			n := copy(buf, entry.data)
			metricSegmentsIn.WithLabelValues("delivered").Inc()
			return n, entry.foreign, nil
		}

		waiter := p.waiter
		if err := sched.Sleep(&t.mu, waiter, timeZero); err != nil {
			t.mu.Unlock()
			return 0, addr.Endpoint{}, err
		}
	}
}

func (t *Table) input(payload []byte, src, dst addr.IPv4, iface *netdev.Interface) {
	h, data, err := Parse(payload, src, dst)
	if err != nil {
		t.log.Debug("udpstack: dropping invalid segment", "err", err)
		metricSegmentsIn.WithLabelValues("invalid").Inc()
		return
	}

	t.mu.Lock()
	p := t.selectByEndpoint(addr.Endpoint{Addr: dst, Port: h.DstPort})
	if p == nil {
		t.mu.Unlock()
		metricSegmentsIn.WithLabelValues("no_pcb").Inc()
		return
	}
	p.queue = append(p.queue, queueEntry{foreign: addr.Endpoint{Addr: src, Port: h.SrcPort}, data: data})
	waiter := p.waiter
	t.mu.Unlock()
	waiter.Wakeup()
	metricSegmentsIn.WithLabelValues("queued").Inc()
}

// InterruptAll wakes every open PCB's blocked RecvFrom with an interrupt,
// used on stack shutdown.
func (t *Table) InterruptAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pcbs {
		if t.pcbs[i].state == pcbOpen {
			t.pcbs[i].waiter.Interrupt()
		}
	}
}
