// Package tcpstack implements a PCB table and an RFC 793 SEGMENT ARRIVES
// subset covering passive/active open, the three-way handshake, data
// transfer, and a retransmission queue with exponential backoff. Closing a
// connection always sends RST; the FIN/FIN-ACK graceful-close handshake is
// intentionally not implemented.
//
// Grounded on original_source/tcp.c's PCB table shape, tcp_segment_arrives
// state machine, and tcp_retransmit_queue_* pair, generalized here the way
// udpstack generalized original_source/udp.c's PCB table to this module's
// waiter-based blocking model. Random initial sequence numbers follow the
// math/rand usage in client/doublezerod/internal/liveness/session.go.
package tcpstack

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/malbeclabs/netstackd/internal/addr"
	"github.com/malbeclabs/netstackd/internal/ipstack"
	"github.com/malbeclabs/netstackd/internal/netdev"
	"github.com/malbeclabs/netstackd/internal/sched"
)

const (
	// PCBTableSize bounds the number of simultaneously open TCP connections.
	PCBTableSize = 16

	// recvBufSize is the fixed per-connection receive buffer capacity.
	recvBufSize = 65535

	// DefaultRTO is the retransmit timeout assigned to a freshly queued
	// segment, doubled on every subsequent retransmission.
	DefaultRTO = 200 * time.Millisecond

	// RetransmitDeadline is the total time a segment may sit unacknowledged
	// on the retransmit queue before its connection is abandoned.
	RetransmitDeadline = 12 * time.Second

	retransmitTickInterval = 1 * time.Second
)

var timeZero time.Time

type state int

const (
	stateFree state = iota
	stateClosed
	stateListen
	stateSynSent
	stateSynReceived
	stateEstablished
)

func (s state) String() string {
	switch s {
	case stateFree:
		return "FREE"
	case stateClosed:
		return "CLOSED"
	case stateListen:
		return "LISTEN"
	case stateSynSent:
		return "SYN_SENT"
	case stateSynReceived:
		return "SYN_RECEIVED"
	case stateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

type sendSeq struct {
	nxt uint32
	una uint32
	wnd uint16
	wl1 uint32
	wl2 uint32
}

type recvSeq struct {
	nxt uint32
	wnd uint16
}

type segmentInfo struct {
	Seq uint32
	Ack uint32
	Len uint32
	Wnd uint16
	Up  uint16
}

type retransmitEntry struct {
	seq   uint32
	flags uint8
	data  []byte
	first time.Time
	last  time.Time
	rto   time.Duration
}

type pcb struct {
	state state

	local   addr.Endpoint
	foreign addr.Endpoint

	snd sendSeq
	iss uint32
	rcv recvSeq
	irs uint32

	buf     []byte
	rcvUsed int

	queue []*retransmitEntry

	waiter *sched.Waiter
}

// Table is the fixed-capacity TCP PCB table.
type Table struct {
	log *slog.Logger
	ip  *ipstack.Stack

	mu   sync.Mutex
	pcbs [PCBTableSize]pcb
}

// New constructs a Table, registers it with ip as the TCP protocol handler,
// registers the 1-second retransmit timer with worker, and subscribes to
// worker's shutdown event so every blocked PCB wakes with
// sched.ErrInterrupted when the stack is torn down.
func New(log *slog.Logger, ip *ipstack.Stack, worker *sched.Worker) (*Table, error) {
	t := &Table{log: log, ip: ip}
	if err := ip.RegisterProtocol(ipstack.ProtoTCP, t.input); err != nil {
		return nil, err
	}
	if err := worker.RegisterTimer(retransmitTickInterval, t.retransmitTick); err != nil {
		return nil, err
	}
	worker.SubscribeEvent(t.InterruptAll)
	return t, nil
}

func (t *Table) alloc() (*pcb, int) {
	for i := range t.pcbs {
		if t.pcbs[i].state == stateFree {
			t.pcbs[i] = pcb{
				state:  stateClosed,
				buf:    make([]byte, recvBufSize),
				waiter: sched.NewWaiter(),
			}
			metricOpenPCBs.Inc()
			return &t.pcbs[i], i
		}
	}
	return nil, -1
}

// release frees p immediately, or — if a goroutine is currently blocked on
// its waiter — wakes it and lets it perform the final release itself once
// it observes the non-established state, mirroring udpstack's Close/
// RecvFrom handoff.
func (t *Table) release(p *pcb) {
	if p.state == stateFree {
		return
	}
	if p.waiter.Waiters() > 0 {
		p.waiter.Wakeup()
		return
	}
	*p = pcb{}
	metricOpenPCBs.Dec()
}

func (t *Table) get(id int) (*pcb, error) {
	if id < 0 || id >= PCBTableSize || t.pcbs[id].state == stateFree {
		return nil, ErrInvalidHandle
	}
	return &t.pcbs[id], nil
}

// selectPCB implements the matching precedence of tcp_pcb_select: an exact
// local+foreign match wins outright; a LISTEN PCB bound to local with a
// wildcard foreign is returned only if no exact match exists anywhere in
// the table.
func (t *Table) selectPCB(local, foreign addr.Endpoint) *pcb {
	var listenMatch *pcb
	for i := range t.pcbs {
		p := &t.pcbs[i]
		if p.state == stateFree {
			continue
		}
		if !(p.local.Addr.IsAny() || p.local.Addr == local.Addr) || p.local.Port != local.Port {
			continue
		}
		if p.foreign == foreign {
			return p
		}
		if p.state == stateListen && p.foreign.Addr.IsAny() && p.foreign.Port == 0 {
			listenMatch = p
		}
	}
	return listenMatch
}

func randomISS() uint32 {
	return rand.Uint32()
}

// outputSegment builds and transmits a single TCP segment directly,
// bypassing the retransmit queue; used for RST replies and other segments
// that never need to be resent.
func (t *Table) outputSegment(seq, ack uint32, flags uint8, window uint16, data []byte, local, foreign addr.Endpoint) error {
	segment := Marshal(local.Addr, foreign.Addr, local.Port, foreign.Port, seq, ack, flags, window, data)
	if err := t.ip.Output(ipstack.ProtoTCP, segment, local.Addr, foreign.Addr); err != nil {
		metricSegmentsOut.WithLabelValues("error").Inc()
		return err
	}
	metricSegmentsOut.WithLabelValues("sent").Inc()
	return nil
}

// output sends a PCB-sequenced segment, queuing it for retransmission
// whenever it consumes a sequence number (SYN, FIN, or carries data).
func (t *Table) output(p *pcb, flags uint8, data []byte) error {
	seq := p.snd.nxt
	if flags&FlagSYN != 0 {
		seq = p.iss
	}
	if flags&(FlagSYN|FlagFIN) != 0 || len(data) > 0 {
		t.retransmitQueueAdd(p, seq, flags, data)
	}
	return t.outputSegment(seq, p.rcv.nxt, flags, p.rcv.wnd, data, p.local, p.foreign)
}

func (t *Table) retransmitQueueAdd(p *pcb, seq uint32, flags uint8, data []byte) {
	now := time.Now()
	entry := &retransmitEntry{
		seq:   seq,
		flags: flags,
		data:  append([]byte(nil), data...),
		first: now,
		last:  now,
		rto:   DefaultRTO,
	}
	p.queue = append(p.queue, entry)
}

// retransmitQueueCleanup drops every queued entry whose sequence number has
// been acknowledged; the queue head is always the oldest unacknowledged
// entry.
func (t *Table) retransmitQueueCleanup(p *pcb) {
	i := 0
	for i < len(p.queue) && p.queue[i].seq < p.snd.una {
		i++
	}
	p.queue = p.queue[i:]
}

// retransmitTick is the 1-second timer-wheel callback: it walks every
// non-free PCB and either abandons the connection (deadline exceeded) or
// re-sends and doubles the RTO of any entry whose timeout has elapsed.
func (t *Table) retransmitTick(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pcbs {
		p := &t.pcbs[i]
		if p.state == stateFree {
			continue
		}
		for _, entry := range p.queue {
			if now.Sub(entry.first) >= RetransmitDeadline {
				if p.state != stateClosed {
					p.state = stateClosed
					p.waiter.Wakeup()
					metricConnectionTimeouts.Inc()
				}
				continue
			}
			if now.After(entry.last.Add(entry.rto)) {
				_ = t.outputSegment(entry.seq, p.rcv.nxt, entry.flags, p.rcv.wnd, entry.data, p.local, p.foreign)
				entry.last = now
				entry.rto *= 2
				metricRetransmits.Inc()
			}
		}
	}
}

func (t *Table) input(payload []byte, src, dst addr.IPv4, iface *netdev.Interface) {
	if src.IsBroadcast() || dst.IsBroadcast() {
		metricSegmentsIn.WithLabelValues("broadcast").Inc()
		return
	}
	h, data, err := Parse(payload, src, dst)
	if err != nil {
		t.log.Debug("tcpstack: dropping invalid segment", "err", err)
		metricSegmentsIn.WithLabelValues("invalid").Inc()
		return
	}

	local := addr.Endpoint{Addr: dst, Port: h.DstPort}
	foreign := addr.Endpoint{Addr: src, Port: h.SrcPort}

	segLen := uint32(len(data))
	if h.Flags&FlagSYN != 0 {
		segLen++
	}
	if h.Flags&FlagFIN != 0 {
		segLen++
	}
	seg := segmentInfo{Seq: h.Seq, Ack: h.Ack, Len: segLen, Wnd: h.Window, Up: h.Urgent}

	t.log.Debug("tcpstack: segment arrived", "local", local, "foreign", foreign, "flags", flagsString(h.Flags), "len", len(data))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.segmentArrives(seg, h.Flags, data, local, foreign)
	metricSegmentsIn.WithLabelValues("processed").Inc()
}

// segmentArrives implements RFC 793 section 3.9's SEGMENT ARRIVES event,
// restricted to the LISTEN/SYN_SENT/SYN_RECEIVED/ESTABLISHED subset this
// module supports. t.mu is held by the caller.
func (t *Table) segmentArrives(seg segmentInfo, flags uint8, data []byte, local, foreign addr.Endpoint) {
	p := t.selectPCB(local, foreign)
	if p == nil || p.state == stateClosed {
		if flags&FlagRST != 0 {
			return
		}
		if flags&FlagACK == 0 {
			_ = t.outputSegment(0, seg.Seq+seg.Len, FlagRST|FlagACK, 0, nil, local, foreign)
		} else {
			_ = t.outputSegment(seg.Ack, 0, FlagRST, 0, nil, local, foreign)
		}
		return
	}

	switch p.state {
	case stateListen:
		if flags&FlagRST != 0 {
			return
		}
		if flags&FlagACK != 0 {
			_ = t.outputSegment(seg.Ack, 0, FlagRST, 0, nil, local, foreign)
			return
		}
		if flags&FlagSYN != 0 {
			p.local = local
			p.foreign = foreign
			p.rcv.wnd = recvBufSize
			p.rcv.nxt = seg.Seq + 1
			p.irs = seg.Seq
			p.iss = randomISS()
			_ = t.output(p, FlagSYN|FlagACK, nil)
			p.snd.nxt = p.iss + 1
			p.snd.una = p.iss
			p.state = stateSynReceived
		}
		return

	case stateSynSent:
		acceptable := false
		if flags&FlagACK != 0 {
			if seg.Ack <= p.iss || seg.Ack > p.snd.nxt {
				_ = t.outputSegment(seg.Ack, 0, FlagRST, 0, nil, local, foreign)
				return
			}
			if p.snd.una <= seg.Ack && seg.Ack <= p.snd.nxt {
				acceptable = true
			}
		}
		if flags&FlagSYN != 0 {
			p.rcv.nxt = seg.Seq + 1
			p.irs = seg.Seq
			if acceptable {
				p.snd.una = seg.Ack
				t.retransmitQueueCleanup(p)
			}
			if p.snd.una > p.iss {
				p.state = stateEstablished
				_ = t.output(p, FlagACK, nil)
				p.snd.wnd = seg.Wnd
				p.snd.wl1 = seg.Seq
				p.snd.wl2 = seg.Ack
				p.waiter.Wakeup()
				return
			}
			p.state = stateSynReceived
			_ = t.output(p, FlagSYN|FlagACK, nil)
			return
		}
		return
	}

	acceptable := false
	switch p.state {
	case stateSynReceived, stateEstablished:
		if seg.Len == 0 {
			if p.rcv.wnd == 0 {
				acceptable = seg.Seq == p.rcv.nxt
			} else {
				acceptable = p.rcv.nxt <= seg.Seq && seg.Seq < p.rcv.nxt+uint32(p.rcv.wnd)
			}
		} else if p.rcv.wnd != 0 {
			inWindow := func(s uint32) bool { return p.rcv.nxt <= s && s < p.rcv.nxt+uint32(p.rcv.wnd) }
			acceptable = inWindow(seg.Seq) || inWindow(seg.Seq+seg.Len-1)
		}
		if !acceptable {
			if flags&FlagRST == 0 {
				_ = t.output(p, FlagACK, nil)
			}
			return
		}
	}

	if flags&FlagRST != 0 {
		p.state = stateClosed
		p.waiter.Wakeup()
		return
	}

	if flags&FlagACK == 0 {
		return
	}

	switch p.state {
	case stateSynReceived:
		if p.snd.una <= seg.Ack && seg.Ack <= p.snd.nxt {
			p.state = stateEstablished
			p.waiter.Wakeup()
		} else {
			_ = t.outputSegment(seg.Ack, 0, FlagRST, 0, nil, local, foreign)
			return
		}
		fallthrough
	case stateEstablished:
		switch {
		case p.snd.una < seg.Ack && seg.Ack <= p.snd.nxt:
			p.snd.una = seg.Ack
			t.retransmitQueueCleanup(p)
			if p.snd.wl1 < seg.Seq || (p.snd.wl1 == seg.Seq && p.snd.wl2 <= seg.Ack) {
				p.snd.wnd = seg.Wnd
				p.snd.wl1 = seg.Seq
				p.snd.wl2 = seg.Ack
			}
			p.waiter.Wakeup()
		case seg.Ack > p.snd.nxt:
			_ = t.output(p, FlagACK, nil)
			return
		}
	}

	if p.state == stateEstablished && len(data) > 0 {
		if seg.Seq == p.rcv.nxt {
			n := copy(p.buf[p.rcvUsed:], data)
			p.rcvUsed += n
			p.rcv.nxt = seg.Seq + seg.Len
			p.rcv.wnd = uint16(recvBufSize - p.rcvUsed)
			p.waiter.Wakeup()
		}
		// Out-of-order segments are acknowledged (with the current rcv.nxt,
		// prompting the sender to retransmit from where the gap starts) but
		// their payload is not buffered.
		_ = t.output(p, FlagACK, nil)
	}
}

// OpenRFC793 allocates a PCB and either actively connects to foreign or
// passively listens on local, blocking until the connection reaches
// Established, is refused, or ctx is canceled.
func (t *Table) OpenRFC793(ctx context.Context, local addr.Endpoint, foreign *addr.Endpoint, active bool) (int, error) {
	t.mu.Lock()
	p, id := t.alloc()
	if p == nil {
		t.mu.Unlock()
		return -1, ErrTableFull
	}

	if active {
		if foreign == nil {
			t.release(p)
			t.mu.Unlock()
			return -1, ErrActiveOpenNeedsForeign
		}
		p.local = local
		p.foreign = *foreign
		p.rcv.wnd = recvBufSize
		p.iss = randomISS()
		if err := t.output(p, FlagSYN, nil); err != nil {
			p.state = stateClosed
			t.release(p)
			t.mu.Unlock()
			return -1, err
		}
		p.snd.una = p.iss
		p.snd.nxt = p.iss + 1
		p.state = stateSynSent
	} else {
		p.local = local
		if foreign != nil {
			p.foreign = *foreign
		}
		p.state = stateListen
	}

	if ctx != nil && ctx.Err() == nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				p.waiter.Interrupt()
			case <-stop:
			}
		}()
	}

	for {
		waitState := p.state
		for p.state == waitState {
			if err := sched.Sleep(&t.mu, p.waiter, timeZero); err != nil {
				if ctx != nil && ctx.Err() != nil {
					err = ctx.Err()
				}
				t.release(p)
				t.mu.Unlock()
				return -1, err
			}
		}
		switch p.state {
		case stateEstablished:
			t.mu.Unlock()
			return id, nil
		case stateSynReceived:
			continue
		default:
			err := fmt.Errorf("%w: pcb state=%s", ErrConnectionFailed, p.state)
			t.release(p)
			t.mu.Unlock()
			return -1, err
		}
	}
}

// DialRFC793 is a convenience wrapper around OpenRFC793 for test and demo
// callers: it shapes the caller-facing retry curve with
// backoff.NewExponentialBackOff while the PCB's own retransmit timer keeps
// doing the RFC 793 RTO doubling internally.
func (t *Table) DialRFC793(ctx context.Context, local, foreign addr.Endpoint) (int, error) {
	var id int
	op := func() error {
		var err error
		id, err = t.OpenRFC793(ctx, local, &foreign, true)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultRTO
	b.MaxElapsedTime = RetransmitDeadline
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return -1, err
	}
	return id, nil
}

// Send blocks until all of data has been queued for transmission,
// fragmenting into MSS-sized segments and waiting for peer window space
// whenever the send window is full. A non-nil error after sent > 0 bytes
// were already queued returns the partial count alongside the error.
func (t *Table) Send(id int, data []byte) (int, error) {
	t.mu.Lock()
	p, err := t.get(id)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}

	route, ok := t.ip.RouteFor(p.foreign.Addr)
	if !ok {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ipstack.ErrNoRoute, p.foreign.Addr)
	}
	mss := route.Iface.Device.MTU - (ipstack.HeaderLenMin + HeaderLen)

	sent := 0
	for sent < len(data) {
		if p.state != stateEstablished {
			err := fmt.Errorf("%w: state=%s", ErrNotConnected, p.state)
			t.release(p)
			t.mu.Unlock()
			return sent, err
		}
		cap := int(p.snd.wnd) - int(p.snd.nxt-p.snd.una)
		if cap <= 0 {
			if err := sched.Sleep(&t.mu, p.waiter, timeZero); err != nil {
				t.mu.Unlock()
				return sent, err
			}
			continue
		}
		slen := min(min(mss, len(data)-sent), cap)
		if err := t.output(p, FlagACK|FlagPSH, data[sent:sent+slen]); err != nil {
			p.state = stateClosed
			t.release(p)
			t.mu.Unlock()
			return sent, err
		}
		p.snd.nxt += uint32(slen)
		sent += slen
	}
	t.mu.Unlock()
	return sent, nil
}

// Receive blocks until at least one byte is available in id's receive
// buffer, then copies up to len(buf) bytes into it.
func (t *Table) Receive(id int, buf []byte) (int, error) {
	t.mu.Lock()
	p, err := t.get(id)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}

	for {
		if p.state != stateEstablished {
			err := fmt.Errorf("%w: state=%s", ErrNotConnected, p.state)
			t.release(p)
			t.mu.Unlock()
			return 0, err
		}
		if p.rcvUsed > 0 {
			break
		}
		if err := sched.Sleep(&t.mu, p.waiter, timeZero); err != nil {
			t.mu.Unlock()
			return 0, err
		}
	}

	n := copy(buf, p.buf[:p.rcvUsed])
	remaining := p.rcvUsed - n
	copy(p.buf, p.buf[n:p.rcvUsed])
	p.rcvUsed = remaining
	p.rcv.wnd = uint16(recvBufSize - p.rcvUsed)
	t.mu.Unlock()
	return n, nil
}

// Close tears the connection down by sending RST and releasing the PCB; as
// documented at the package level, no FIN handshake is attempted.
func (t *Table) Close(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.get(id)
	if err != nil {
		return err
	}
	_ = t.output(p, FlagRST, nil)
	p.state = stateClosed
	t.release(p)
	return nil
}

// InterruptAll wakes every non-free PCB's blocked caller with
// sched.ErrInterrupted, used on stack shutdown.
func (t *Table) InterruptAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pcbs {
		if t.pcbs[i].state != stateFree {
			t.pcbs[i].waiter.Interrupt()
		}
	}
}
