package netdev

import (
	"net"
	"sync"

	"github.com/malbeclabs/netstackd/internal/ethernet"
)

// Wire is a loopback-free link between two tap-like devices: frames
// transmitted on one side are delivered as received frames on the other,
// letting tests exercise real Ethernet framing and ARP resolution between
// two independent stacks without a kernel TAP interface.
type Wire struct {
	mu sync.Mutex
	a  *tapOps
	b  *tapOps
}

// NewWire constructs an unconnected wire; Connect attaches both endpoints.
func NewWire() *Wire {
	return &Wire{}
}

// tapOps implements Ops for a tap-like Ethernet device whose IRQ is raised
// by the paired Wire endpoint delivering a frame, mirroring how a real TAP
// file descriptor becomes readable.
type tapOps struct {
	wire     *Wire
	dev      *Device
	raiseIRQ func()
	input    func(t ethernet.EtherType, data []byte, dev *Device)

	mu      sync.Mutex
	rxQueue [][]byte
}

// NewTap constructs a tap-like device not yet attached to a Wire. hwAddr
// should be unique per device; Connect two taps via the same Wire to let
// them exchange frames.
func NewTap(hwAddr net.HardwareAddr, mtu int, input func(t ethernet.EtherType, data []byte, dev *Device), raiseIRQ func()) *Device {
	ops := &tapOps{input: input, raiseIRQ: raiseIRQ}
	dev := NewDevice(TypeEthernet, mtu, hwAddr, ethernet.Broadcast, FlagNeedARP|FlagBroadcast, ops, nil)
	ops.dev = dev
	return dev
}

// Connect wires two tap devices together so that frames transmitted by one
// are receivable on the other.
func Connect(w *Wire, devA, devB *Device) {
	a := devA.ops.(*tapOps)
	b := devB.ops.(*tapOps)
	w.mu.Lock()
	w.a, w.b = a, b
	w.mu.Unlock()
	a.wire = w
	b.wire = w
}

func (o *tapOps) Open(dev *Device) error  { return nil }
func (o *tapOps) Close(dev *Device) error { return nil }

// Transmit delivers the full frame (header included) to the paired tap's
// receive queue and raises its IRQ; the peer's driver-level IRQ handler is
// responsible for dequeueing and calling input.
func (o *tapOps) Transmit(dev *Device, etherType ethernet.EtherType, data []byte, dst net.HardwareAddr) error {
	if o.wire == nil {
		return nil
	}
	o.wire.mu.Lock()
	var peer *tapOps
	if o.wire.a == o {
		peer = o.wire.b
	} else {
		peer = o.wire.a
	}
	o.wire.mu.Unlock()
	if peer == nil {
		return nil
	}
	h := ethernet.Header{Dst: dst, Src: dev.HWAddr, Type: etherType}
	frame := h.Marshal(data)
	peer.mu.Lock()
	peer.rxQueue = append(peer.rxQueue, frame)
	peer.mu.Unlock()
	if peer.raiseIRQ != nil {
		peer.raiseIRQ()
	}
	return nil
}

// HandleIRQ is the tap device's IRQ handler: it drains rxQueue, parses each
// frame's Ethernet header, and dispatches the payload through input.
func (o *tapOps) HandleIRQ() {
	for {
		o.mu.Lock()
		if len(o.rxQueue) == 0 {
			o.mu.Unlock()
			return
		}
		frame := o.rxQueue[0]
		o.rxQueue = o.rxQueue[1:]
		o.mu.Unlock()

		h, payload, err := ethernet.Parse(frame)
		if err != nil {
			continue
		}
		o.input(h.Type, payload, o.dev)
	}
}

// TapHandleIRQ exposes the device's tap driver IRQ handler for RegisterIRQ
// wiring, since Ops itself has no IRQ-handling method.
func TapHandleIRQ(dev *Device) func() {
	return dev.ops.(*tapOps).HandleIRQ
}
