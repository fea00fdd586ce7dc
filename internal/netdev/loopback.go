package netdev

import (
	"net"

	"github.com/malbeclabs/netstackd/internal/ethernet"
)

const loopbackMTU = 65535

var loopbackHWAddr = net.HardwareAddr{0, 0, 0, 0, 0, 0}

// loopbackOps implements Ops for the loopback device: transmitting a frame
// immediately self-enqueues it on the protocol registry's input queue and
// raises the registry's softirq, simulating a receive with no wire in
// between.
type loopbackOps struct {
	input func(t ethernet.EtherType, data []byte, dev *Device)
}

// NewLoopback constructs the loopback device. input is normally
// Registry.InputHandler; the device raises it directly on Transmit instead
// of going through an IRQ, since loopback has no interrupt source of its
// own to simulate.
func NewLoopback(input func(t ethernet.EtherType, data []byte, dev *Device)) *Device {
	ops := &loopbackOps{input: input}
	return NewDevice(TypeLoopback, loopbackMTU, loopbackHWAddr, loopbackHWAddr, FlagLoopback, ops, nil)
}

func (o *loopbackOps) Open(dev *Device) error  { return nil }
func (o *loopbackOps) Close(dev *Device) error { return nil }

func (o *loopbackOps) Transmit(dev *Device, etherType ethernet.EtherType, data []byte, dst net.HardwareAddr) error {
	cp := append([]byte(nil), data...)
	o.input(etherType, cp, dev)
	return nil
}
