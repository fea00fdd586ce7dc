package netdev

import (
	"net"

	"github.com/malbeclabs/netstackd/internal/ethernet"
)

const dummyMTU = 65535

var dummyHWAddr = net.HardwareAddr{0, 0, 0, 0, 0, 0}

// dummyOps implements Ops for the pedagogical dummy device: it accepts any
// frame handed to it and discards it, useful for routes that must resolve
// to a device without actually delivering anywhere.
type dummyOps struct{}

// NewDummy constructs the dummy device.
func NewDummy() *Device {
	return NewDevice(TypeDummy, dummyMTU, dummyHWAddr, dummyHWAddr, FlagBroadcast, &dummyOps{}, nil)
}

func (dummyOps) Open(dev *Device) error  { return nil }
func (dummyOps) Close(dev *Device) error { return nil }
func (dummyOps) Transmit(dev *Device, etherType ethernet.EtherType, data []byte, dst net.HardwareAddr) error {
	return nil
}
