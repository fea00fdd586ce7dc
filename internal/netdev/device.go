// Package netdev implements the device layer: device registration, up/down
// state, MTU-checked transmit, per-family interface binding, and the
// protocol dispatch/softirq queue that feeds ARP and IP input.
//
// Grounded on the shape of the Netlinker interface abstraction
// (client/doublezerod/internal/netlink/manager.go) for "a device is
// something you Open/Close/transmit through behind an interface", and on
// the probing package's mutex-guarded table idiom
// (client/doublezerod/internal/probing/store.go) for the device registry.
package netdev

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/malbeclabs/netstackd/internal/addr"
	"github.com/malbeclabs/netstackd/internal/ethernet"
)

// Type tags the kind of virtual link device.
type Type int

const (
	TypeLoopback Type = iota
	TypeDummy
	TypeEthernet
)

// Family identifies the network-layer address family of an Interface.
type Family int

const (
	FamilyIPv4 Family = iota
)

// Flags are the device state bits from the spec's data model.
type Flags uint32

const (
	FlagUp Flags = 1 << iota
	FlagNeedARP
	FlagLoopback
	FlagBroadcast
)

// Errors returned by device operations.
var (
	ErrAlreadyUp       = errors.New("netdev: device already up")
	ErrAlreadyDown     = errors.New("netdev: device already down")
	ErrDown            = errors.New("netdev: device not up")
	ErrMTUExceeded     = errors.New("netdev: payload exceeds device MTU")
	ErrDuplicateFamily = errors.New("netdev: interface family already bound")
)

// Ops is the driver vtable a concrete link device implements.
type Ops interface {
	Open(dev *Device) error
	Close(dev *Device) error
	Transmit(dev *Device, etherType ethernet.EtherType, data []byte, dst net.HardwareAddr) error
}

// Device is a registered virtual link device.
type Device struct {
	mu sync.Mutex

	Index         int
	Name          string
	Type          Type
	MTU           int
	HWAddr        net.HardwareAddr
	BroadcastAddr net.HardwareAddr
	flags         Flags

	ops  Ops
	priv any

	ifaces []*Interface
}

// Interface is a network-layer endpoint bound to a Device.
type Interface struct {
	Family    Family
	Unicast   addr.IPv4
	Netmask   addr.IPv4
	Broadcast addr.IPv4
	Device    *Device
}

// NewDevice allocates an unregistered device. Register assigns its index
// and name.
func NewDevice(typ Type, mtu int, hwAddr, broadcastAddr net.HardwareAddr, flags Flags, ops Ops, priv any) *Device {
	return &Device{
		Type:          typ,
		MTU:           mtu,
		HWAddr:        hwAddr,
		BroadcastAddr: broadcastAddr,
		flags:         flags,
		ops:           ops,
		priv:          priv,
	}
}

// Priv returns the driver-private value passed to NewDevice.
func (d *Device) Priv() any { return d.priv }

// IsUp reports whether the device's UP flag is set.
func (d *Device) IsUp() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags&FlagUp != 0
}

// HasFlag reports whether f is set.
func (d *Device) HasFlag(f Flags) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags&f != 0
}

// Open calls the driver's Open hook (if any) and sets the UP flag. Opening
// an already-up device is an error.
func (d *Device) Open() error {
	d.mu.Lock()
	if d.flags&FlagUp != 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyUp, d.Name)
	}
	d.mu.Unlock()
	if d.ops != nil {
		if err := d.ops.Open(d); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.flags |= FlagUp
	d.mu.Unlock()
	return nil
}

// Close calls the driver's Close hook (if any) and clears the UP flag.
// Closing an already-down device is an error.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.flags&FlagUp == 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyDown, d.Name)
	}
	d.mu.Unlock()
	if d.ops != nil {
		if err := d.ops.Close(d); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.flags &^= FlagUp
	d.mu.Unlock()
	return nil
}

// Output requires the device to be UP and the payload to fit within MTU,
// then calls the driver's Transmit hook.
func (d *Device) Output(etherType ethernet.EtherType, data []byte, dst net.HardwareAddr) error {
	if !d.IsUp() {
		return fmt.Errorf("%w: %s", ErrDown, d.Name)
	}
	if len(data) > d.MTU {
		return fmt.Errorf("%w: %d > %d on %s", ErrMTUExceeded, len(data), d.MTU, d.Name)
	}
	return d.ops.Transmit(d, etherType, data, dst)
}

// AddInterface binds iface to the device, rejecting a second interface of
// the same family.
func (d *Device) AddInterface(iface *Interface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.ifaces {
		if existing.Family == iface.Family {
			return fmt.Errorf("%w: %s", ErrDuplicateFamily, d.Name)
		}
	}
	iface.Device = d
	d.ifaces = append(d.ifaces, iface)
	return nil
}

// GetInterface linearly searches for an interface of the given family.
func (d *Device) GetInterface(family Family) (*Interface, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, iface := range d.ifaces {
		if iface.Family == family {
			return iface, true
		}
	}
	return nil, false
}

// Interfaces returns a copy of the device's bound interfaces.
func (d *Device) Interfaces() []*Interface {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Interface(nil), d.ifaces...)
}

// Manager registers devices and assigns their monotonically increasing
// index and "netN" name, matching net_device_register's naming scheme.
type Manager struct {
	mu        sync.Mutex
	nextIndex int
	devices   []*Device
}

// NewManager constructs an empty device manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register assigns dev the next device index and name and adds it to the
// manager. Registration order is observable via the generated names, so
// callers that care about "net0"/"net1" ordering must register devices in
// the order they want named.
func (m *Manager) Register(dev *Device) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev.Index = m.nextIndex
	dev.Name = fmt.Sprintf("net%d", dev.Index)
	m.nextIndex++
	m.devices = append(m.devices, dev)
	return dev
}

// Devices returns a copy of the registered device list.
func (m *Manager) Devices() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Device(nil), m.devices...)
}

// ByName finds a registered device by its generated name.
func (m *Manager) ByName(name string) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}
