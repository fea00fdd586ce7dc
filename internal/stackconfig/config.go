// Package stackconfig holds the typed, JSON-loadable bring-up
// configuration for a netstackd instance: which devices to create, the
// interfaces and routes bound to them, and the sizing knobs of the
// protocol tables internal/stack wires together.
//
// Modeled on internal/routing/config.go's RouteConfig/loadConfig shape
// (a small typed struct, JSON-decoded from a file, validated once at
// startup) and internal/config/config.go's Validate() convention.
package stackconfig

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/malbeclabs/netstackd/internal/addr"
	"github.com/malbeclabs/netstackd/internal/arp"
	"github.com/malbeclabs/netstackd/internal/tcpstack"
	"github.com/malbeclabs/netstackd/internal/udpstack"
)

// DeviceType names the kind of virtual link device a DeviceConfig creates.
type DeviceType string

const (
	DeviceLoopback DeviceType = "loopback"
	DeviceDummy    DeviceType = "dummy"
	DeviceTap      DeviceType = "tap"
)

// InterfaceConfig binds an IPv4 address to the device that declares it.
type InterfaceConfig struct {
	Unicast string `json:"unicast"`
	Netmask string `json:"netmask"`
}

// DeviceConfig describes one device to create and bring up. HWAddr is only
// meaningful for DeviceTap (loopback and dummy devices use a fixed
// all-zero address); when empty on a tap device, internal/stack derives
// one deterministically from the device's position in Devices.
type DeviceConfig struct {
	Name       string            `json:"name"`
	Type       DeviceType        `json:"type"`
	MTU        int               `json:"mtu"`
	HWAddr     string            `json:"hwAddr,omitempty"`
	Interfaces []InterfaceConfig `json:"interfaces"`
	// Peer names the other DeviceTap entry this device is wired to. Two
	// taps naming each other as Peer are connected with a shared Wire;
	// a tap with no Peer is left unconnected, for wiring to another
	// process's Stack externally (see stack.ConnectExternalTaps).
	Peer string `json:"peer,omitempty"`
}

// RouteConfig describes one static route to install in addition to the
// directly-connected routes AddInterfaceRoute installs automatically.
type RouteConfig struct {
	Network string `json:"network"`
	Netmask string `json:"netmask"`
	Gateway string `json:"gateway"`
	Device  string `json:"device"`
}

// ARPConfig documents the ARP cache's compiled-in sizing. The cache is a
// fixed-size array (arp.CacheSize entries, arp.CacheTimeout eviction), so
// these fields are not threaded into arp.NewCache; Validate checks them
// against the compiled constants purely to catch operator expectations
// that no longer match the binary, the same role RouteConfig.Exclude
// validation plays for the teacher's route excludes.
type ARPConfig struct {
	CacheSize    int           `json:"cacheSize"`
	CacheTimeout time.Duration `json:"cacheTimeout"`
}

// TCPConfig documents tcpstack's compiled-in PCB table size and
// retransmission timing, validated the same way as ARPConfig.
type TCPConfig struct {
	PCBTableSize       int           `json:"pcbTableSize"`
	InitialRTO         time.Duration `json:"initialRTO"`
	RetransmitDeadline time.Duration `json:"retransmitDeadline"`
}

// UDPConfig documents udpstack's compiled-in PCB table size.
type UDPConfig struct {
	PCBTableSize int `json:"pcbTableSize"`
}

// Config is the complete bring-up description for a netstackd instance.
type Config struct {
	Devices     []DeviceConfig `json:"devices"`
	Routes      []RouteConfig  `json:"routes"`
	ARP         ARPConfig      `json:"arp"`
	TCP         TCPConfig      `json:"tcp"`
	UDP         UDPConfig      `json:"udp"`
	MetricsAddr string         `json:"metricsAddr"`
}

// Load reads and decodes a Config from a JSON file at path. It does not
// call Validate; callers should do so explicitly so that programmatically
// built configs (tests) go through the same check.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stackconfig: opening config file: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("stackconfig: decoding config file: %w", err)
	}
	return &cfg, nil
}

// Validate checks structural well-formedness of c: device names are
// unique and non-empty, MTUs are positive, interface/route addresses
// parse, every route names a declared device, and the ARP/TCP/UDP sizing
// knobs (if set) agree with the package constants those subsystems are
// actually compiled with.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return ErrNoDevices
	}

	names := make(map[string]struct{}, len(c.Devices))
	for _, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("%w: device with empty name", ErrInvalidType)
		}
		if _, ok := names[d.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.Name)
		}
		names[d.Name] = struct{}{}

		switch d.Type {
		case DeviceLoopback, DeviceDummy, DeviceTap:
		default:
			return fmt.Errorf("%w: %q on device %s", ErrInvalidType, d.Type, d.Name)
		}
		if d.MTU <= 0 {
			return fmt.Errorf("%w: device %s mtu=%d", ErrInvalidMTU, d.Name, d.MTU)
		}
		if d.HWAddr != "" {
			if _, err := net.ParseMAC(d.HWAddr); err != nil {
				return fmt.Errorf("%w: device %s hwAddr %q", ErrInvalidAddr, d.Name, d.HWAddr)
			}
		}
		for _, iface := range d.Interfaces {
			if _, err := addr.ParseIPv4(iface.Unicast); err != nil {
				return fmt.Errorf("%w: device %s unicast %q", ErrInvalidAddr, d.Name, iface.Unicast)
			}
			if _, err := addr.ParseIPv4(iface.Netmask); err != nil {
				return fmt.Errorf("%w: device %s netmask %q", ErrInvalidAddr, d.Name, iface.Netmask)
			}
		}
	}

	for _, d := range c.Devices {
		if d.Type != DeviceTap || d.Peer == "" {
			// A tap with no Peer is wired to a device outside this
			// config (e.g. another process's Stack); stack.New leaves
			// it unconnected for the caller to wire externally.
			continue
		}
		peer, ok := c.deviceByName(d.Peer)
		if !ok {
			return fmt.Errorf("%w: tap device %s peer %s", ErrUnknownDevice, d.Name, d.Peer)
		}
		if peer.Peer != d.Name {
			return fmt.Errorf("%w: tap device %s and %s do not name each other as peer", ErrUnknownDevice, d.Name, d.Peer)
		}
	}

	for _, r := range c.Routes {
		if _, err := addr.ParseIPv4(r.Network); err != nil {
			return fmt.Errorf("%w: route network %q", ErrInvalidAddr, r.Network)
		}
		if _, err := addr.ParseIPv4(r.Netmask); err != nil {
			return fmt.Errorf("%w: route netmask %q", ErrInvalidAddr, r.Netmask)
		}
		if r.Gateway != "" {
			if _, err := addr.ParseIPv4(r.Gateway); err != nil {
				return fmt.Errorf("%w: route gateway %q", ErrInvalidAddr, r.Gateway)
			}
		}
		if _, ok := names[r.Device]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, r.Device)
		}
	}

	if c.ARP.CacheSize != 0 && c.ARP.CacheSize != arp.CacheSize {
		return fmt.Errorf("%w: arp.cacheSize=%d, compiled=%d", ErrKnobMismatch, c.ARP.CacheSize, arp.CacheSize)
	}
	if c.ARP.CacheTimeout != 0 && c.ARP.CacheTimeout != arp.CacheTimeout {
		return fmt.Errorf("%w: arp.cacheTimeout=%s, compiled=%s", ErrKnobMismatch, c.ARP.CacheTimeout, arp.CacheTimeout)
	}
	if c.TCP.PCBTableSize != 0 && c.TCP.PCBTableSize != tcpstack.PCBTableSize {
		return fmt.Errorf("%w: tcp.pcbTableSize=%d, compiled=%d", ErrKnobMismatch, c.TCP.PCBTableSize, tcpstack.PCBTableSize)
	}
	if c.TCP.InitialRTO != 0 && c.TCP.InitialRTO != tcpstack.DefaultRTO {
		return fmt.Errorf("%w: tcp.initialRTO=%s, compiled=%s", ErrKnobMismatch, c.TCP.InitialRTO, tcpstack.DefaultRTO)
	}
	if c.TCP.RetransmitDeadline != 0 && c.TCP.RetransmitDeadline != tcpstack.RetransmitDeadline {
		return fmt.Errorf("%w: tcp.retransmitDeadline=%s, compiled=%s", ErrKnobMismatch, c.TCP.RetransmitDeadline, tcpstack.RetransmitDeadline)
	}
	if c.UDP.PCBTableSize != 0 && c.UDP.PCBTableSize != udpstack.PCBTableSize {
		return fmt.Errorf("%w: udp.pcbTableSize=%d, compiled=%d", ErrKnobMismatch, c.UDP.PCBTableSize, udpstack.PCBTableSize)
	}

	return nil
}

func (c *Config) deviceByName(name string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}
