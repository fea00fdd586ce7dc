// Package stack wires the device, ARP, IPv4, ICMP, UDP, and TCP layers
// together into one running instance from a stackconfig.Config: it is the
// net_init/net_run counterpart of the original design, built the way
// internal/runtime.Run assembles the teacher's network manager, latency
// prober, and API server into one goroutine group with a single shutdown
// path.
package stack

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/malbeclabs/netstackd/internal/addr"
	"github.com/malbeclabs/netstackd/internal/arp"
	"github.com/malbeclabs/netstackd/internal/ethernet"
	"github.com/malbeclabs/netstackd/internal/icmpstack"
	"github.com/malbeclabs/netstackd/internal/ipstack"
	"github.com/malbeclabs/netstackd/internal/netdev"
	"github.com/malbeclabs/netstackd/internal/sched"
	"github.com/malbeclabs/netstackd/internal/stackconfig"
	"github.com/malbeclabs/netstackd/internal/tcpstack"
	"github.com/malbeclabs/netstackd/internal/udpstack"
)

// Stack is one fully wired netstackd instance: a worker goroutine driving
// device interrupts, timers, and softirq-queued protocol input, plus the
// ARP/IP/ICMP/UDP/TCP state each of those handlers operates on.
type Stack struct {
	log *slog.Logger

	manager  *netdev.Manager
	worker   *sched.Worker
	registry *netdev.Registry
	routes   *ipstack.Table
	arpCache *arp.Cache

	IP   *ipstack.Stack
	ICMP *icmpstack.Stack
	UDP  *udpstack.Table
	TCP  *tcpstack.Table

	devices map[string]*netdev.Device

	runOnce sync.Once
}

// New validates cfg and brings up every device, interface, route, and
// protocol layer it describes. Devices are opened as they're created;
// nothing transmits or accepts traffic until Run starts the worker
// goroutine that drains their queues.
func New(log *slog.Logger, cfg *stackconfig.Config) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("stack: invalid config: %w", err)
	}

	worker := sched.NewWorker(log)
	registry := netdev.NewRegistry(log, worker)
	manager := netdev.NewManager()
	routes := ipstack.NewTable()
	devices := make(map[string]*netdev.Device, len(cfg.Devices))

	nextIRQ := 0
	for i, dc := range cfg.Devices {
		dev, err := newDevice(dc, i, registry, worker, &nextIRQ)
		if err != nil {
			metricBringupErrors.WithLabelValues("device").Inc()
			return nil, err
		}
		manager.Register(dev)
		devices[dc.Name] = dev

		for _, ic := range dc.Interfaces {
			unicast, err := addr.ParseIPv4(ic.Unicast)
			if err != nil {
				metricBringupErrors.WithLabelValues("interface").Inc()
				return nil, fmt.Errorf("stack: device %s interface unicast: %w", dc.Name, err)
			}
			netmask, err := addr.ParseIPv4(ic.Netmask)
			if err != nil {
				metricBringupErrors.WithLabelValues("interface").Inc()
				return nil, fmt.Errorf("stack: device %s interface netmask: %w", dc.Name, err)
			}
			iface := &netdev.Interface{
				Family:  netdev.FamilyIPv4,
				Unicast: unicast,
				Netmask: netmask,
			}
			iface.Broadcast = unicast.BroadcastFor(netmask)
			if err := dev.AddInterface(iface); err != nil {
				metricBringupErrors.WithLabelValues("interface").Inc()
				return nil, err
			}
			routes.AddInterfaceRoute(iface)
		}

		if err := dev.Open(); err != nil {
			metricBringupErrors.WithLabelValues("device_open").Inc()
			return nil, err
		}
		metricDevicesUp.Inc()
	}

	if err := connectTaps(cfg, devices); err != nil {
		metricBringupErrors.WithLabelValues("tap_connect").Inc()
		return nil, err
	}

	for _, rc := range cfg.Routes {
		dev, ok := devices[rc.Device]
		if !ok {
			metricBringupErrors.WithLabelValues("route").Inc()
			return nil, fmt.Errorf("%w: %s", stackconfig.ErrUnknownDevice, rc.Device)
		}
		iface, ok := dev.GetInterface(netdev.FamilyIPv4)
		if !ok {
			metricBringupErrors.WithLabelValues("route").Inc()
			return nil, fmt.Errorf("stack: device %s has no IPv4 interface for route", rc.Device)
		}
		network, err := addr.ParseIPv4(rc.Network)
		if err != nil {
			metricBringupErrors.WithLabelValues("route").Inc()
			return nil, fmt.Errorf("stack: route network: %w", err)
		}
		netmask, err := addr.ParseIPv4(rc.Netmask)
		if err != nil {
			metricBringupErrors.WithLabelValues("route").Inc()
			return nil, fmt.Errorf("stack: route netmask: %w", err)
		}
		if network == addr.Any && netmask == addr.Any && rc.Gateway != "" {
			gw, err := addr.ParseIPv4(rc.Gateway)
			if err != nil {
				metricBringupErrors.WithLabelValues("route").Inc()
				return nil, fmt.Errorf("stack: route gateway: %w", err)
			}
			routes.SetDefaultGateway(gw, iface)
			continue
		}
		var gw addr.IPv4 = addr.Any
		if rc.Gateway != "" {
			gw, err = addr.ParseIPv4(rc.Gateway)
			if err != nil {
				metricBringupErrors.WithLabelValues("route").Inc()
				return nil, fmt.Errorf("stack: route gateway: %w", err)
			}
		}
		routes.Add(ipstack.Route{Network: network, Netmask: netmask, Gateway: gw, Iface: iface})
	}

	arpCache := arp.NewCache(log, func(iface *netdev.Interface, etherType ethernet.EtherType, data []byte, dst net.HardwareAddr) error {
		return iface.Device.Output(etherType, data, dst)
	})
	if err := worker.RegisterTimer(arp.SweepInterval(), arpCache.Sweep); err != nil {
		return nil, err
	}
	if err := registry.Register(ethernet.TypeARP, arpCache.Input); err != nil {
		return nil, err
	}

	ip := ipstack.New(log, routes, arpCache)
	if err := registry.Register(ethernet.TypeIPv4, ip.Input); err != nil {
		return nil, err
	}

	icmp, err := icmpstack.New(log, ip)
	if err != nil {
		return nil, err
	}
	udp, err := udpstack.New(log, ip)
	if err != nil {
		return nil, err
	}
	tcp, err := tcpstack.New(log, ip, worker)
	if err != nil {
		return nil, err
	}
	worker.SubscribeEvent(udp.InterruptAll)

	return &Stack{
		log:      log,
		manager:  manager,
		worker:   worker,
		registry: registry,
		routes:   routes,
		arpCache: arpCache,
		IP:       ip,
		ICMP:     icmp,
		UDP:      udp,
		TCP:      tcp,
		devices:  devices,
	}, nil
}

// newDevice constructs the Ops implementation dc.Type names. nextIRQ hands
// out increasing IRQ numbers to tap devices, which are the only driver
// that raises one.
func newDevice(dc stackconfig.DeviceConfig, index int, registry *netdev.Registry, worker *sched.Worker, nextIRQ *int) (*netdev.Device, error) {
	switch dc.Type {
	case stackconfig.DeviceLoopback:
		dev := netdev.NewLoopback(registry.InputHandler)
		dev.MTU = dc.MTU
		return dev, nil

	case stackconfig.DeviceDummy:
		dev := netdev.NewDummy()
		dev.MTU = dc.MTU
		return dev, nil

	case stackconfig.DeviceTap:
		hwAddr, err := tapHWAddr(dc, index)
		if err != nil {
			return nil, err
		}
		irq := *nextIRQ
		*nextIRQ++
		dev := netdev.NewTap(hwAddr, dc.MTU, registry.InputHandler, func() { worker.RaiseIRQ(irq) })
		if err := worker.RegisterIRQ(irq, false, dc.Name, netdev.TapHandleIRQ(dev)); err != nil {
			return nil, err
		}
		return dev, nil

	default:
		return nil, fmt.Errorf("%w: %q on device %s", ErrUnknownDeviceType, dc.Type, dc.Name)
	}
}

func tapHWAddr(dc stackconfig.DeviceConfig, index int) (net.HardwareAddr, error) {
	if dc.HWAddr != "" {
		return net.ParseMAC(dc.HWAddr)
	}
	return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, byte(index)}, nil
}

// connectTaps wires every mutually-paired DeviceTap entry with a fresh
// Wire, skipping a pair once either side has already been connected. A tap
// with no Peer is left unconnected, for a caller to wire to another
// Stack's tap device with ConnectExternalTaps.
func connectTaps(cfg *stackconfig.Config, devices map[string]*netdev.Device) error {
	connected := make(map[string]bool, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		if dc.Type != stackconfig.DeviceTap || dc.Peer == "" || connected[dc.Name] {
			continue
		}
		peerDev, ok := devices[dc.Peer]
		if !ok {
			return fmt.Errorf("%w: %s", ErrTapPeerNotFound, dc.Peer)
		}
		if peerDev.Type != netdev.TypeEthernet {
			return fmt.Errorf("%w: %s", ErrTapPeerWrongType, dc.Peer)
		}
		wire := netdev.NewWire()
		netdev.Connect(wire, devices[dc.Name], peerDev)
		connected[dc.Name] = true
		connected[dc.Peer] = true
	}
	return nil
}

// ConnectExternalTaps wires a tap device on a into a tap device on b with a
// fresh Wire, for integration tests that bring up two independent Stack
// instances (two separate processes in production) and need a link
// between them without a real kernel TAP interface.
func ConnectExternalTaps(a *Stack, nameA string, b *Stack, nameB string) error {
	devA, ok := a.Device(nameA)
	if !ok || devA.Type != netdev.TypeEthernet {
		return fmt.Errorf("%w: %s", ErrTapPeerWrongType, nameA)
	}
	devB, ok := b.Device(nameB)
	if !ok || devB.Type != netdev.TypeEthernet {
		return fmt.Errorf("%w: %s", ErrTapPeerWrongType, nameB)
	}
	netdev.Connect(netdev.NewWire(), devA, devB)
	return nil
}

// Device returns a brought-up device by its config name.
func (s *Stack) Device(name string) (*netdev.Device, bool) {
	dev, ok := s.devices[name]
	return dev, ok
}

// Run starts the worker goroutine and blocks until ctx is canceled or the
// worker exits on its own, then closes every device. Run must only be
// called once.
func (s *Stack) Run(ctx context.Context) error {
	var runErr error
	s.runOnce.Do(func() {
		errCh := make(chan error, 1)
		go func() { errCh <- s.worker.Run(ctx) }()

		select {
		case <-ctx.Done():
			s.log.Info("stack: context canceled, tearing down")
		case err := <-errCh:
			runErr = err
		}
		s.closeDevices()
	})
	return runErr
}

// Shutdown interrupts every blocked socket call, stops the worker loop,
// and closes every device, in that order, matching the spec's
// interrupt-then-join-then-teardown shutdown sequence.
func (s *Stack) Shutdown(ctx context.Context) error {
	s.worker.RaiseEvent()
	if err := s.worker.Shutdown(ctx); err != nil {
		return err
	}
	s.closeDevices()
	return nil
}

func (s *Stack) closeDevices() {
	for _, dev := range s.manager.Devices() {
		if !dev.IsUp() {
			continue
		}
		if err := dev.Close(); err != nil {
			s.log.Warn("stack: error closing device", "device", dev.Name, "err", err)
			continue
		}
		metricDevicesUp.Dec()
	}
}
