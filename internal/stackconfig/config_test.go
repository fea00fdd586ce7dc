package stackconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/malbeclabs/netstackd/internal/arp"
	"github.com/malbeclabs/netstackd/internal/tcpstack"
	"github.com/malbeclabs/netstackd/internal/udpstack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path string, cfg Config) {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func validConfig() Config {
	return Config{
		Devices: []DeviceConfig{
			{
				Name: "lo0",
				Type: DeviceLoopback,
				MTU:  65535,
				Interfaces: []InterfaceConfig{
					{Unicast: "127.0.0.1", Netmask: "255.0.0.0"},
				},
			},
			{Name: "dummy0", Type: DeviceDummy, MTU: 1500},
		},
		Routes: []RouteConfig{
			{Network: "0.0.0.0", Netmask: "0.0.0.0", Gateway: "127.0.0.1", Device: "dummy0"},
		},
		MetricsAddr: ":9100",
	}
}

func TestConfig_Load_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netstackd.json")
	writeConfig(t, path, validConfig())

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Devices, 2)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
}

func TestConfig_Load_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Error(t, err)
}

func TestConfig_Validate_NoDevices(t *testing.T) {
	cfg := Config{}
	assert.ErrorIs(t, cfg.Validate(), ErrNoDevices)
}

func TestConfig_Validate_DuplicateDeviceName(t *testing.T) {
	cfg := validConfig()
	cfg.Devices = append(cfg.Devices, DeviceConfig{Name: "lo0", Type: DeviceDummy, MTU: 1500})
	assert.ErrorIs(t, cfg.Validate(), ErrDuplicateDevice)
}

func TestConfig_Validate_UnknownDeviceType(t *testing.T) {
	cfg := validConfig()
	cfg.Devices[0].Type = "carrier-pigeon"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidType)
}

func TestConfig_Validate_NonPositiveMTU(t *testing.T) {
	cfg := validConfig()
	cfg.Devices[0].MTU = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidMTU)
}

func TestConfig_Validate_BadInterfaceAddr(t *testing.T) {
	testCases := []struct {
		name    string
		unicast string
		netmask string
	}{
		{"bad-unicast", "not-an-ip", "255.0.0.0"},
		{"bad-netmask", "127.0.0.1", "not-an-ip"},
		{"cidr-form", "127.0.0.1/8", "255.0.0.0"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Devices[0].Interfaces[0].Unicast = tc.unicast
			cfg.Devices[0].Interfaces[0].Netmask = tc.netmask
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidAddr)
		})
	}
}

func TestConfig_Validate_RouteReferencesUnknownDevice(t *testing.T) {
	cfg := validConfig()
	cfg.Routes[0].Device = "eth7"
	assert.ErrorIs(t, cfg.Validate(), ErrUnknownDevice)
}

func TestConfig_Validate_RouteBadAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Routes[0].Network = "garbage"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidAddr)
}

func TestConfig_Validate_KnobsMatchingCompiledConstantsPass(t *testing.T) {
	cfg := validConfig()
	cfg.ARP = ARPConfig{CacheSize: arp.CacheSize, CacheTimeout: arp.CacheTimeout}
	cfg.TCP = TCPConfig{
		PCBTableSize:       tcpstack.PCBTableSize,
		InitialRTO:         tcpstack.DefaultRTO,
		RetransmitDeadline: tcpstack.RetransmitDeadline,
	}
	cfg.UDP = UDPConfig{PCBTableSize: udpstack.PCBTableSize}
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_KnobMismatch(t *testing.T) {
	cfg := validConfig()
	cfg.TCP.PCBTableSize = tcpstack.PCBTableSize + 1
	assert.ErrorIs(t, cfg.Validate(), ErrKnobMismatch)
}

func TestConfig_Validate_ZeroKnobsAreIgnored(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_BadHWAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Devices[1].HWAddr = "not-a-mac"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidAddr)
}

func tapPairConfig() Config {
	cfg := validConfig()
	cfg.Devices = append(cfg.Devices,
		DeviceConfig{Name: "tap0", Type: DeviceTap, MTU: 1500, HWAddr: "02:00:00:00:00:01", Peer: "tap1"},
		DeviceConfig{Name: "tap1", Type: DeviceTap, MTU: 1500, HWAddr: "02:00:00:00:00:02", Peer: "tap0"},
	)
	return cfg
}

func TestConfig_Validate_TapPair_Valid(t *testing.T) {
	cfg := tapPairConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_TapWithNoPeerIsValid(t *testing.T) {
	cfg := validConfig()
	cfg.Devices = append(cfg.Devices, DeviceConfig{Name: "tap0", Type: DeviceTap, MTU: 1500, HWAddr: "02:00:00:00:00:01"})
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_TapPeerNotMutual(t *testing.T) {
	cfg := tapPairConfig()
	for i := range cfg.Devices {
		if cfg.Devices[i].Name == "tap0" {
			cfg.Devices[i].Peer = "dummy0"
		}
	}
	assert.ErrorIs(t, cfg.Validate(), ErrUnknownDevice)
}
