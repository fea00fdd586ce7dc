package arp

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/malbeclabs/netstackd/internal/addr"
	"github.com/malbeclabs/netstackd/internal/ethernet"
	"github.com/malbeclabs/netstackd/internal/netdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// newTestIface builds an IPv4 interface on a tap-like Ethernet device, the
// only device type Resolve supports; the tap's peer side is left
// unconnected since these tests only exercise Resolve/Input directly.
func newTestIface(t *testing.T) *netdev.Interface {
	t.Helper()
	mgr := netdev.NewManager()
	hwAddr := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dev := mgr.Register(netdev.NewTap(hwAddr, 1500, func(ethernet.EtherType, []byte, *netdev.Device) {}, func() {}))
	iface := &netdev.Interface{
		Family:  netdev.FamilyIPv4,
		Unicast: addr.MustParseIPv4("10.0.0.1"),
		Netmask: addr.MustParseIPv4("255.255.255.0"),
	}
	require.NoError(t, dev.AddInterface(iface))
	return iface
}

func TestMessage_MarshalParse_RoundTrip(t *testing.T) {
	m := Message{
		Op:  opRequest,
		SHA: net.HardwareAddr{1, 2, 3, 4, 5, 6},
		SPA: addr.MustParseIPv4("10.0.0.1"),
		THA: ethernet.Broadcast,
		TPA: addr.MustParseIPv4("10.0.0.2"),
	}
	got, err := Parse(m.Marshal())
	require.NoError(t, err)
	assert.Equal(t, m.Op, got.Op)
	assert.Equal(t, m.SHA, got.SHA)
	assert.Equal(t, m.SPA, got.SPA)
	assert.Equal(t, m.TPA, got.TPA)
}

func TestParse_ShortMessage_ReturnsError(t *testing.T) {
	_, err := Parse(make([]byte, 10))
	assert.ErrorIs(t, err, ErrShortMessage)
}

func TestParse_UnsupportedAddressFamily_ReturnsError(t *testing.T) {
	data := make([]byte, MessageLen)
	data[4] = 8 // bogus hardware address length
	_, err := Parse(data)
	assert.ErrorIs(t, err, ErrUnsupportedAddress)
}

func TestCache_Resolve_NonEthernetDevice_ReturnsError(t *testing.T) {
	mgr := netdev.NewManager()
	dev := mgr.Register(netdev.NewLoopback(func(ethernet.EtherType, []byte, *netdev.Device) {}))
	iface := &netdev.Interface{
		Family:  netdev.FamilyIPv4,
		Unicast: addr.MustParseIPv4("127.0.0.1"),
		Netmask: addr.MustParseIPv4("255.0.0.0"),
	}
	require.NoError(t, dev.AddInterface(iface))
	c := NewCache(newTestLogger(), func(*netdev.Interface, ethernet.EtherType, []byte, net.HardwareAddr) error { return nil })

	ha, res := c.Resolve(iface, addr.MustParseIPv4("127.0.0.5"))
	assert.Equal(t, Error, res)
	assert.Nil(t, ha)
}

func TestCache_Resolve_UnknownAddress_ReturnsIncompleteAndSendsRequest(t *testing.T) {
	iface := newTestIface(t)
	var sent []Message
	c := NewCache(newTestLogger(), func(iface *netdev.Interface, etherType ethernet.EtherType, data []byte, dst net.HardwareAddr) error {
		msg, err := Parse(data)
		require.NoError(t, err)
		sent = append(sent, msg)
		return nil
	})

	ha, res := c.Resolve(iface, addr.MustParseIPv4("10.0.0.5"))
	assert.Equal(t, Incomplete, res)
	assert.Nil(t, ha)
	require.Len(t, sent, 1)
	assert.Equal(t, uint16(opRequest), sent[0].Op)
	assert.Equal(t, addr.MustParseIPv4("10.0.0.5"), sent[0].TPA)
}

func TestCache_Resolve_PendingEntry_ResendsWithoutRefreshingTimestamp(t *testing.T) {
	iface := newTestIface(t)
	sends := 0
	c := NewCache(newTestLogger(), func(*netdev.Interface, ethernet.EtherType, []byte, net.HardwareAddr) error {
		sends++
		return nil
	})

	_, res1 := c.Resolve(iface, addr.MustParseIPv4("10.0.0.5"))
	first := c.entries[0].timestamp
	_, res2 := c.Resolve(iface, addr.MustParseIPv4("10.0.0.5"))
	assert.Equal(t, Incomplete, res1)
	assert.Equal(t, Incomplete, res2)
	assert.Equal(t, 2, sends)
	assert.Equal(t, first, c.entries[0].timestamp)
}

func TestCache_Input_Request_InsertsEntryAndReplies(t *testing.T) {
	iface := newTestIface(t)
	var replies []Message
	c := NewCache(newTestLogger(), func(iface *netdev.Interface, etherType ethernet.EtherType, data []byte, dst net.HardwareAddr) error {
		msg, err := Parse(data)
		require.NoError(t, err)
		replies = append(replies, msg)
		return nil
	})

	req := Message{
		Op:  opRequest,
		SHA: net.HardwareAddr{0xaa, 0xbb, 0xcc, 0, 0, 1},
		SPA: addr.MustParseIPv4("127.0.0.2"),
		THA: ethernet.Broadcast,
		TPA: iface.Unicast,
	}
	c.Input(req.Marshal(), iface.Device)

	require.Len(t, replies, 1)
	assert.Equal(t, uint16(opReply), replies[0].Op)
	assert.Equal(t, req.SHA, replies[0].THA)

	ha, res := c.Resolve(iface, addr.MustParseIPv4("127.0.0.2"))
	assert.Equal(t, Found, res)
	assert.Equal(t, req.SHA, ha)
}

func TestCache_Sweep_EvictsExpiredEntries(t *testing.T) {
	iface := newTestIface(t)
	c := NewCache(newTestLogger(), func(*netdev.Interface, ethernet.EtherType, []byte, net.HardwareAddr) error { return nil })

	c.insert(addr.MustParseIPv4("10.0.0.9"), net.HardwareAddr{1, 1, 1, 1, 1, 1})
	c.entries[0].timestamp = time.Now().Add(-CacheTimeout - time.Second)

	c.Sweep(time.Now())

	_, res := c.Resolve(iface, addr.MustParseIPv4("10.0.0.9"))
	assert.Equal(t, Incomplete, res)
}

func TestCache_Alloc_EvictsOldestWhenFull(t *testing.T) {
	c := NewCache(newTestLogger(), func(*netdev.Interface, ethernet.EtherType, []byte, net.HardwareAddr) error { return nil })
	base := time.Now()
	for i := 0; i < CacheSize; i++ {
		e := c.alloc()
		e.state = stateResolved
		e.pa = addr.IPv4FromUint32(uint32(i))
		e.timestamp = base.Add(time.Duration(i) * time.Second)
	}

	newEntry := c.alloc()
	assert.Equal(t, addr.IPv4FromUint32(0), newEntry.pa)
	assert.Nil(t, c.selectByPA(addr.IPv4FromUint32(0)))
	assert.NotNil(t, c.selectByPA(addr.IPv4FromUint32(1)))
}
