package netdev

import (
	"testing"

	"github.com/malbeclabs/netstackd/internal/ethernet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDummy_Transmit_DiscardsSilently(t *testing.T) {
	dev := NewDummy()
	require.NoError(t, dev.Open())
	assert.NoError(t, dev.Output(ethernet.TypeIPv4, []byte("into the void"), nil))
}

func TestDummy_HasBroadcastFlag(t *testing.T) {
	dev := NewDummy()
	assert.True(t, dev.HasFlag(FlagBroadcast))
	assert.False(t, dev.HasFlag(FlagNeedARP))
}
