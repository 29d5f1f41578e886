package upnp

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAdd(t *testing.T) {
	var g registry

	r, err := g.add(Rule{Name: "camera", Port: 8080, Protocol: "tcp", LeaseDuration: 3600})
	require.NoError(t, err)
	assert.Equal(t, 0, r.Index)
	assert.Equal(t, ProtocolTCP, r.Protocol)

	r, err = g.add(Rule{Name: "nas", InternalAddr: netip.MustParseAddr("::ffff:192.168.1.20"), Port: 445, Protocol: ProtocolTCP})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Index)
	assert.Equal(t, netip.MustParseAddr("192.168.1.20"), r.InternalAddr)

	rules := g.snapshot()
	require.Len(t, rules, 2)
	assert.Equal(t, "camera", rules[0].Name)
	assert.Equal(t, "nas", rules[1].Name)

	rules[0].Name = "changed"
	assert.Equal(t, "camera", g.snapshot()[0].Name)
}

func TestRegistryAddInvalid(t *testing.T) {
	var g registry

	_, err := g.add(Rule{Name: "zero", Port: 0, Protocol: ProtocolTCP})
	assert.ErrorIs(t, err, ErrInvalidPort)

	_, err = g.add(Rule{Name: "sctp", Port: 80, Protocol: "SCTP"})
	assert.ErrorIs(t, err, ErrInvalidProtocol)

	_, err = g.add(Rule{Port: 80, Protocol: ProtocolTCP})
	assert.ErrorIs(t, err, ErrUnnamedRule)

	_, err = g.add(Rule{Name: "  ", Port: 80, Protocol: ProtocolTCP})
	assert.ErrorIs(t, err, ErrUnnamedRule)

	_, err = g.add(Rule{Name: "v6", InternalAddr: netip.MustParseAddr("fe80::1"), Port: 80, Protocol: ProtocolTCP})
	assert.Error(t, err)

	assert.Equal(t, 0, g.len())
}

func TestExpectedClient(t *testing.T) {
	local := netip.MustParseAddr("192.168.1.50")
	assert.Equal(t, local, expectedClient(Rule{InternalAddr: Self}, local))

	fixed := netip.MustParseAddr("192.168.1.20")
	assert.Equal(t, fixed, expectedClient(Rule{InternalAddr: fixed}, local))
}
