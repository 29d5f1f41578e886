package upnp

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibexico/upnp-portmap/internal/igdtest"
)

var (
	localIP     = netip.MustParseAddr("192.168.1.50")
	movedIP     = netip.MustParseAddr("192.168.1.77")
	loopbackGW  = netip.MustParseAddr("127.0.0.1")
	getSpecific = actionGetSpecificMapping
)

type harness struct {
	igd       *igdtest.IGD
	network   *igdtest.Network
	transport *igdtest.Transport
	client    *Client
}

func newHarness(t *testing.T, opts igdtest.Options, cfg Config, extra ...Option) *harness {
	t.Helper()
	igd, err := igdtest.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { igd.Close() })

	h := &harness{
		igd:       igd,
		network:   igdtest.NewNetwork(localIP, loopbackGW),
		transport: &igdtest.Transport{},
	}
	cfg.SSDPAddr = igd.SSDPAddr()
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.SearchWindow = 200 * time.Millisecond
	cfg.RetryDelay = 20 * time.Millisecond
	cfg.RetryBackoff = 20 * time.Millisecond
	cfg.MX = 1

	opts2 := append([]Option{
		WithNetwork(h.network),
		WithTransport(h.transport),
		WithLogger(zerolog.Nop()),
	}, extra...)
	h.client = New(cfg, opts2...)
	return h
}

func (h *harness) addRule(t *testing.T, r Rule) {
	t.Helper()
	_, err := h.client.AddRule(r)
	require.NoError(t, err)
}

func cameraRule() Rule {
	return Rule{Name: "camera", InternalAddr: Self, Port: 8080, Protocol: ProtocolTCP, LeaseDuration: 3600}
}

func indexOf(log []string, event string) int {
	for i, e := range log {
		if e == event {
			return i
		}
	}
	return -1
}

func TestCommitAddsMissingMapping(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{})
	h.addRule(t, cameraRule())

	status := h.client.Commit(context.Background())
	require.Equal(t, StatusSuccess, status)

	assert.Equal(t, []string{
		igdtest.EventSearch,
		igdtest.EventDescribe,
		getSpecific,
		actionAddPortMapping,
		getSpecific,
	}, h.igd.Log())

	assert.Equal(t, []igdtest.Mapping{{
		ExternalPort:   8080,
		Protocol:       "TCP",
		InternalClient: "192.168.1.50",
		InternalPort:   8080,
		Description:    "camera",
		LeaseDuration:  3600,
	}}, h.igd.Mappings())

	info := h.client.GatewayInfo()
	assert.True(t, info.Valid())
	assert.Equal(t, igdtest.WANIPConnection, info.ServiceType)
	assert.Equal(t, "/ctl/IPConn", info.ActionPath)
}

func TestCommitIdempotent(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{})
	h.addRule(t, cameraRule())

	require.Equal(t, StatusSuccess, h.client.Commit(context.Background()))
	h.igd.ResetLog()

	assert.Equal(t, StatusAlreadyMapped, h.client.Commit(context.Background()))
	assert.Equal(t, []string{getSpecific}, h.igd.Log(), "cached gateway is reused and nothing is added")
}

func TestCommitAlreadyMapped(t *testing.T) {
	h := newHarness(t, igdtest.Options{ServiceType: igdtest.WANPPPConnection}, Config{})
	h.addRule(t, cameraRule())
	h.igd.SetMappings(igdtest.Mapping{ExternalPort: 8080, Protocol: "TCP", InternalClient: "192.168.1.50", InternalPort: 8080, Description: "camera"})

	assert.Equal(t, StatusAlreadyMapped, h.client.Commit(context.Background()))
	assert.Zero(t, h.igd.Count(actionAddPortMapping))
	assert.Equal(t, igdtest.WANPPPConnection, h.client.GatewayInfo().ServiceType)
}

func TestCommitSparseEntries(t *testing.T) {
	h := newHarness(t, igdtest.Options{SparseEntries: true}, Config{})
	h.addRule(t, cameraRule())

	require.Equal(t, StatusSuccess, h.client.Commit(context.Background()))
	assert.Equal(t, 1, h.igd.Count(actionAddPortMapping))

	// entries without lease or description still verify
	h.igd.ResetLog()
	assert.Equal(t, StatusAlreadyMapped, h.client.Commit(context.Background()))
	assert.Zero(t, h.igd.Count(actionAddPortMapping))

	m, err := h.client.GetPortMapping(context.Background(), 8080, ProtocolTCP)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.50", m.InternalClient)
	assert.Empty(t, m.Description)
	assert.Zero(t, m.LeaseDuration)
}

func TestCommitUnnamedForeignMapping(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{})
	h.addRule(t, cameraRule())
	h.addRule(t, Rule{Name: "web", InternalAddr: Self, Port: 80, Protocol: ProtocolTCP})
	h.igd.SetMappings(
		igdtest.Mapping{ExternalPort: 80, Protocol: "TCP", InternalClient: "192.168.1.50", InternalPort: 80, Description: "web"},
		igdtest.Mapping{ExternalPort: 8080, Protocol: "TCP", InternalClient: "192.168.1.9", InternalPort: 8080},
	)

	require.Equal(t, StatusSuccess, h.client.Commit(context.Background()))
	assert.Zero(t, h.igd.Count(actionDeletePortMapping), "an entry without a description is not this host's")
	assert.Equal(t, 1, h.igd.Count(actionAddPortMapping))
}

func TestCommitFixedAddress(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{})
	h.addRule(t, Rule{Name: "nas", InternalAddr: netip.MustParseAddr("192.168.1.20"), Port: 445, Protocol: ProtocolTCP})

	require.Equal(t, StatusSuccess, h.client.Commit(context.Background()))
	require.Len(t, h.igd.Mappings(), 1)
	assert.Equal(t, "192.168.1.20", h.igd.Mappings()[0].InternalClient)

	// The host moving does not affect a rule with a fixed address.
	h.network.SetLocalIP(movedIP)
	h.igd.ResetLog()
	assert.Equal(t, StatusAlreadyMapped, h.client.Commit(context.Background()))
	assert.Zero(t, h.igd.Count(actionDeletePortMapping))
}

func TestCommitAddressDriftPurgesEveryRule(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{})
	h.addRule(t, cameraRule())
	h.addRule(t, Rule{Name: "camera-rtsp", InternalAddr: Self, Port: 554, Protocol: ProtocolUDP})

	require.Equal(t, StatusSuccess, h.client.Commit(context.Background()))

	h.network.SetLocalIP(movedIP)
	h.igd.ResetLog()
	require.Equal(t, StatusSuccess, h.client.Commit(context.Background()))

	log := h.igd.Log()
	assert.Equal(t, 2, h.igd.Count(actionDeletePortMapping), "every rule is deleted: %v", log)
	firstAdd := indexOf(log, actionAddPortMapping)
	require.GreaterOrEqual(t, firstAdd, 0)
	assert.Less(t, indexOf(log, actionDeletePortMapping), firstAdd)
	assert.Equal(t, []string{getSpecific, actionDeletePortMapping, actionDeletePortMapping}, log[:3])

	mappings := h.igd.Mappings()
	require.Len(t, mappings, 2)
	for _, m := range mappings {
		assert.Equal(t, "192.168.1.77", m.InternalClient)
	}
}

func TestCommitForeignMappingIsOverwritten(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{})
	h.addRule(t, cameraRule())
	h.igd.SetMappings(igdtest.Mapping{ExternalPort: 8080, Protocol: "TCP", InternalClient: "192.168.1.9", InternalPort: 8080, Description: "someone else"})

	require.Equal(t, StatusSuccess, h.client.Commit(context.Background()))
	assert.Zero(t, h.igd.Count(actionDeletePortMapping))
	assert.Equal(t, "192.168.1.50", h.igd.Mappings()[0].InternalClient)
}

func TestCommitEmptyConfig(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{})

	assert.Equal(t, StatusEmptyConfig, h.client.Commit(context.Background()))
	assert.Empty(t, h.igd.Log())
}

func TestCommitNotConnected(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{})
	h.addRule(t, cameraRule())
	h.network.SetConnected(false)

	assert.Equal(t, StatusNetworkError, h.client.Commit(context.Background()))
	assert.Empty(t, h.igd.Log())
}

func TestCommitProbe(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	reachable := ln.Addr().(*net.TCPAddr).AddrPort()

	h := newHarness(t, igdtest.Options{}, Config{ProbeAddr: reachable})
	h.addRule(t, cameraRule())
	assert.Equal(t, StatusSuccess, h.client.Commit(context.Background()))

	ln.Close()
	assert.Equal(t, StatusNetworkError, h.client.Commit(context.Background()))
}

func TestCommitNoDiscoveryReply(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{Timeout: 500 * time.Millisecond})
	h.addRule(t, cameraRule())
	h.igd.SetSilent(true)

	start := time.Now()
	status := h.client.Commit(context.Background())
	elapsed := time.Since(start)

	assert.Equal(t, StatusTimeout, status)
	assert.Less(t, elapsed, 2*time.Second)
	assert.GreaterOrEqual(t, h.igd.Count(igdtest.EventSearch), 1)
	assert.Zero(t, h.transport.Dials(), "no TCP connection without a discovered gateway")
	assert.Zero(t, h.igd.Connections())
	assert.False(t, h.client.GatewayInfo().Valid())
}

func TestCommitVerificationFailed(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{Timeout: 500 * time.Millisecond})
	h.addRule(t, cameraRule())
	h.igd.SetDropAdds(true)

	assert.Equal(t, StatusVerificationFailed, h.client.Commit(context.Background()))
	assert.Greater(t, h.igd.Count(actionAddPortMapping), 1, "adds are retried until the deadline")
}

func TestCommitRejectedAddsTimeout(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{Timeout: 500 * time.Millisecond})
	h.addRule(t, cameraRule())
	h.igd.SetRejectAdds(true)

	assert.Equal(t, StatusTimeout, h.client.Commit(context.Background()))
	assert.Empty(t, h.igd.Mappings())
}

func TestCommitGatewayChangeForcesRediscovery(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{Timeout: 500 * time.Millisecond})
	h.addRule(t, cameraRule())
	require.Equal(t, StatusSuccess, h.client.Commit(context.Background()))

	// Replies now come from a device that is no longer the default gateway.
	h.network.SetGatewayIP(netip.MustParseAddr("127.0.0.2"))
	h.igd.ResetLog()

	assert.Equal(t, StatusTimeout, h.client.Commit(context.Background()))
	assert.GreaterOrEqual(t, h.igd.Count(igdtest.EventSearch), 1)
	assert.Zero(t, h.igd.Count(getSpecific))
}

func TestCommitMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := newHarness(t, igdtest.Options{}, Config{}, WithMetrics(m))
	h.addRule(t, cameraRule())

	require.Equal(t, StatusSuccess, h.client.Commit(context.Background()))
	require.Equal(t, StatusAlreadyMapped, h.client.Commit(context.Background()))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commits.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commits.WithLabelValues("already_mapped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Discoveries.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SOAPActions.WithLabelValues(actionAddPortMapping, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SOAPActions.WithLabelValues(getSpecific, "fault")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SOAPActions.WithLabelValues(getSpecific, "ok")))
}

func seedMappings(h *harness) {
	h.igd.SetMappings(
		igdtest.Mapping{ExternalPort: 8080, Protocol: "TCP", InternalClient: "192.168.1.50", InternalPort: 8080, Description: "camera", LeaseDuration: 3600},
		igdtest.Mapping{ExternalPort: 554, Protocol: "UDP", InternalClient: "192.168.1.50", InternalPort: 554, Description: "camera-rtsp"},
		igdtest.Mapping{ExternalPort: 22, Protocol: "TCP", InternalClient: "192.168.1.20", InternalPort: 2222, Description: "ssh"},
	)
}

func TestPortMappings(t *testing.T) {
	endings := map[string]igdtest.Options{
		"invalid index": {},
		"bare 500":      {BareInvalidIndex: true},
		"no such entry": {EndOfTableCode: ErrCodeNoSuchEntryInArray},
	}
	for name, opts := range endings {
		t.Log(name)
		h := newHarness(t, opts, Config{})
		seedMappings(h)

		mappings, err := h.client.PortMappings(context.Background())
		require.NoError(t, err)
		require.Len(t, mappings, 3)
		assert.Equal(t, PortMapping{
			Index:          2,
			ExternalPort:   22,
			InternalPort:   2222,
			InternalClient: "192.168.1.20",
			Protocol:       ProtocolTCP,
			Description:    "ssh",
		}, mappings[2])
		assert.Equal(t, ProtocolUDP, mappings[1].Protocol)
		assert.Equal(t, 4, h.igd.Count(actionGetGenericMapping), "enumeration stops at the first invalid index")
	}
}

func TestPortMappingsEmptyTable(t *testing.T) {
	for _, code := range []int{ErrCodeSpecifiedArrayIndexInvalid, ErrCodeNoSuchEntryInArray, 718} {
		h := newHarness(t, igdtest.Options{EndOfTableCode: code}, Config{})

		mappings, err := h.client.PortMappings(context.Background())
		require.NoError(t, err, "error code %d", code)
		assert.Empty(t, mappings)
		assert.Equal(t, 1, h.igd.Count(actionGetGenericMapping))
	}
}

func TestPrintPortMappings(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{})
	seedMappings(h)

	var buf bytes.Buffer
	require.NoError(t, h.client.PrintPortMappings(context.Background(), &buf))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"i", "Description", "IP", "Int", "Ext", "Proto", "Lease"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"0", "camera", "192.168.1.50", "8080", "8080", "TCP", "3600"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"2", "ssh", "192.168.1.20", "2222", "22", "TCP", "0"}, strings.Fields(lines[3]))
	assert.Equal(t, strings.Index(lines[0], "IP"), strings.Index(lines[1], "192.168.1.50"), "columns line up")
}

func TestExternalIPDiscoversGateway(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{})

	ip, err := h.client.ExternalIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", ip)
	assert.Equal(t, []string{igdtest.EventSearch, igdtest.EventDescribe, actionGetExternalIP}, h.igd.Log())
}

func TestExternalIPNoGateway(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{Timeout: 300 * time.Millisecond})
	h.igd.SetSilent(true)

	_, err := h.client.ExternalIP(context.Background())
	assert.ErrorIs(t, err, ErrNoGateway)
}

func TestClear(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{})
	h.addRule(t, cameraRule())
	h.addRule(t, Rule{Name: "web", InternalAddr: Self, Port: 80, Protocol: ProtocolTCP})
	h.igd.SetMappings(igdtest.Mapping{ExternalPort: 22, Protocol: "TCP", InternalClient: "192.168.1.20", InternalPort: 22, Description: "ssh"})

	require.Equal(t, StatusSuccess, h.client.Commit(context.Background()))
	require.Len(t, h.igd.Mappings(), 3)

	require.NoError(t, h.client.Clear(context.Background()))
	mappings := h.igd.Mappings()
	require.Len(t, mappings, 1, "only this host's rules are deleted")
	assert.Equal(t, "ssh", mappings[0].Description)

	// Nothing left to delete is not an error.
	assert.NoError(t, h.client.Clear(context.Background()))
}

func TestInvalidate(t *testing.T) {
	h := newHarness(t, igdtest.Options{}, Config{})
	h.addRule(t, cameraRule())
	require.Equal(t, StatusSuccess, h.client.Commit(context.Background()))

	h.client.Invalidate()
	assert.False(t, h.client.GatewayInfo().Valid())

	h.igd.ResetLog()
	assert.Equal(t, StatusAlreadyMapped, h.client.Commit(context.Background()))
	assert.Equal(t, []string{igdtest.EventSearch, igdtest.EventDescribe, getSpecific}, h.igd.Log())
}

func TestAddRuleValidation(t *testing.T) {
	c := New(Config{}, WithLogger(zerolog.Nop()))

	_, err := c.AddRule(Rule{Name: "bad", Port: 0, Protocol: ProtocolTCP})
	assert.ErrorIs(t, err, ErrInvalidPort)

	_, err = c.AddRule(Rule{Port: 80, Protocol: ProtocolTCP})
	assert.ErrorIs(t, err, ErrUnnamedRule)

	r, err := c.AddRule(Rule{Name: "ok", Port: 1, Protocol: "udp"})
	require.NoError(t, err)
	assert.Equal(t, ProtocolUDP, r.Protocol)
	assert.Len(t, c.Rules(), 1)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{ProbeAddr: netip.MustParseAddrPort("1.1.1.1:80")}.withDefaults()
	def := DefaultConfig()

	assert.Equal(t, def.Timeout, cfg.Timeout)
	assert.Equal(t, def.IOTimeout, cfg.IOTimeout)
	assert.Equal(t, def.SSDPAddr, cfg.SSDPAddr)
	assert.Equal(t, def.FailureThreshold, cfg.FailureThreshold)
	assert.Equal(t, netip.MustParseAddrPort("1.1.1.1:80"), cfg.ProbeAddr)
	assert.False(t, Config{}.withDefaults().ProbeAddr.IsValid(), "a zero probe address stays disabled")
}
