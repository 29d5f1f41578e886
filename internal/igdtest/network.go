package igdtest

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
)

// Network is a settable network status. It implements upnp.Network.
type Network struct {
	mu        sync.Mutex
	connected bool
	local     netip.Addr
	gateway   netip.Addr
}

// NewNetwork returns a connected network.
func NewNetwork(local, gateway netip.Addr) *Network {
	return &Network{connected: true, local: local, gateway: gateway}
}

// Connected reports the link state set with SetConnected.
func (n *Network) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// LocalIP returns the host address set with SetLocalIP.
func (n *Network) LocalIP() (netip.Addr, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.local.IsValid() {
		return netip.Addr{}, errors.New("no local address")
	}
	return n.local, nil
}

// GatewayIP returns the default gateway set with SetGatewayIP.
func (n *Network) GatewayIP() (netip.Addr, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.gateway.IsValid() {
		return netip.Addr{}, errors.New("no default gateway")
	}
	return n.gateway, nil
}

// SetConnected changes the link state.
func (n *Network) SetConnected(connected bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = connected
}

// SetLocalIP changes the host's address, as a DHCP renewal would.
func (n *Network) SetLocalIP(ip netip.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.local = ip
}

// SetGatewayIP changes the default gateway.
func (n *Network) SetGatewayIP(ip netip.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gateway = ip
}

// Transport implements upnp.Transport with loopback sockets and counts TCP
// dials. SSDP sockets are plain UDP sockets on 127.0.0.1 since an IGD under
// test answers unicast.
type Transport struct {
	dialer net.Dialer
	dials  atomic.Int64
}

// ListenSSDP returns an unbound loopback UDP socket; local and group are ignored.
func (t *Transport) ListenSSDP(_ netip.Addr, _ netip.AddrPort) (net.PacketConn, error) {
	return net.ListenPacket("udp4", "127.0.0.1:0")
}

// Dial opens a TCP connection to addr and counts the attempt.
func (t *Transport) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	t.dials.Add(1)
	return t.dialer.DialContext(ctx, "tcp4", addr.String())
}

// Dials is the number of TCP connections attempted so far.
func (t *Transport) Dials() int {
	return int(t.dials.Load())
}
