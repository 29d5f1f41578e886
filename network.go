package upnp

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/jackpal/gateway"
	"golang.org/x/net/ipv4"
)

// Network reports the host's view of its local network.
type Network interface {
	// Connected reports whether the host has a usable LAN link.
	Connected() bool
	// LocalIP is the host's current LAN address.
	LocalIP() (netip.Addr, error)
	// GatewayIP is the default gateway, the only device whose SSDP replies are accepted.
	GatewayIP() (netip.Addr, error)
}

// Transport opens the sockets the client talks to the gateway with.
type Transport interface {
	// ListenSSDP returns a UDP socket bound to local that has joined the
	// SSDP multicast group and receives unicast replies to an M-SEARCH.
	ListenSSDP(local netip.Addr, group netip.AddrPort) (net.PacketConn, error)
	// Dial opens a TCP connection.
	Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
}

// HostNetwork reads the routing table of the machine it runs on.
type HostNetwork struct{}

// GatewayIP returns the default gateway from the routing table.
func (HostNetwork) GatewayIP() (netip.Addr, error) {
	ip, err := gateway.DiscoverGateway()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("discover default gateway: %w", err)
	}
	return toAddr4(ip)
}

// LocalIP returns the address of the interface holding the default route.
func (HostNetwork) LocalIP() (netip.Addr, error) {
	ip, err := gateway.DiscoverInterface()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %v", ErrNoInternalIP, err)
	}
	return toAddr4(ip)
}

// Connected reports whether a non-loopback default-route interface exists.
func (n HostNetwork) Connected() bool {
	ip, err := n.LocalIP()
	return err == nil && !ip.IsLoopback() && !ip.IsUnspecified()
}

func toAddr4(ip net.IP) (netip.Addr, error) {
	addr, ok := netip.AddrFromSlice(ip.To4())
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: %s is not an IPv4 address", ErrNoInternalIP, ip)
	}
	return addr, nil
}

// HostTransport uses the operating system's sockets.
type HostTransport struct {
	Dialer net.Dialer
	// MulticastTTL bounds how far the M-SEARCH travels. Zero means 2.
	MulticastTTL int
}

// ListenSSDP binds an ephemeral UDP port on local and joins the SSDP group
// on the interface that owns local.
func (t *HostTransport) ListenSSDP(local netip.Addr, group netip.AddrPort) (net.PacketConn, error) {
	laddr := &net.UDPAddr{}
	if local.IsValid() {
		laddr.IP = local.AsSlice()
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	ttl := t.MulticastTTL
	if ttl == 0 {
		ttl = 2
	}
	if err := pc.SetMulticastTTL(ttl); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}

	ifi, err := interfaceFor(local)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if ifi != nil {
		if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group.Addr().AsSlice()}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("join %s on %s: %w", group.Addr(), ifi.Name, err)
		}
		if err := pc.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast interface %s: %w", ifi.Name, err)
		}
	}
	return conn, nil
}

// Dial opens a TCP connection to addr.
func (t *HostTransport) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	return t.Dialer.DialContext(ctx, "tcp4", addr.String())
}

// interfaceFor finds the up, multicast-capable interface that owns local.
// It returns nil when local is unset.
func interfaceFor(local netip.Addr) (*net.Interface, error) {
	if !local.IsValid() || local.IsUnspecified() {
		return nil, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list network interfaces: %w", err)
	}
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if addr, ok := netip.AddrFromSlice(ipNet.IP.To4()); ok && addr == local {
				return iface, nil
			}
		}
	}
	return nil, fmt.Errorf("no multicast interface owns %s", local)
}
