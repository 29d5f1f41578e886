package upnp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/rs/zerolog"
)

const ssdpMaxDatagram = 2048

// discoverer finds the gateway's description URL with SSDP.
type discoverer struct {
	transport Transport
	group     netip.AddrPort
	mx        int
	log       zerolog.Logger
	buf       []byte
}

func newDiscoverer(transport Transport, group netip.AddrPort, mx int, log zerolog.Logger) *discoverer {
	return &discoverer{
		transport: transport,
		group:     group,
		mx:        mx,
		log:       log,
		buf:       make([]byte, ssdpMaxDatagram),
	}
}

func (s *discoverer) searchRequest() []byte {
	return []byte(fmt.Sprintf("M-SEARCH * HTTP/1.1\r\n"+
		"HOST: %s\r\n"+
		"MAN: \"ssdp:discover\"\r\n"+
		"MX: %d\r\n"+
		"ST: %s\r\n"+
		"\r\n", s.group, s.mx, internetGatewayDevice))
}

// discover sends one M-SEARCH from local and waits until d for a reply from
// gateway. A false result only means "not yet"; the caller retries.
func (s *discoverer) discover(ctx context.Context, local, gateway netip.Addr, d deadline) (Location, bool) {
	conn, err := s.transport.ListenSSDP(local, s.group)
	if err != nil {
		s.log.Debug().Err(err).Msg("upnp: ssdp socket unavailable")
		return Location{}, false
	}
	defer conn.Close()

	if _, err := conn.WriteTo(s.searchRequest(), net.UDPAddrFromAddrPort(s.group)); err != nil {
		s.log.Debug().Err(err).Msg("upnp: sending M-SEARCH failed")
		return Location{}, false
	}
	s.log.Debug().Str("group", s.group.String()).Msg("upnp: M-SEARCH sent")

	for ctx.Err() == nil && !d.expired() {
		if err := conn.SetReadDeadline(d.wall()); err != nil {
			return Location{}, false
		}
		n, from, err := conn.ReadFrom(s.buf)
		if err != nil {
			return Location{}, false
		}
		loc, ok := acceptSSDPReply(s.buf[:n], from, gateway)
		if !ok {
			s.log.Debug().Stringer("from", from).Msg("upnp: ignoring ssdp datagram")
			continue
		}
		s.log.Debug().Stringer("location", loc).Msg("upnp: gateway answered M-SEARCH")
		return loc, true
	}
	return Location{}, false
}

// acceptSSDPReply returns the description location advertised in payload if
// it came from gateway and announces an Internet Gateway Device.
func acceptSSDPReply(payload []byte, from net.Addr, gateway netip.Addr) (Location, bool) {
	udp, ok := from.(*net.UDPAddr)
	if !ok || udp.AddrPort().Addr().Unmap() != gateway.Unmap() {
		return Location{}, false
	}
	text := string(payload)
	if !strings.Contains(text, internetGatewayDevice) {
		return Location{}, false
	}
	raw, ok := headerValue(text, "location")
	if !ok {
		return Location{}, false
	}
	loc, err := parseLocation(raw)
	if err != nil || loc.Path == "" {
		return Location{}, false
	}
	return loc, true
}

// headerValue finds an HTTP-style header in text, matching its name in any case.
func headerValue(text, name string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) <= len(name) || line[len(name)] != ':' {
			continue
		}
		if strings.EqualFold(line[:len(name)], name) {
			if v := strings.TrimSpace(line[len(name)+1:]); v != "" {
				return v, true
			}
		}
	}
	return "", false
}
