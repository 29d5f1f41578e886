package upnp

import (
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

const defaultHTTPPort = 80

// Location is an IGD URL split into the pieces needed to open a TCP
// connection and write a request line.
type Location struct {
	Host netip.Addr
	Port uint16
	// Path is the request URI including any query; empty when the URL has none.
	Path string
}

func (l Location) String() string {
	return "http://" + netip.AddrPortFrom(l.Host, l.Port).String() + l.Path
}

// parseLocation decomposes a URL from an SSDP LOCATION header, a <URLBase>
// or an absolute <controlURL>. The host must be an IPv4 literal; the port
// defaults to 80.
func parseLocation(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, fmt.Errorf("empty URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("parse URL %q: %w", raw, err)
	}
	host, err := netip.ParseAddr(u.Hostname())
	if err != nil {
		return Location{}, fmt.Errorf("URL %q has no IP host: %w", raw, err)
	}
	if !host.Is4() {
		return Location{}, fmt.Errorf("URL %q: only IPv4 gateways are supported", raw)
	}

	port := uint16(defaultHTTPPort)
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return Location{}, fmt.Errorf("URL %q: %w %q", raw, ErrInvalidPort, p)
		}
		port = uint16(n)
	}

	var path string
	if u.Path != "" || u.RawQuery != "" {
		path = u.RequestURI()
	}
	return Location{Host: host, Port: port, Path: path}, nil
}
