package upnp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
)

// descriptionParser scans a device description as it streams in. It keeps
// the text seen so far because IGDs split elements across lines arbitrarily.
type descriptionParser struct {
	info GatewayInfo
	text strings.Builder

	urlBaseSeen    bool
	serviceFound   bool
	controlURLSeen bool

	serviceScan int // where the next <serviceType> search starts
	serviceEnd  int // end of the matched <serviceType>; its controlURL follows
}

func newDescriptionParser(info GatewayInfo) *descriptionParser {
	if info.ActionPort == 0 {
		info.ActionPort = info.DescriptionPort
	}
	return &descriptionParser{info: info}
}

// feed consumes one line and reports whether resolution is complete.
func (p *descriptionParser) feed(line string) bool {
	p.text.WriteString(line)
	text := p.text.String()

	if !p.urlBaseSeen && !p.serviceFound {
		if base, ok := tagContent(text, "URLBase"); ok {
			p.urlBaseSeen = true
			p.applyURLBase(base)
		}
	}
	if !p.serviceFound {
		p.findService(text)
	}
	if p.serviceFound && !p.controlURLSeen {
		c := newCursor(text)
		c.pos = p.serviceEnd
		if ctl, ok := c.tag("controlURL"); ok {
			p.applyControlURL(ctl)
		}
	}
	return p.done()
}

func (p *descriptionParser) done() bool {
	return p.serviceFound && p.controlURLSeen
}

// applyURLBase takes the action port from <URLBase>, but only when it names
// the gateway itself and not some other device.
func (p *descriptionParser) applyURLBase(base string) {
	loc, err := parseLocation(base)
	if err != nil || loc.Host != p.info.Host {
		return
	}
	p.info.ActionPort = loc.Port
}

func (p *descriptionParser) findService(text string) {
	c := newCursor(text)
	c.pos = p.serviceScan
	for {
		st, ok := c.tag("serviceType")
		if !ok {
			return
		}
		p.serviceScan = c.pos
		if st == wanPPPConnection || st == wanIPConnection {
			p.serviceFound = true
			p.serviceEnd = c.pos
			p.info.ServiceType = st
			return
		}
	}
}

func (p *descriptionParser) applyControlURL(ctl string) {
	path := ctl
	if strings.Contains(ctl, "://") {
		loc, err := parseLocation(ctl)
		if err != nil {
			return
		}
		if loc.Host == p.info.Host {
			p.info.ActionPort = loc.Port
		}
		path = loc.Path
	}
	if path == "" {
		return
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	p.info.ActionPath = path
	p.controlURLSeen = true
}

// resolve fetches the device description and fills in the SOAP endpoint of
// info. It reports false when the description could not be read or names no
// supported WAN connection service.
func (c *Client) resolve(ctx context.Context, info *GatewayInfo, d deadline) bool {
	loc := Location{Host: info.Host, Port: info.DescriptionPort, Path: info.DescriptionPath}
	req, err := newHTTPRequest(ctx, http.MethodGet, loc, nil)
	if err != nil {
		c.log.Debug().Err(err).Msg("upnp: bad description location")
		return false
	}

	p := newDescriptionParser(*info)
	addr := netip.AddrPortFrom(info.Host, info.DescriptionPort)
	err = c.session.roundTrip(ctx, addr, req, d, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("HTTP %d when fetching device description", resp.StatusCode)
		}
		return scanLines(resp.Body, p.feed)
	})
	if err != nil {
		c.log.Debug().Err(err).Stringer("location", loc).Msg("upnp: fetching device description failed")
		return false
	}
	if !p.done() {
		c.log.Debug().Stringer("location", loc).Msg("upnp: no WAN connection service in device description")
		return false
	}

	*info = p.info
	c.log.Debug().
		Str("service", info.ServiceType).
		Uint16("action_port", info.ActionPort).
		Str("action_path", info.ActionPath).
		Msg("upnp: gateway control endpoint resolved")
	return true
}

// newHTTPRequest builds a request for loc the way routers expect it.
func newHTTPRequest(ctx context.Context, method string, loc Location, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, loc.String(), rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "UPnP/1.0")
	return req, nil
}
