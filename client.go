package upnp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Config holds the timing and addressing of a Client. Zero fields take the
// values of DefaultConfig, except ProbeAddr.
type Config struct {
	// Timeout bounds a whole Commit or Update call, discovery included.
	Timeout time.Duration
	// IOTimeout caps any single connect or read.
	IOTimeout time.Duration
	// SSDPAddr is the multicast group M-SEARCH is sent to.
	SSDPAddr netip.AddrPort
	// SearchWindow is how long replies to one M-SEARCH are awaited before it is resent.
	SearchWindow time.Duration
	// MX is the maximum response delay requested from devices, in seconds.
	MX int
	// ProbeAddr is dialed to check that the internet is reachable. The zero
	// value disables the probe.
	ProbeAddr netip.AddrPort
	// RetryDelay is the pause between adding a mapping and verifying it again.
	RetryDelay time.Duration
	// RetryBackoff is the pause between discovery attempts.
	RetryBackoff time.Duration
	// FailureThreshold is the number of consecutive failed updates after
	// which Update forgets the gateway and calls its fallback.
	FailureThreshold int
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		Timeout:          20 * time.Second,
		IOTimeout:        6 * time.Second,
		SSDPAddr:         netip.MustParseAddrPort("239.255.255.250:1900"),
		SearchWindow:     3 * time.Second,
		MX:               5,
		ProbeAddr:        netip.MustParseAddrPort("64.233.187.99:80"),
		RetryDelay:       time.Second,
		RetryBackoff:     500 * time.Millisecond,
		FailureThreshold: 6,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = def.IOTimeout
	}
	if !cfg.SSDPAddr.IsValid() {
		cfg.SSDPAddr = def.SSDPAddr
	}
	if cfg.SearchWindow <= 0 {
		cfg.SearchWindow = def.SearchWindow
	}
	if cfg.MX <= 0 {
		cfg.MX = def.MX
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	return cfg
}

// Option configures a Client.
type Option func(*Client)

// WithNetwork replaces the host network status.
func WithNetwork(n Network) Option {
	return func(c *Client) { c.network = n }
}

// WithTransport replaces the sockets used to reach the gateway.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithClock replaces the clock that drives deadlines, sleeps and the update interval.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clk = clk }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics records client activity in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client keeps a set of port mappings in place on the default gateway.
//
// A Client owns its sockets and the cached gateway and must not be used from
// more than one goroutine at a time.
type Client struct {
	cfg       Config
	network   Network
	transport Transport
	clk       clock.Clock
	log       zerolog.Logger
	metrics   *Metrics

	rules      registry
	gateway    GatewayInfo
	session    *session
	discoverer *discoverer
	supervisor *supervisor
}

// New returns a Client with no rules.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:       cfg.withDefaults(),
		network:   HostNetwork{},
		transport: &HostTransport{},
		clk:       clock.New(),
		log:       log.Logger.With().Str("component", "upnp").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.session = newSession(c.transport, c.cfg.IOTimeout, c.log)
	c.discoverer = newDiscoverer(c.transport, c.cfg.SSDPAddr, c.cfg.MX, c.log)
	c.supervisor = newSupervisor(c, c.clk, c.cfg.FailureThreshold, c.log, c.metrics)
	return c
}

// AddRule registers a mapping to keep in place. Use Self as the internal
// address to follow this host's current LAN address. The returned rule
// carries its assigned index.
func (c *Client) AddRule(r Rule) (Rule, error) {
	r, err := c.rules.add(r)
	if err != nil {
		return Rule{}, err
	}
	c.log.Debug().Stringer("rule", r).Msg("upnp: rule registered")
	return r, nil
}

// Rules returns the registered rules in registration order.
func (c *Client) Rules() []Rule {
	return c.rules.snapshot()
}

// Commit verifies every rule against the gateway now and adds what is missing.
func (c *Client) Commit(ctx context.Context) Status {
	defer c.session.close()
	return c.commit(ctx)
}

// Update commits at most once per interval. Failed commits are retried after
// half an interval; after too many consecutive failures the cached gateway is
// dropped, fallback is called if non-nil, and StatusTimeout is returned.
func (c *Client) Update(ctx context.Context, interval time.Duration, fallback func()) Status {
	defer c.session.close()
	return c.supervisor.tick(ctx, interval, fallback)
}

// GatewayInfo returns what is cached about the gateway. It is the zero value
// before the first successful discovery.
func (c *Client) GatewayInfo() GatewayInfo {
	return c.gateway
}

// Invalidate forgets the cached gateway so the next call rediscovers it.
func (c *Client) Invalidate() {
	c.gateway = GatewayInfo{}
	c.session.close()
}

// ready returns the call's deadline and a resolved gateway.
func (c *Client) ready(ctx context.Context) (deadline, GatewayInfo, error) {
	d := newDeadline(ctx, c.clk, c.cfg.Timeout)
	if !c.gateway.Valid() && !c.locateGateway(ctx, d) {
		return d, GatewayInfo{}, ErrNoGateway
	}
	return d, c.gateway, nil
}

// ExternalIP returns the gateway's WAN address.
func (c *Client) ExternalIP(ctx context.Context) (string, error) {
	defer c.session.close()
	d, info, err := c.ready(ctx)
	if err != nil {
		return "", err
	}
	ip, err := c.getExternalIP(ctx, info, d)
	if err != nil {
		return "", fmt.Errorf("failed to get external IP: %w", err)
	}
	return ip, nil
}

// GetPortMapping returns the gateway's mapping of an external port, or
// ErrPortNotForwarded when there is none.
func (c *Client) GetPortMapping(ctx context.Context, port uint16, protocol Protocol) (PortMapping, error) {
	if err := validatePort(port); err != nil {
		return PortMapping{}, err
	}
	defer c.session.close()
	d, info, err := c.ready(ctx)
	if err != nil {
		return PortMapping{}, err
	}
	m, err := c.getSpecificPortMapping(ctx, info, port, protocol, d)
	var soapErr *SOAPError
	if errors.As(err, &soapErr) && soapErr.IsNoSuchEntry() {
		return PortMapping{}, fmt.Errorf("%w: %s port %d", ErrPortNotForwarded, protocol, port)
	}
	if err != nil {
		return PortMapping{}, fmt.Errorf("failed to get port mapping: %w", err)
	}
	return m, nil
}

// PortMappings enumerates the gateway's mapping table until it reports an
// invalid index. Entries read before an error are returned with it.
func (c *Client) PortMappings(ctx context.Context) ([]PortMapping, error) {
	defer c.session.close()
	d, info, err := c.ready(ctx)
	if err != nil {
		return nil, err
	}

	var mappings []PortMapping
	for i := 0; ; i++ {
		if d.expired() {
			return mappings, fmt.Errorf("%w: listing port mappings", ErrTimeout)
		}
		m, err := c.getGenericPortMapping(ctx, info, i, d)
		var soapErr *SOAPError
		if errors.As(err, &soapErr) && soapErr.IsInvalidIndex() {
			return mappings, nil
		}
		if err != nil {
			return mappings, fmt.Errorf("failed to read mapping %d: %w", i, err)
		}
		mappings = append(mappings, m)
	}
}

// PrintPortMappings writes the gateway's mapping table to w as fixed-width columns.
func (c *Client) PrintPortMappings(ctx context.Context, w io.Writer) error {
	mappings, listErr := c.PortMappings(ctx)
	if _, err := fmt.Fprintf(w, "%-4s%-31s%-18s%-7s%-7s%-6s%s\n",
		"i", "Description", "IP", "Int", "Ext", "Proto", "Lease"); err != nil {
		return err
	}
	for _, m := range mappings {
		if _, err := fmt.Fprintf(w, "%-4d%-31s%-18s%-7d%-7d%-6s%d\n",
			m.Index, m.Description, m.InternalClient, m.InternalPort, m.ExternalPort, m.Protocol, m.LeaseDuration); err != nil {
			return err
		}
	}
	return listErr
}

// Clear deletes the gateway mappings of every registered rule.
func (c *Client) Clear(ctx context.Context) error {
	defer c.session.close()
	if c.rules.len() == 0 {
		return nil
	}
	d, info, err := c.ready(ctx)
	if err != nil {
		return err
	}
	err = c.deleteAll(ctx, info, c.rules.snapshot(), d)
	for _, e := range multierr.Errors(err) {
		c.log.Warn().Err(e).Msg("upnp: failed to delete mapping")
	}
	if err != nil {
		return fmt.Errorf("failed to clear mappings: %w", err)
	}
	c.log.Info().Int("rules", c.rules.len()).Msg("upnp: mappings cleared")
	return nil
}
