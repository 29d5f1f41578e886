package upnp

import (
	"context"
	"errors"
	"net/netip"

	"go.uber.org/multierr"
)

type ruleOutcome int

const (
	ruleVerified ruleOutcome = iota
	rulePurged
	ruleExpired
)

// commitRun is the state of one reconciliation pass.
type commitRun struct {
	info  GatewayInfo
	local netip.Addr
	rules []Rule

	added  bool // an AddPortMapping was sent during this pass
	purged bool // stale mappings were already deleted during this pass
	acked  bool // the gateway accepted an add for the rule being verified
}

func (r *commitRun) expiredStatus() Status {
	if r.acked {
		return StatusVerificationFailed
	}
	return StatusTimeout
}

// commit brings the gateway's mapping table in line with the registry.
func (c *Client) commit(ctx context.Context) Status {
	status := c.reconcile(ctx)
	c.metrics.commit(status)

	ev := c.log.Info()
	if !status.OK() {
		ev = c.log.Warn()
	}
	ev.Stringer("status", status).Int("rules", c.rules.len()).Msg("upnp: commit finished")
	return status
}

func (c *Client) reconcile(ctx context.Context) Status {
	if c.rules.len() == 0 {
		return StatusEmptyConfig
	}
	d := newDeadline(ctx, c.clk, c.cfg.Timeout)

	if !c.online(ctx, d) {
		return StatusNetworkError
	}
	c.checkGatewayDrift()
	if !c.gateway.Valid() && !c.locateGateway(ctx, d) {
		return StatusTimeout
	}

	run := &commitRun{info: c.gateway, rules: c.rules.snapshot()}
	for _, r := range run.rules {
		if !r.TracksSelf() {
			continue
		}
		local, err := c.network.LocalIP()
		if err != nil {
			c.log.Warn().Err(err).Msg("upnp: local address unavailable")
			return StatusNetworkError
		}
		run.local = local
		break
	}

	for i := 0; i < len(run.rules); {
		switch c.ensureRule(ctx, run, run.rules[i], d) {
		case ruleVerified:
			i++
		case rulePurged:
			i = 0
		case ruleExpired:
			return run.expiredStatus()
		}
	}
	if run.added {
		return StatusSuccess
	}
	return StatusAlreadyMapped
}

// online checks the LAN link and, when a probe address is configured, that
// the internet is reachable through it.
func (c *Client) online(ctx context.Context, d deadline) bool {
	if !c.network.Connected() {
		c.log.Warn().Msg("upnp: not connected to a network")
		return false
	}
	if !c.cfg.ProbeAddr.IsValid() {
		return true
	}
	pctx, cancel := context.WithDeadline(ctx, d.capped(c.cfg.IOTimeout).wall())
	defer cancel()
	conn, err := c.transport.Dial(pctx, c.cfg.ProbeAddr)
	if err != nil {
		c.log.Warn().Err(err).Str("probe", c.cfg.ProbeAddr.String()).Msg("upnp: internet is not reachable")
		return false
	}
	conn.Close()
	return true
}

// checkGatewayDrift drops the cached gateway when the default route now
// points somewhere else.
func (c *Client) checkGatewayDrift() {
	if !c.gateway.Valid() {
		return
	}
	gw, err := c.network.GatewayIP()
	if err != nil || gw == c.gateway.Host {
		return
	}
	c.log.Info().
		Str("cached", c.gateway.Host.String()).
		Str("current", gw.String()).
		Msg("upnp: default gateway changed, rediscovering")
	c.Invalidate()
}

// locateGateway discovers the IGD and resolves its control endpoint, retrying
// both until d expires.
func (c *Client) locateGateway(ctx context.Context, d deadline) bool {
	gw, err := c.network.GatewayIP()
	if err != nil {
		c.log.Warn().Err(err).Msg("upnp: no default gateway")
		c.metrics.discovery("no_gateway")
		return false
	}
	local, err := c.network.LocalIP()
	if err != nil {
		c.log.Debug().Err(err).Msg("upnp: searching without a bound local address")
	}

	var info GatewayInfo
	ok := d.retry(ctx, c.cfg.RetryBackoff, func() bool {
		if !info.Host.IsValid() {
			loc, found := c.discoverer.discover(ctx, local, gw, d.capped(c.cfg.SearchWindow))
			if !found {
				return false
			}
			info = GatewayInfo{
				Host:            loc.Host,
				DescriptionPort: loc.Port,
				DescriptionPath: loc.Path,
				ActionPort:      loc.Port,
			}
		}
		return c.resolve(ctx, &info, d)
	})
	if !ok {
		c.log.Warn().Str("gateway", gw.String()).Msg("upnp: gateway discovery timed out")
		c.metrics.discovery("timeout")
		return false
	}

	c.gateway = info
	c.metrics.discovery("ok")
	c.log.Info().
		Str("gateway", info.Host.String()).
		Str("service", info.ServiceType).
		Stringer("control", Location{Host: info.Host, Port: info.ActionPort, Path: info.ActionPath}).
		Msg("upnp: gateway found")
	return true
}

// ensureRule verifies one rule, adding it until the gateway reports it or d
// expires. A mapping that carries the rule's name but points at another
// client means this host's address changed; every rule is then deleted once
// and verification starts over.
func (c *Client) ensureRule(ctx context.Context, run *commitRun, r Rule, d deadline) ruleOutcome {
	want := expectedClient(r, run.local)
	run.acked = false

	for ctx.Err() == nil && !d.expired() {
		m, err := c.getSpecificPortMapping(ctx, run.info, r.Port, r.Protocol, d)
		if err == nil && m.InternalClient == want.String() {
			c.log.Debug().
				Str("rule", r.Name).
				Uint16("port", r.Port).
				Uint32("lease_left", m.LeaseDuration).
				Msg("upnp: mapping verified")
			return ruleVerified
		}
		if err == nil && m.Description == r.Name && !run.purged {
			c.log.Warn().
				Str("rule", r.Name).
				Str("mapped", m.InternalClient).
				Str("expected", want.String()).
				Msg("upnp: local address changed, purging stale mappings")
			run.purged = true
			c.metrics.driftPurge()
			if err := c.deleteAll(ctx, run.info, run.rules, d); err != nil {
				c.log.Warn().Err(err).Msg("upnp: purging stale mappings failed")
			}
			return rulePurged
		}

		run.added = true
		if err := c.addPortMapping(ctx, run.info, r, want, d); err != nil {
			c.log.Debug().Err(err).Str("rule", r.Name).Msg("upnp: add mapping rejected")
		} else {
			run.acked = true
			c.log.Info().
				Str("rule", r.Name).
				Str("client", want.String()).
				Uint16("port", r.Port).
				Str("protocol", string(r.Protocol)).
				Msg("upnp: mapping added")
		}

		wait := d.remaining()
		if wait <= 0 {
			break
		}
		if c.cfg.RetryDelay < wait {
			wait = c.cfg.RetryDelay
		}
		c.clk.Sleep(wait)
	}
	c.log.Warn().Str("rule", r.Name).Bool("acknowledged", run.acked).Msg("upnp: mapping not verified before deadline")
	return ruleExpired
}

// deleteAll removes the gateway mappings of every rule. Rules that are not
// mapped are not an error.
func (c *Client) deleteAll(ctx context.Context, info GatewayInfo, rules []Rule, d deadline) error {
	var errs error
	for _, r := range rules {
		err := c.deletePortMapping(ctx, info, r.Port, r.Protocol, d)
		var soapErr *SOAPError
		if errors.As(err, &soapErr) && soapErr.IsNoSuchEntry() {
			continue
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}
