package upnp

import (
	"fmt"
	"net/netip"
	"strings"
)

// registry is the ordered set of rules a Client keeps in place.
type registry struct {
	rules []Rule
}

// add validates r, assigns its index and appends it.
func (g *registry) add(r Rule) (Rule, error) {
	if strings.TrimSpace(r.Name) == "" {
		return Rule{}, ErrUnnamedRule
	}
	if err := validatePort(r.Port); err != nil {
		return Rule{}, err
	}
	p, err := ParseProtocol(string(r.Protocol))
	if err != nil {
		return Rule{}, err
	}
	r.Protocol = p
	if r.InternalAddr.IsValid() {
		if !r.InternalAddr.Is4() && !r.InternalAddr.Is4In6() {
			return Rule{}, fmt.Errorf("rule %q: internal address %s is not IPv4", r.Name, r.InternalAddr)
		}
		r.InternalAddr = r.InternalAddr.Unmap()
	}
	r.Index = len(g.rules)
	g.rules = append(g.rules, r)
	return r, nil
}

func (g *registry) len() int {
	return len(g.rules)
}

// snapshot returns a copy so that callers cannot reorder the registry.
func (g *registry) snapshot() []Rule {
	out := make([]Rule, len(g.rules))
	copy(out, g.rules)
	return out
}

// expectedClient resolves the LAN address a rule should map to, given the
// host's current address.
func expectedClient(r Rule, local netip.Addr) netip.Addr {
	if r.TracksSelf() {
		return local
	}
	return r.InternalAddr
}
