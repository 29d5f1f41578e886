// Package upnp keeps a set of port-forwarding rules in place on a UPnP
// Internet Gateway Device.
//
// A Client discovers the default gateway with SSDP, resolves its SOAP control
// endpoint from the device description and reconciles the registered rules
// against the router's NAT mapping table, re-adding mappings that are missing
// or that point at an old address of this host.
package upnp

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var (
	// ErrNoGateway is returned when no UPnP-enabled gateway device answers on the network.
	ErrNoGateway = errors.New("no UPnP-enabled gateway found")
	// ErrPortNotForwarded is returned when a specific port mapping is requested but does not exist.
	ErrPortNotForwarded = errors.New("port is not forwarded")
	// ErrInvalidPort is returned for port numbers that are out of the valid range (i.e., 0).
	ErrInvalidPort = errors.New("invalid port number")
	// ErrInvalidProtocol is returned for protocols other than TCP and UDP.
	ErrInvalidProtocol = errors.New("invalid protocol")
	// ErrUnnamedRule is returned when a rule has no name. The name identifies
	// this host's mappings on the router.
	ErrUnnamedRule = errors.New("rule name is required")
	// ErrNoInternalIP is returned when the local IP address of the client cannot be determined.
	ErrNoInternalIP = errors.New("could not determine internal IP")
	// ErrSOAPAction is returned when a SOAP request to the gateway fails.
	ErrSOAPAction = errors.New("SOAP action failed")
	// ErrTimeout is returned when the time budget of an operation runs out.
	ErrTimeout = errors.New("operation timed out")
	// ErrIncompleteResponse is returned when a response ends before every expected field was seen.
	ErrIncompleteResponse = errors.New("incomplete response")
)

// Protocol defines the network protocol for port mapping, either TCP or UDP.
type Protocol string

const (
	// ProtocolTCP represents the TCP protocol.
	ProtocolTCP Protocol = "TCP"
	// ProtocolUDP represents the UDP protocol.
	ProtocolUDP Protocol = "UDP"
)

// ParseProtocol accepts "tcp" or "udp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToUpper(strings.TrimSpace(s))) {
	case ProtocolTCP:
		return ProtocolTCP, nil
	case ProtocolUDP:
		return ProtocolUDP, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidProtocol, s)
}

const (
	internetGatewayDevice = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"
	wanPPPConnection      = "urn:schemas-upnp-org:service:WANPPPConnection:1"
	wanIPConnection       = "urn:schemas-upnp-org:service:WANIPConnection:1"
)

// UPnP error codes reported in <errorCode> by IGDs.
const (
	ErrCodeInvalidAction              = 401
	ErrCodeSpecifiedArrayIndexInvalid = 713
	ErrCodeNoSuchEntryInArray         = 714
)

// Self is the rule address that tracks this host's current local address.
// It is resolved every time a rule is verified, not when it is registered.
var Self = netip.Addr{}

// Rule is a desired port mapping. The external port always equals the
// internal port.
type Rule struct {
	// Index is the registration order of the rule.
	Index int
	// Name is written as the mapping description and identifies this
	// host's mappings on the router.
	Name string
	// InternalAddr is the LAN client of the mapping, or Self.
	InternalAddr netip.Addr
	// Port is both the internal and the external port.
	Port uint16
	// Protocol is TCP or UDP.
	Protocol Protocol
	// LeaseDuration is the requested lease in seconds; 0 asks for a permanent mapping.
	LeaseDuration uint32
}

// TracksSelf reports whether the rule follows the host's local address.
func (r Rule) TracksSelf() bool {
	return !r.InternalAddr.IsValid()
}

func (r Rule) String() string {
	addr := "self"
	if !r.TracksSelf() {
		addr = r.InternalAddr.String()
	}
	return fmt.Sprintf("%d:%s %s:%d/%s lease=%ds", r.Index, r.Name, addr, r.Port, r.Protocol, r.LeaseDuration)
}

// GatewayInfo is what the client learned about the IGD. It is cached across
// calls and reset to the zero value to force rediscovery.
type GatewayInfo struct {
	// Host is the gateway address the device description was fetched from.
	Host netip.Addr
	// DescriptionPort and DescriptionPath locate the device description XML.
	DescriptionPort uint16
	DescriptionPath string
	// ActionPort and ActionPath locate the SOAP control endpoint.
	ActionPort uint16
	ActionPath string
	// ServiceType is the namespace of the WAN connection service, used in
	// the SOAPAction header.
	ServiceType string
}

// Valid reports whether enough is known to talk to the gateway.
func (g GatewayInfo) Valid() bool {
	return g.Host.IsValid() && !g.Host.IsUnspecified() &&
		g.DescriptionPort > 0 &&
		g.DescriptionPath != "" &&
		g.ActionPort > 0
}

// PortMapping holds the details of a port forwarding entry on an Internet Gateway Device.
type PortMapping struct {
	// Index is the position in the router's mapping table, when enumerated.
	Index int
	// ExternalPort is the port number on the gateway's external interface.
	ExternalPort uint16
	// InternalPort is the port number on the internal client.
	InternalPort uint16
	// InternalClient is the IP address of the internal client.
	InternalClient string
	// Protocol is the network protocol (TCP or UDP) for the mapping.
	Protocol Protocol
	// Description is a user-defined description for the port mapping.
	Description string
	// LeaseDuration is the duration of the port mapping in seconds. A value of 0 means an infinite lease.
	LeaseDuration uint32
}

func (m PortMapping) String() string {
	return fmt.Sprintf("%d. %s %s:%d -> %d/%s lease=%ds", m.Index, m.Description, m.InternalClient, m.InternalPort, m.ExternalPort, m.Protocol, m.LeaseDuration)
}

func validatePort(port uint16) error {
	if port == 0 {
		return fmt.Errorf("%w: port cannot be 0", ErrInvalidPort)
	}
	return nil
}
