// Package config loads the igdmap configuration file.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	upnp "github.com/sibexico/upnp-portmap"
)

// ProbeDisabled as probe_addr turns the internet reachability probe off.
const ProbeDisabled = "off"

// RuleConfig is one port mapping to keep in place.
type RuleConfig struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"` // "self" or an IPv4 address
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"`
	Lease    uint32 `yaml:"lease"` // seconds, 0 = permanent
}

// Config is the igdmap configuration file.
type Config struct {
	Timeout          string       `yaml:"timeout"`    // Duration string, e.g. "20s"
	IOTimeout        string       `yaml:"io_timeout"` // Duration string
	Interval         string       `yaml:"interval"`   // update interval for watch
	ProbeAddr        string       `yaml:"probe_addr"`
	SSDPAddr         string       `yaml:"ssdp_addr"`
	FailureThreshold int          `yaml:"failure_threshold"`
	MetricsListen    string       `yaml:"metrics_listen"` // empty disables the metrics endpoint
	Rules            []RuleConfig `yaml:"rules"`
}

// Load reads configuration from a YAML file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Timeout == "" {
		c.Timeout = "20s"
	}
	if c.IOTimeout == "" {
		c.IOTimeout = "6s"
	}
	if c.Interval == "" {
		c.Interval = "5m"
	}
	if c.ProbeAddr == "" {
		c.ProbeAddr = "64.233.187.99:80"
	}
	if c.SSDPAddr == "" {
		c.SSDPAddr = "239.255.255.250:1900"
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 6
	}
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Address == "" {
			r.Address = "self"
		}
		if r.Protocol == "" {
			r.Protocol = "TCP"
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	for name, d := range map[string]string{"timeout": c.Timeout, "io_timeout": c.IOTimeout, "interval": c.Interval} {
		if v, err := time.ParseDuration(d); err != nil || v <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", name, d)
		}
	}
	if c.ProbeAddr != ProbeDisabled {
		if _, err := netip.ParseAddrPort(c.ProbeAddr); err != nil {
			return fmt.Errorf("invalid probe_addr: %w", err)
		}
	}
	if _, err := netip.ParseAddrPort(c.SSDPAddr); err != nil {
		return fmt.Errorf("invalid ssdp_addr: %w", err)
	}
	if c.FailureThreshold < 0 {
		return fmt.Errorf("failure_threshold must not be negative")
	}
	for i, r := range c.Rules {
		if _, err := r.Rule(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return nil
}

// ClientConfig converts the timings and addresses into a client configuration.
// It assumes Validate passed.
func (c *Config) ClientConfig() upnp.Config {
	cfg := upnp.DefaultConfig()
	cfg.Timeout, _ = time.ParseDuration(c.Timeout)
	cfg.IOTimeout, _ = time.ParseDuration(c.IOTimeout)
	cfg.SSDPAddr, _ = netip.ParseAddrPort(c.SSDPAddr)
	cfg.FailureThreshold = c.FailureThreshold
	cfg.ProbeAddr = netip.AddrPort{}
	if c.ProbeAddr != ProbeDisabled {
		cfg.ProbeAddr, _ = netip.ParseAddrPort(c.ProbeAddr)
	}
	return cfg
}

// UpdateInterval returns the parsed interval.
func (c *Config) UpdateInterval() time.Duration {
	d, _ := time.ParseDuration(c.Interval)
	return d
}

// Rule converts the entry into a client rule.
func (r RuleConfig) Rule() (upnp.Rule, error) {
	if r.Name == "" {
		return upnp.Rule{}, fmt.Errorf("name is required")
	}
	if r.Port < 1 || r.Port > 65535 {
		return upnp.Rule{}, fmt.Errorf("port must be between 1 and 65535")
	}
	proto, err := upnp.ParseProtocol(r.Protocol)
	if err != nil {
		return upnp.Rule{}, err
	}

	addr := upnp.Self
	if !strings.EqualFold(r.Address, "self") {
		addr, err = netip.ParseAddr(r.Address)
		if err != nil || !addr.Is4() {
			return upnp.Rule{}, fmt.Errorf("address must be \"self\" or an IPv4 address, got %q", r.Address)
		}
	}
	return upnp.Rule{
		Name:          r.Name,
		InternalAddr:  addr,
		Port:          uint16(r.Port),
		Protocol:      proto,
		LeaseDuration: r.Lease,
	}, nil
}
