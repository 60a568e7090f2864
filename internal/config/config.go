// Package config loads and validates the bridge's startup parameters:
// daemon PID-file and control-socket paths, interface name/MTU, log
// configuration, and the reference stack's optional address prefix and
// echo-ack mode. The platform driver set is fixed at build time and is
// not configured here.
// Runtime interface state (addresses, link state) is never persisted
// here; it lives only in the reconciler's in-memory tables.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the bridge's startup configuration.
type Config struct {
	Daemon  DaemonConfig  `yaml:"daemon"`
	TUN     TUNConfig     `yaml:"tun"`
	Stack   StackConfig   `yaml:"stack"`
	Logging LoggingConfig `yaml:"logging"`
}

// DaemonConfig holds daemon-specific configuration.
type DaemonConfig struct {
	PIDFile    string `yaml:"pid_file"`
	SocketPath string `yaml:"socket_path"`
	HealthPort int    `yaml:"health_port"`
}

// TUNConfig holds TUN interface configuration.
type TUNConfig struct {
	// Name is an interface name or a printf-style pattern (e.g.
	// "wpan%d"). Load replaces an empty value with "wpan%d".
	Name string `yaml:"name"`
	MTU  int    `yaml:"mtu"`
}

// StackConfig configures the reference gVisor stack the daemon starts
// alongside the TUN device.
type StackConfig struct {
	// Prefix is the IPv6 prefix (CIDR) the reference stack assigns
	// itself a unicast address from at startup, e.g. "fd00:200::/64".
	// Empty means the reference stack starts with no unicast address
	// and relies entirely on kernel- or application-driven plumbing.
	Prefix  string `yaml:"prefix"`
	EchoAck bool   `yaml:"echo_ack"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

// setDefaults applies default values to unset fields.
func (c *Config) setDefaults() {
	if c.Daemon.PIDFile == "" {
		c.Daemon.PIDFile = "/var/run/netifbridged.pid"
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = "/var/run/netifbridged.sock"
	}

	if c.TUN.Name == "" {
		c.TUN.Name = "wpan%d"
	}
	if c.TUN.MTU == 0 {
		c.TUN.MTU = 1280
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.TUN.MTU < 1280 || c.TUN.MTU > 1536 {
		return fmt.Errorf("tun.mtu must be between 1280 and 1536")
	}

	if c.Stack.Prefix != "" {
		ip, _, err := net.ParseCIDR(c.Stack.Prefix)
		if err != nil {
			return fmt.Errorf("invalid stack.prefix: %w", err)
		}
		if ip.To4() != nil {
			return fmt.Errorf("stack.prefix must be an IPv6 prefix")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// GetStackPrefix returns the parsed reference-stack prefix, or nil if
// none is configured.
func (c *Config) GetStackPrefix() (net.IP, *net.IPNet, error) {
	if c.Stack.Prefix == "" {
		return nil, nil, nil
	}
	return net.ParseCIDR(c.Stack.Prefix)
}
