package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance and provides typed accessors for every
// configuration key. Create one via New().
type Config struct {
	v *viper.Viper
}

// New initialises a Config by loading values from the config file,
// environment variables, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	// Register compiled defaults for all known options.
	for _, o := range AgentOptions {
		v.SetDefault(o.Key, o.Default)
	}

	// Attempt to load a config file from the current directory or
	// the system-wide location.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/netshift/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables are prefixed with NETSHIFT_ and use
	// underscores in place of dots (e.g. NETSHIFT_AGENT_CONTROL_ADDRESS).
	v.SetEnvPrefix("NETSHIFT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for the given option slice and binds
// them to the underlying viper keys so that flag values override file
// and environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Agent accessors
// ---------------------------------------------------------------------------

// AgentID returns the identifier this agent registers under. Empty
// means the caller should fall back to the pod hostname.
func (c *Config) AgentID() string {
	return c.v.GetString(keyAgentID)
}

// AgentControlAddress returns the listen address for the dispatcher's
// control transport.
func (c *Config) AgentControlAddress() string {
	return c.v.GetString(keyAgentControlAddress)
}

// AgentNamespacePID returns the PID whose network namespace outgoing
// sockets are opened in, or 0 to use the agent's own namespace.
func (c *Config) AgentNamespacePID() int {
	return c.v.GetInt(keyAgentNamespacePID)
}

// AgentPingInterval returns the configured idle ping interval. No
// component reads it: the dispatcher answers the layer's Ping with a
// Pong but never sends a ping of its own.
func (c *Config) AgentPingInterval() time.Duration {
	return c.v.GetDuration(keyAgentPingInterval)
}

// AgentQueueDepth returns the depth used for the dispatcher's fan-in
// queue and every per-subsystem channel.
func (c *Config) AgentQueueDepth() int {
	return c.v.GetInt(keyAgentQueueDepth)
}

// AgentHTTPExchangeTTL returns the configured HTTP exchange timeout.
// No component reads it: the HTTP filter router waits for a layer
// HttpResponse without a time limit and synthesizes no timeout response.
func (c *Config) AgentHTTPExchangeTTL() time.Duration {
	return c.v.GetDuration(keyAgentHTTPExchangeTTL)
}

// StealFlushConnections reports whether conntrack entries should be
// flushed when a redirect rule is added.
func (c *Config) StealFlushConnections() bool {
	return c.v.GetBool(keyStealFlushConnections)
}

// StealPreroutingName returns the fixed PREROUTING chain name, or ""
// to generate a random one.
func (c *Config) StealPreroutingName() string {
	return c.v.GetString(keyStealPreroutingName)
}

// StealOutputName returns the fixed OUTPUT chain name, or "" to
// generate a random one.
func (c *Config) StealOutputName() string {
	return c.v.GetString(keyStealOutputName)
}

// TunnelServerURL returns the reverse tunnel server URL the agent
// dials to expose its control transport.
func (c *Config) TunnelServerURL() string {
	return c.v.GetString(keyTunnelServerURL)
}

// TunnelRemoteEndpoint returns the fixed address the tunnel server
// exposes this agent's control transport on. There is no
// control-plane process in this module's scope to allocate one
// dynamically per registration, so operators sharing a single tunnel
// server across agents must give each agent a distinct endpoint.
func (c *Config) TunnelRemoteEndpoint() string {
	return c.v.GetString(keyTunnelRemoteEndpoint)
}

// TunnelCASeed returns the seed for the deterministic mTLS
// certificate authority.
func (c *Config) TunnelCASeed() string {
	return c.v.GetString(keyTunnelCASeed)
}

// TunnelCertValidity returns how long a leaf certificate the CA signs
// for a reconnecting agent stays valid.
func (c *Config) TunnelCertValidity() time.Duration {
	return c.v.GetDuration(keyTunnelCertValidity)
}

// MetricsAddress returns the listen address for the Prometheus
// /metrics endpoint.
func (c *Config) MetricsAddress() string {
	return c.v.GetString(keyMetricsAddress)
}
