// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix NETSHIFT_)
//  3. Config file (config.yaml in . or /etc/netshift/)
//  4. Compiled defaults
package config

// Viper keys for agent configuration.
const (
	keyAgentID              = "agent.id"
	keyAgentControlAddress  = "agent.control_address"
	keyAgentNamespacePID    = "agent.namespace_pid"
	keyAgentPingInterval    = "agent.ping_interval"
	keyAgentQueueDepth      = "agent.queue_depth"
	keyAgentHTTPExchangeTTL = "agent.http_exchange_ttl"

	keyStealFlushConnections = "steal.flush_connections"
	keyStealPreroutingName   = "steal.iptables_prerouting_name"
	keyStealOutputName       = "steal.iptables_output_name"

	keyTunnelServerURL      = "tunnel.server_url"
	keyTunnelCASeed         = "tunnel.ca_seed"
	keyTunnelCertValidity   = "tunnel.cert_validity"
	keyTunnelRemoteEndpoint = "tunnel.remote_endpoint"

	keyMetricsAddress = "metrics.address"
)
