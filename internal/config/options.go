package config

import (
	"strings"
	"time"
)

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// AgentOptions defines every configuration entry the agent command
// understands. Each entry is registered as a viper default and a CLI
// flag.
var AgentOptions = []Option{
	{Key: keyAgentID, Flag: toFlag(keyAgentID), Default: "", Description: "Identifier this agent registers under (defaults to the pod hostname)"},
	{Key: keyAgentControlAddress, Flag: toFlag(keyAgentControlAddress), Default: ":8300", Description: "Control transport listen address"},
	{Key: keyAgentNamespacePID, Flag: toFlag(keyAgentNamespacePID), Default: 0, Description: "PID whose /proc/<pid>/ns/net outgoing sockets are opened in (0 = current namespace)"},
	{Key: keyAgentPingInterval, Flag: toFlag(keyAgentPingInterval), Default: 60 * time.Second, Description: "Idle ping interval (not read by any component: the agent answers layer pings but sends none)"},
	{Key: keyAgentQueueDepth, Flag: toFlag(keyAgentQueueDepth), Default: 1000, Description: "Depth of the per-subsystem and fan-in message queues"},
	{Key: keyAgentHTTPExchangeTTL, Flag: toFlag(keyAgentHTTPExchangeTTL), Default: 30 * time.Second, Description: "HTTP exchange timeout (not read by any component: the HTTP filter router waits for a layer HttpResponse without a time limit)"},

	{Key: keyStealFlushConnections, Flag: toFlag(keyStealFlushConnections), Default: false, Description: "Flush existing conntrack entries when a redirect rule is added"},
	{Key: keyStealPreroutingName, Flag: toFlag(keyStealPreroutingName), Default: "", Description: "Fixed PREROUTING chain name (overrides the random MIRRORD_PREROUTING_REDIRECT_* name)"},
	{Key: keyStealOutputName, Flag: toFlag(keyStealOutputName), Default: "", Description: "Fixed OUTPUT chain name (overrides the random MIRRORD_OUTPUT_REDIRECT_* name)"},

	{Key: keyTunnelServerURL, Flag: toFlag(keyTunnelServerURL), Default: "https://127.0.0.1:8301", Description: "Reverse tunnel server URL the agent dials to expose the control transport"},
	{Key: keyTunnelCASeed, Flag: toFlag(keyTunnelCASeed), Default: "change-me", Description: "Seed for the deterministic mTLS certificate authority"},
	{Key: keyTunnelCertValidity, Flag: toFlag(keyTunnelCertValidity), Default: 24 * time.Hour, Description: "Validity period for leaf certificates the CA signs for reconnecting agents"},
	{Key: keyTunnelRemoteEndpoint, Flag: toFlag(keyTunnelRemoteEndpoint), Default: ":8302", Description: "Fixed address the tunnel server exposes this agent's control transport on"},

	{Key: keyMetricsAddress, Flag: toFlag(keyMetricsAddress), Default: ":9300", Description: "Listen address for the Prometheus /metrics endpoint"},
}

// toFlag converts a viper key like "agent.namespace_pid" into a CLI
// flag like "namespace-pid" by lower-casing, replacing dots and
// underscores with hyphens, and stripping the leading section prefix.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "agent-")
	flag = strings.TrimPrefix(flag, "steal-")
	flag = strings.TrimPrefix(flag, "tunnel-")
	return flag
}
