// Package agent implements the agent-side runtime: it holds the
// dispatcher's shared collaborators assembled once at startup, then
// on Run binds a fresh in-memory pipe listener, a TCP bridge chisel
// can forward to, and a reverse-tunnel client that dials out to
// expose the control transport without the agent ever opening a real
// inbound port.
package agent

import (
	"context"
	"fmt"
	"os"

	"github.com/otterscale/netshift-agent/internal/pki"
	"github.com/otterscale/netshift-agent/internal/session"
	"github.com/otterscale/netshift-agent/internal/transport"
	"github.com/otterscale/netshift-agent/internal/transport/pipe"
	"github.com/otterscale/netshift-agent/internal/transport/tunnel"
)

// Config holds the runtime parameters for an Agent that come from
// internal/config rather than the DI graph, mirroring how the
// teacher's own agent command separates static collaborators from
// per-run configuration.
type Config struct {
	// AgentID identifies this agent to the tunnel server and seeds
	// its leaf certificate's common name. Empty means fall back to
	// the pod hostname.
	AgentID string
	// TunnelServerURL is the chisel server this agent dials out to.
	TunnelServerURL string
	// RemoteEndpoint is the fixed address the tunnel server exposes
	// this agent's control transport on.
	RemoteEndpoint string
}

// Agent binds the shared subsystem collaborators assembled at
// startup to a reverse-tunnel client on Run, and tears both down when
// ctx is cancelled.
type Agent struct {
	ca            *pki.CA
	shared        transport.SharedSubsystems
	registry      *session.Registry
	metricsServer *transport.Server
	recorder      tunnel.Recorder
}

// NewAgent returns an Agent wired to its shared collaborators, the
// local certificate authority used to self-sign the leaf certificate
// presented during tunnel registration, the side-channel metrics
// server, and the recorder the tunnel bridge built on each Run counts
// relayed connections against.
func NewAgent(ca *pki.CA, shared transport.SharedSubsystems, registry *session.Registry, metricsServer *transport.Server, recorder tunnel.Recorder) *Agent {
	return &Agent{ca: ca, shared: shared, registry: registry, metricsServer: metricsServer, recorder: recorder}
}

// Run creates a fresh pipe listener, TCP bridge, control-transport
// acceptor, and tunnel client, then blocks until ctx is cancelled or
// one of them fails.
func (a *Agent) Run(ctx context.Context, cfg Config) error {
	agentID := cfg.AgentID
	if agentID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("agent: resolve hostname for agent id: %w", err)
		}
		agentID = hostname
	}

	pl := pipe.NewListener()

	bridge, err := tunnel.NewBridge(pl)
	if err != nil {
		return fmt.Errorf("agent: create tunnel bridge: %w", err)
	}
	bridge.WithMetrics(a.recorder)

	acceptor := transport.NewControlAcceptor(pl, a.shared, a.registry)

	tunnelClt, err := tunnel.NewClient(
		tunnel.WithAgentID(agentID),
		tunnel.WithTunnelServerURL(cfg.TunnelServerURL),
		tunnel.WithLocalPort(bridge.Port()),
		tunnel.WithRegister(a.register(cfg.RemoteEndpoint)),
	)
	if err != nil {
		return fmt.Errorf("agent: create tunnel client: %w", err)
	}

	return transport.Serve(ctx, acceptor, bridge, tunnelClt, a.metricsServer)
}

// register self-signs a leaf certificate for the tunnel client's
// agent ID off the local CA and reports it as a RegisterResult.
// There is no separate control-plane process in this module's scope
// to hand out tunnel endpoints — internal/launcher's AgentLauncher
// only creates the agent pod, it doesn't allocate tunnel addresses —
// so the reverse-tunnel endpoint is a fixed, operator-configured
// address (remoteEndpoint) instead of something returned by a remote
// registration call.
func (a *Agent) register(remoteEndpoint string) tunnel.RegisterFunc {
	return func(_ context.Context, _, agentID string) (*tunnel.RegisterResult, error) {
		key, keyPEM, err := pki.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("agent: generate leaf key: %w", err)
		}

		csrPEM, err := pki.GenerateCSR(key, agentID)
		if err != nil {
			return nil, fmt.Errorf("agent: generate csr: %w", err)
		}

		certPEM, err := a.ca.SignCSR(csrPEM)
		if err != nil {
			return nil, fmt.Errorf("agent: sign csr: %w", err)
		}

		auth, err := pki.DeriveAuth(agentID, certPEM)
		if err != nil {
			return nil, fmt.Errorf("agent: derive auth: %w", err)
		}

		return &tunnel.RegisterResult{
			Endpoint:  remoteEndpoint,
			Auth:      auth,
			CACertPEM: a.ca.CertPEM(),
			CertPEM:   certPEM,
			KeyPEM:    keyPEM,
		}, nil
	}
}
