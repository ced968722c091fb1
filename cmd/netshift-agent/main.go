// Package main is the entry point for the netshift-agent binary. It
// has a single "agent" subcommand that runs inside a target pod's
// network namespace, wired up via Google Wire; see wire.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/otterscale/netshift-agent/internal/cmd"
	"github.com/otterscale/netshift-agent/internal/cmd/agent"
	"github.com/otterscale/netshift-agent/internal/config"
	"github.com/otterscale/netshift-agent/internal/httpfilter"
	"github.com/otterscale/netshift-agent/internal/metrics"
	"github.com/otterscale/netshift-agent/internal/pki"
	"github.com/otterscale/netshift-agent/internal/steal"
	"github.com/otterscale/netshift-agent/internal/steal/iptables"
	"github.com/otterscale/netshift-agent/internal/transport"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Cobra is configured with SilenceErrors: true, so we
		// print the error here for consistent formatting.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires all dependencies and executes the root cobra command.
func run(ctx context.Context) error {
	rootCmd, cleanup, err := wireCmd(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize agent: %w", err)
	}
	defer cleanup()

	return rootCmd.ExecuteContext(ctx)
}

// newCmd is a Wire provider that constructs the root cobra command
// and registers the agent subcommand. a is already fully wired by the
// time newCmd runs, so the subcommand's injector closure is trivial.
func newCmd(conf *config.Config, a *agent.Agent) (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           "netshift-agent",
		Short:         "netshift-agent: connection-multiplexing and traffic-steering engine for a remote network namespace",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	agentCmd, err := cmd.NewAgentCommand(conf, func() (*agent.Agent, func(), error) {
		return a, func() {}, nil
	})
	if err != nil {
		return nil, err
	}

	root.AddCommand(agentCmd)

	return root, nil
}

// provideLogger returns the process-wide structured logger every
// collaborator derives its own "component"-tagged logger from.
func provideLogger() *slog.Logger {
	return slog.Default()
}

// provideCA is a Wire provider that creates a deterministic CA from
// the configured seed. It validates that the seed is not the insecure
// default, failing fast at dependency injection time rather than at
// the first registration attempt.
func provideCA(conf *config.Config) (*pki.CA, error) {
	seed := conf.TunnelCASeed()
	if seed == "change-me" {
		return nil, errors.New("refusing to start: tunnel CA seed is the insecure default \"change-me\"; " +
			"set --ca-seed or NETSHIFT_TUNNEL_CA_SEED to a unique secret")
	}
	ca, err := pki.NewCAFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return ca.WithLeafValidity(conf.TunnelCertValidity()), nil
}

// provideDialer is the httpfilter.Dialer used for stolen connections
// that miss the HTTP filter and must be passed through to the pod's
// real listener unmodified.
func provideDialer() *net.Dialer {
	return &net.Dialer{}
}

// provideSafeTables installs the steal manager's iptables chains.
// Fixed chain names (if configured) are applied before New resolves
// the node's iptables topology, since iptables/chain.go reads them
// from the environment at that point.
func provideSafeTables(ctx context.Context, conf *config.Config, ipt iptables.IPTables) (*iptables.SafeTables, error) {
	if name := conf.StealPreroutingName(); name != "" {
		os.Setenv(iptables.PrerountingNameEnv, name)
	}
	if name := conf.StealOutputName(); name != "" {
		os.Setenv(iptables.OutputNameEnv, name)
	}
	return iptables.New(ctx, ipt, conf.StealFlushConnections())
}

// provideHTTPRouter builds the HTTP steal filter and layers on the
// metrics recorder, since NewRouter's own signature is shared with
// the pre-metrics call sites in httpfilter's tests.
func provideHTTPRouter(send httpfilter.Sender, dial httpfilter.Dialer, log *slog.Logger, m *metrics.Agent) *httpfilter.Router {
	return httpfilter.NewRouter(send, dial, log).WithMetrics(m)
}

// provideStealManager starts the shared steal listener. Wire can't
// thread steal.Option values through a variadic parameter, so this
// wrapper applies the options the agent always wants.
func provideStealManager(ctx context.Context, safe *iptables.SafeTables, send steal.Sender, router *httpfilter.Router, m *metrics.Agent, log *slog.Logger) (*steal.Manager, error) {
	return steal.New(ctx, safe, send,
		steal.WithLogger(log.With("component", "steal-manager")),
		steal.WithHTTPRouter(router),
		steal.WithMetrics(m),
	)
}

// provideMetricsServer mounts the Prometheus /metrics endpoint on its
// own side-channel HTTP server, run alongside the control transport
// by internal/cmd/agent.Agent.Run under internal/transport.Serve.
func provideMetricsServer(conf *config.Config, m *metrics.Agent) (*transport.Server, error) {
	return transport.NewServer(
		transport.WithAddress(conf.MetricsAddress()),
		transport.WithMount(func(mux *http.ServeMux) error {
			mux.Handle("/metrics", m.Handler())
			return nil
		}),
	)
}
