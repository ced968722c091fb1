//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"
	"github.com/spf13/cobra"

	"github.com/otterscale/netshift-agent/internal/cmd/agent"
	"github.com/otterscale/netshift-agent/internal/collaborator"
	"github.com/otterscale/netshift-agent/internal/config"
	"github.com/otterscale/netshift-agent/internal/dispatcher"
	"github.com/otterscale/netshift-agent/internal/httpfilter"
	"github.com/otterscale/netshift-agent/internal/metrics"
	"github.com/otterscale/netshift-agent/internal/session"
	"github.com/otterscale/netshift-agent/internal/steal"
	"github.com/otterscale/netshift-agent/internal/steal/iptables"
	"github.com/otterscale/netshift-agent/internal/transport"
	"github.com/otterscale/netshift-agent/internal/transport/tunnel"
)

// wireCmd assembles the agent's full dependency graph and returns the
// root cobra command ready to execute. ctx seeds the one-time setup
// that needs cancellation (installing the steal manager's iptables
// chains); the per-run tunnel plumbing (pipe listener, bridge, tunnel
// client) is built fresh on every agent.Agent.Run call instead, since
// it doesn't belong in a process-lifetime singleton graph.
func wireCmd(ctx context.Context) (*cobra.Command, func(), error) {
	panic(wire.Build(
		newCmd,
		provideLogger,
		provideCA,
		provideDialer,
		provideSafeTables,
		provideHTTPRouter,
		provideMetricsServer,
		provideStealManager,
		steal.NewMirrorManager,
		iptables.ProvideExec,
		wire.Bind(new(iptables.IPTables), new(*iptables.Exec)),
		wire.Bind(new(dispatcher.FileCollaborator), new(*collaborator.File)),
		wire.Bind(new(dispatcher.DnsCollaborator), new(*collaborator.Dns)),
		wire.Bind(new(dispatcher.EnvCollaborator), new(*collaborator.Env)),
		wire.Bind(new(steal.Sender), new(*session.Registry)),
		wire.Bind(new(steal.HTTPRouter), new(*httpfilter.Router)),
		wire.Bind(new(httpfilter.Sender), new(*session.Registry)),
		wire.Bind(new(tunnel.Recorder), new(*metrics.Agent)),
		// transport.NewServer is deliberately not referenced here: it
		// takes variadic ServerOption, which Wire can't thread, so
		// provideMetricsServer above is the sole *transport.Server
		// provider and only transport.ProvideSharedSubsystems is
		// pulled in from the package.
		transport.ProvideSharedSubsystems,
		agent.ProviderSet,
		collaborator.ProviderSet,
		config.ProviderSet,
		metrics.ProviderSet,
		session.ProviderSet,
	))
}
