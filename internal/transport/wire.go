package transport

import (
	"github.com/google/wire"

	"github.com/otterscale/netshift-agent/internal/config"
	"github.com/otterscale/netshift-agent/internal/dispatcher"
	"github.com/otterscale/netshift-agent/internal/metrics"
	"github.com/otterscale/netshift-agent/internal/steal"
)

// ProvideSharedSubsystems assembles the process-wide collaborators
// every session shares, per SharedSubsystems's doc comment.
func ProvideSharedSubsystems(conf *config.Config, m *metrics.Agent, mirror *steal.MirrorManager, stealMgr *steal.Manager, file dispatcher.FileCollaborator, dns dispatcher.DnsCollaborator, env dispatcher.EnvCollaborator) SharedSubsystems {
	return SharedSubsystems{
		NamespacePID: conf.AgentNamespacePID(),
		Metrics:      m,
		Mirror:       mirror,
		Steal:        stealMgr,
		File:         file,
		Dns:          dns,
		Env:          env,
	}
}

// ProviderSet is the Wire provider set for the side-channel HTTP
// server and the shared subsystem collaborators. NewControlAcceptor
// is deliberately not part of this set: its net.Listener is the
// per-run pipe.Listener, built fresh by internal/cmd/agent.Agent.Run
// alongside the tunnel bridge, not assembled once at wire-build time.
var ProviderSet = wire.NewSet(NewServer, ProvideSharedSubsystems)
