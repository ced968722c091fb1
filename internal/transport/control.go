package transport

import (
	"context"
	"log/slog"
	"net"

	"github.com/otterscale/netshift-agent/internal/dispatcher"
	"github.com/otterscale/netshift-agent/internal/outgoing"
	"github.com/otterscale/netshift-agent/internal/protocol"
	"github.com/otterscale/netshift-agent/internal/session"
)

// SharedSubsystems groups the collaborators that live for the whole
// agent process rather than one client session: the mirror and steal
// managers own a single shared listener and iptables chain, and the
// out-of-scope File/Dns/Env collaborators carry no per-session state
// at all. internal/outgoing's Tcp and Udp are deliberately absent
// here - they're stateful per client (their own ConnectionId
// sequence and connection table) and ControlAcceptor constructs a
// fresh pair for every accepted session.
type SharedSubsystems struct {
	NamespacePID int
	Metrics      outgoing.Recorder
	Mirror       dispatcher.TcpSubsystem
	Steal        dispatcher.TcpStealSubsystem
	File         dispatcher.FileCollaborator
	Dns          dispatcher.DnsCollaborator
	Env          dispatcher.EnvCollaborator
}

// ControlAcceptor drives one dispatcher.Session per connection
// accepted off ln, which in production is the pipe.Listener fed by a
// tunnel.Bridge rather than a bare network socket: the control
// transport rides inside the reverse tunnel, so by the time a
// connection reaches here it has already been through chisel's mTLS
// handshake. ControlAcceptor implements transport.Listener.
type ControlAcceptor struct {
	ln       net.Listener
	shared   SharedSubsystems
	registry *session.Registry
	log      *slog.Logger
}

// NewControlAcceptor constructs a ControlAcceptor. shared is reused by
// every session opened off ln; registry allocates each session's
// ClientId and Token and makes it reachable for shared.Mirror and
// shared.Steal's per-client sends.
func NewControlAcceptor(ln net.Listener, shared SharedSubsystems, registry *session.Registry) *ControlAcceptor {
	return &ControlAcceptor{
		ln:       ln,
		shared:   shared,
		registry: registry,
		log:      slog.Default().With("component", "control-acceptor"),
	}
}

// Start accepts connections until ctx is cancelled, running each
// session to completion on its own goroutine.
func (a *ControlAcceptor) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = a.ln.Close()
	}()

	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go a.handle(ctx, conn)
	}
}

// Stop closes the listener, unblocking Start's Accept loop.
func (a *ControlAcceptor) Stop(_ context.Context) error {
	return a.ln.Close()
}

// sessionSender forwards outgoing.Sender/outgoing's single-recipient
// Send to the dispatcher.Session constructed for this connection. It
// exists because internal/outgoing needs a Sender at construction
// time, but the Session it ultimately sends through doesn't exist
// until after outgoing.Tcp/Udp have already been built and handed to
// dispatcher.Open. session is set once, before Run starts the
// goroutines that can call Send, so no further synchronization is
// needed.
type sessionSender struct {
	session *dispatcher.Session
}

func (s *sessionSender) Send(msg protocol.DaemonMessage) {
	s.session.Send(msg)
}

func (a *ControlAcceptor) handle(ctx context.Context, conn net.Conn) {
	id, token := a.registry.Open()
	log := a.log.With("client_id", uint64(id), "session_token", string(token))
	defer a.registry.Close(id)

	sender := &sessionSender{}

	outTcp, err := outgoing.NewTcp(sender, a.shared.Metrics, a.shared.NamespacePID)
	if err != nil {
		log.Warn("session rejected: outgoing tcp setup failed", "err", err)
		conn.Close()
		return
	}
	outUdp, err := outgoing.NewUdp(sender, a.shared.Metrics, a.shared.NamespacePID)
	if err != nil {
		log.Warn("session rejected: outgoing udp setup failed", "err", err)
		conn.Close()
		return
	}

	subsystems := dispatcher.Subsystems{
		OutgoingTcp: outTcp,
		OutgoingUdp: outUdp,
		Mirror:      a.shared.Mirror,
		Steal:       a.shared.Steal,
		File:        a.shared.File,
		Dns:         a.shared.Dns,
		Env:         a.shared.Env,
	}

	sess := dispatcher.Open(id, conn, subsystems, dispatcher.WithLogger(log))
	sender.session = sess
	a.registry.Attach(id, sess)

	log.Info("session opened")
	if err := sess.Run(ctx); err != nil {
		log.Warn("session ended", "err", err)
	} else {
		log.Info("session closed")
	}
}
