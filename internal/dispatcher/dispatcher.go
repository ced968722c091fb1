// Package dispatcher implements the per-client session described by
// the agent's core design: it decodes ClientMessages from a framed
// transport, routes them to the owning subsystem, and multiplexes
// every subsystem's outbound DaemonMessages back onto a single fan-in
// queue written to the transport.
package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/otterscale/netshift-agent/internal/protocol"
)

// Subsystems groups every collaborator a Session routes messages to.
// Each method should be non-blocking from the Dispatcher's point of
// view: subsystems do their own work asynchronously and push results
// onto the shared outbound queue via Session.Send.
type Subsystems struct {
	OutgoingTcp OutgoingTcp
	OutgoingUdp OutgoingUdp
	Mirror      TcpSubsystem
	Steal       TcpStealSubsystem
	File        FileCollaborator
	Dns         DnsCollaborator
	Env         EnvCollaborator
}

// OutgoingTcp is the subset of internal/outgoing's Tcp type the
// dispatcher depends on.
type OutgoingTcp interface {
	Connect(ctx context.Context, remote string) error
	Write(id protocol.ConnectionId, b []byte) error
	Close(id protocol.ConnectionId) error
}

// OutgoingUdp mirrors OutgoingTcp for datagram sockets.
type OutgoingUdp interface {
	Connect(ctx context.Context, remote string) error
	Write(id protocol.ConnectionId, b []byte) error
	Close(id protocol.ConnectionId) error
}

// TcpSubsystem is the mirror-mode subset of internal/steal's Manager.
type TcpSubsystem interface {
	PortSubscribe(clientID protocol.ClientId, port uint16) error
	PortUnsubscribe(clientID protocol.ClientId, port uint16) error
	ConnectionUnsubscribe(id protocol.ConnectionId) error
}

// TcpStealSubsystem is the steal-mode subset of internal/steal's Manager.
type TcpStealSubsystem interface {
	PortSubscribe(clientID protocol.ClientId, st protocol.StealType) error
	PortUnsubscribe(clientID protocol.ClientId, port uint16) error
	ConnectionUnsubscribe(id protocol.ConnectionId) error
	Write(id protocol.ConnectionId, b []byte) error
	HttpResponse(connID protocol.ConnectionId, reqID protocol.RequestId, resp protocol.InternalHttpResponse) error
}

// FileCollaborator is the out-of-scope file subsystem boundary.
type FileCollaborator interface {
	Handle(req protocol.FileRequest) error
}

// DnsCollaborator is the out-of-scope DNS subsystem boundary.
type DnsCollaborator interface {
	Handle(req protocol.GetAddrInfoRequest) error
}

// EnvCollaborator is the out-of-scope environment-variable boundary.
type EnvCollaborator interface {
	Handle(req protocol.GetEnvVarsRequest) error
}

// defaultQueueDepth is the default bound on the fan-in queue and matches the
// ~1000 figure called out in the concurrency model.
const defaultQueueDepth = 1000

const defaultPingInterval = 60 * time.Second

// Session is one Dispatcher instance, keyed by ClientId, bound to a
// framed bidirectional transport.
type Session struct {
	id           protocol.ClientId
	conn         net.Conn
	r            *bufio.Reader
	peerVersion  protocol.Version
	subsystems   Subsystems
	outbound     chan protocol.DaemonMessage
	pingInterval time.Duration
	log          *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Option configures a Session.
type Option func(*Session)

// WithQueueDepth overrides the fan-in queue's bound.
func WithQueueDepth(n int) Option {
	return func(s *Session) {
		s.outbound = make(chan protocol.DaemonMessage, n)
	}
}

// WithPingInterval overrides the interval of the writer loop's idle
// ticker. The ticker sends nothing: a Session never originates a Ping.
func WithPingInterval(d time.Duration) Option {
	return func(s *Session) { s.pingInterval = d }
}

// WithPeerVersion records the protocol version the layer announced.
func WithPeerVersion(v protocol.Version) Option {
	return func(s *Session) { s.peerVersion = v }
}

// WithLogger overrides the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// Open binds a Session to conn for clientID, ready to be driven by Run.
func Open(clientID protocol.ClientId, conn net.Conn, subsystems Subsystems, opts ...Option) *Session {
	s := &Session{
		id:           clientID,
		conn:         conn,
		r:            bufio.NewReader(conn),
		peerVersion:  protocol.CurrentVersion,
		subsystems:   subsystems,
		outbound:     make(chan protocol.DaemonMessage, defaultQueueDepth),
		pingInterval: defaultPingInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "dispatcher", "client_id", uint64(clientID))
	}
	return s
}

// Send enqueues a DaemonMessage for delivery to the layer. Called by
// subsystems from their own goroutines. It blocks if the queue is
// full, applying backpressure rather than dropping messages.
func (s *Session) Send(msg protocol.DaemonMessage) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.outbound <- msg
}

// Run drives the session until the transport closes or a fatal
// subsystem error occurs. It starts one goroutine reading and
// decoding ClientMessages and runs the writer loop (draining the
// fan-in queue) on the calling goroutine.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.teardown()

	readErrCh := make(chan error, 1)
	go func() {
		readErrCh <- s.readLoop(ctx)
	}()

	return s.writeLoop(ctx, readErrCh)
}

// readLoop decodes ClientMessages and routes them to subsystems. A
// decode error is transport-fatal.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		msg, err := protocol.DecodeClientMessage(s.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("dispatcher: decode: %w", err)
		}
		if err := s.route(ctx, msg); err != nil {
			return err
		}
		if _, ok := msg.(protocol.ClientClose); ok {
			return nil
		}
	}
}

// route dispatches one decoded ClientMessage by kind, per the routing
// table: TcpOutgoing* to OutgoingTcp, UdpOutgoing* to OutgoingUdp,
// Tcp* to the mirror subsystem, TcpSteal* to the steal subsystem,
// File/Dns/Env requests to their collaborators, Ping answered inline.
//
// Per-connection errors never bubble past the Dispatcher: subsystems
// are expected to report failure as a Close(id) message on the
// outbound queue rather than returning an error here. A message of an
// unknown kind is logged and skipped; route never returns an error.
func (s *Session) route(ctx context.Context, msg protocol.ClientMessage) error {
	var err error
	switch m := msg.(type) {
	case protocol.Ping:
		s.Send(protocol.Pong{})
	case protocol.ClientClose:
		// handled by the caller
	case protocol.FileRequest:
		err = s.subsystems.File.Handle(m)
	case protocol.GetAddrInfoRequest:
		err = s.subsystems.Dns.Handle(m)
	case protocol.GetEnvVarsRequest:
		err = s.subsystems.Env.Handle(m)
	case protocol.TcpOutgoingConnect:
		err = s.subsystems.OutgoingTcp.Connect(ctx, m.Remote)
	case protocol.TcpOutgoingWrite:
		err = s.subsystems.OutgoingTcp.Write(m.Id, m.Bytes)
	case protocol.TcpOutgoingClose:
		err = s.subsystems.OutgoingTcp.Close(m.Id)
	case protocol.UdpOutgoingConnect:
		err = s.subsystems.OutgoingUdp.Connect(ctx, m.Remote)
	case protocol.UdpOutgoingWrite:
		err = s.subsystems.OutgoingUdp.Write(m.Id, m.Bytes)
	case protocol.UdpOutgoingClose:
		err = s.subsystems.OutgoingUdp.Close(m.Id)
	case protocol.TcpPortSubscribe:
		err = s.subsystems.Mirror.PortSubscribe(s.id, m.Port)
	case protocol.TcpPortUnsubscribe:
		err = s.subsystems.Mirror.PortUnsubscribe(s.id, m.Port)
	case protocol.TcpConnectionUnsubscribe:
		err = s.subsystems.Mirror.ConnectionUnsubscribe(m.Id)
	case protocol.TcpStealPortSubscribe:
		err = s.subsystems.Steal.PortSubscribe(s.id, m.Type)
	case protocol.TcpStealPortUnsubscribe:
		err = s.subsystems.Steal.PortUnsubscribe(s.id, m.Port)
	case protocol.TcpStealConnectionUnsubscribe:
		err = s.subsystems.Steal.ConnectionUnsubscribe(m.Id)
	case protocol.TcpStealData:
		err = s.subsystems.Steal.Write(m.Id, m.Bytes)
	case protocol.TcpStealHttpResponse:
		err = s.subsystems.Steal.HttpResponse(m.ConnId, m.ReqId, m.Response)
	default:
		s.log.Warn("unroutable message", "type", fmt.Sprintf("%T", msg))
		return nil
	}
	// Per-connection errors never bubble past the Dispatcher as a fatal
	// session error: subsystems report failure to the layer themselves
	// (e.g. a Close message on the outbound queue), so route only logs.
	if err != nil {
		s.log.Warn("subsystem error", "type", fmt.Sprintf("%T", msg), "err", err)
	}
	return nil
}

// writeLoop drains the outbound queue onto the transport, treating
// write errors and a read-loop failure as fatal. It sends no Ping when
// the transport is idle and does not watch for a missing Pong.
func (s *Session) writeLoop(ctx context.Context, readErrCh <-chan error) error {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErrCh:
			return err
		case msg := <-s.outbound:
			if err := protocol.EncodeDaemonMessage(s.conn, msg, s.peerVersion); err != nil {
				return fmt.Errorf("dispatcher: encode: %w", err)
			}
			ticker.Reset(s.pingInterval)
		case <-ticker.C:
			// DaemonMessage has no Ping variant: the agent answers the
			// layer's Ping with Pong but never originates one. Idle
			// liveness instead rides the tunnel's own keep-alive (see
			// internal/transport/tunnel), so this branch is a no-op
			// beyond letting the ticker fire and reset.
		}
	}
}

// teardown releases the session: marks it closed so late Sends are
// dropped and closes the underlying transport.
func (s *Session) teardown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	_ = s.conn.Close()
}

// ID returns the session's ClientId.
func (s *Session) ID() protocol.ClientId { return s.id }
