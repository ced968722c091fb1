// Package layerclient defines the LayerClient collaborator: the
// narrow surface this module needs from whatever sits on the other
// end of the control transport. The real thing — a syscall-hooking
// library loaded into the user's process in another language entirely
// — is out of scope per spec.md §1; this package only models what it
// emits and consumes, plus a test double that speaks the real wire
// protocol well enough to exercise a dispatcher.Session end to end.
package layerclient

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/otterscale/netshift-agent/internal/protocol"
)

// LayerClient is the dual of dispatcher.Session from the layer's
// point of view: it emits ClientMessages and consumes DaemonMessages
// over a framed transport.
type LayerClient interface {
	Send(ctx context.Context, msg protocol.ClientMessage) error
	Recv(ctx context.Context) (protocol.DaemonMessage, error)
	Close() error
}

// Conn is a LayerClient backed by a real net.Conn, using the same
// wire encoding dispatcher.Session decodes. It exists for integration
// tests and local tooling that want to drive an agent over a real
// socket without a second language in the loop.
type Conn struct {
	conn        net.Conn
	r           *bufio.Reader
	peerVersion protocol.Version
}

// New wraps conn. peerVersion is the protocol version this client
// announces itself as, gating version-dependent wire fields the same
// way dispatcher.Session's peerVersion does.
func New(conn net.Conn, peerVersion protocol.Version) *Conn {
	return &Conn{conn: conn, r: bufio.NewReader(conn), peerVersion: peerVersion}
}

// Send encodes and writes msg. ctx is accepted for interface symmetry
// with Recv but is not consulted mid-write: a framed write to a
// healthy connection is expected to complete quickly, and net.Conn
// itself has no context-aware Write.
func (c *Conn) Send(ctx context.Context, msg protocol.ClientMessage) error {
	if err := protocol.EncodeClientMessage(c.conn, msg, c.peerVersion); err != nil {
		return fmt.Errorf("layerclient: encode: %w", err)
	}
	return nil
}

// Recv decodes the next DaemonMessage, blocking until one arrives or
// the connection closes.
func (c *Conn) Recv(ctx context.Context) (protocol.DaemonMessage, error) {
	msg, err := protocol.DecodeDaemonMessage(c.r)
	if err != nil {
		return nil, fmt.Errorf("layerclient: decode: %w", err)
	}
	return msg, nil
}

// Close closes the underlying transport.
func (c *Conn) Close() error {
	return c.conn.Close()
}
