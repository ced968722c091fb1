// Package outgoing lets the layer open sockets that, from the
// intercepted process's point of view, look like they originate
// inside the target's network namespace. The agent dials out on the
// layer's behalf and pumps bytes in both directions, tagging every
// socket with a ConnectionId the layer uses to address it.
package outgoing

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/vishvananda/netns"

	"github.com/otterscale/netshift-agent/internal/protocol"
)

// Sender is the narrow surface Tcp needs from the owning Dispatcher
// session to push DaemonMessages back to the layer.
type Sender interface {
	Send(msg protocol.DaemonMessage)
}

// Recorder is the narrow surface Tcp needs from internal/metrics to
// track open outgoing connections. Nil is a valid Recorder: every
// call is a no-op, so metrics stay optional for callers that don't
// care (e.g. the unit tests in this package).
type Recorder interface {
	IncOutgoingConnection(ctx context.Context)
	DecOutgoingConnection(ctx context.Context)
}

// Tcp manages outgoing TCP sockets for one client session. All
// methods are safe for concurrent use.
type Tcp struct {
	send    Sender
	metrics Recorder
	ns      *netns.NsHandle

	mu      sync.Mutex
	nextID  protocol.ConnectionId
	writers map[protocol.ConnectionId]net.Conn
}

// NewTcp constructs a Tcp bound to send for a target process's
// network namespace. pid of 0 skips the namespace switch and dials
// from the agent's own namespace, which is how tests and
// single-namespace deployments exercise this type without root.
// metrics may be nil.
func NewTcp(send Sender, metrics Recorder, pid int) (*Tcp, error) {
	t := &Tcp{
		send:    send,
		metrics: metrics,
		writers: make(map[protocol.ConnectionId]net.Conn),
	}
	if pid != 0 {
		h, err := netns.GetFromPid(pid)
		if err != nil {
			return nil, fmt.Errorf("outgoing: get namespace for pid %d: %w", pid, err)
		}
		t.ns = &h
	}
	return t, nil
}

// dialInNamespace locks the calling goroutine to its OS thread and
// enters the target namespace for the duration of the dial, exactly
// like the layer's equivalent setns-then-connect sequence: namespace
// membership is per-thread on Linux, so the switch must not leak into
// other goroutines.
func (t *Tcp) dialInNamespace(ctx context.Context, remote string) (net.Conn, error) {
	if t.ns == nil {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", remote)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("outgoing: get current namespace: %w", err)
	}
	defer origin.Close()

	if err := netns.Set(*t.ns); err != nil {
		return nil, fmt.Errorf("outgoing: enter namespace: %w", err)
	}
	defer netns.Set(origin)

	var d net.Dialer
	return d.DialContext(ctx, "tcp", remote)
}

// Connect dials remote from the target namespace, allocates the next
// ConnectionId (monotonically increasing, never recycled until
// Close), and reports the outcome as a TcpOutgoingConnectResult. A
// dial failure is reported, not returned, since it's per-connection
// state the layer needs to see rather than a fatal dispatcher error.
func (t *Tcp) Connect(ctx context.Context, remote string) error {
	conn, err := t.dialInNamespace(ctx, remote)
	if err != nil {
		t.send.Send(protocol.TcpOutgoingConnectResult{
			Remote: remote,
			Result: protocol.Result[struct{}]{Err: errKind(err)},
		})
		return nil
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.writers[id] = conn
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.IncOutgoingConnection(ctx)
	}

	t.send.Send(protocol.TcpOutgoingConnectResult{
		Id:     id,
		Remote: remote,
		Result: protocol.Result[struct{}]{},
	})

	go t.pumpReads(id, conn)
	return nil
}

// pumpReads forwards bytes read from conn as TcpOutgoingRead messages
// until EOF or error, then reports the EOF, closes the connection and
// removes it from the writer table (later Writes to id are no-ops),
// and sends TcpOutgoingClose.
func (t *Tcp) pumpReads(id protocol.ConnectionId, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			t.send.Send(protocol.TcpOutgoingRead{Id: id, Bytes: out})
		}
		if err != nil {
			t.send.Send(protocol.TcpOutgoingRead{Id: id, Eof: true})
			t.closeConn(id, conn)
			t.send.Send(protocol.TcpOutgoingClose{Id: id})
			return
		}
	}
}

// Write sends b on connection id. A failed write drops and closes the
// connection, same as the layer tearing it down explicitly.
func (t *Tcp) Write(id protocol.ConnectionId, b []byte) error {
	t.mu.Lock()
	conn, ok := t.writers[id]
	t.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := conn.Write(b); err != nil {
		t.closeConn(id, conn)
		t.send.Send(protocol.TcpOutgoingClose{Id: id})
	}
	return nil
}

// Close drops connection id.
func (t *Tcp) Close(id protocol.ConnectionId) error {
	t.mu.Lock()
	conn, ok := t.writers[id]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	t.closeConn(id, conn)
	return nil
}

func (t *Tcp) closeConn(id protocol.ConnectionId, conn net.Conn) {
	t.mu.Lock()
	delete(t.writers, id)
	t.mu.Unlock()
	_ = conn.Close()
	if t.metrics != nil {
		t.metrics.DecOutgoingConnection(context.Background())
	}
}

func errKind(err error) *protocol.ErrorKind {
	kind := protocol.ErrorKindFromError(err)
	return &kind
}
