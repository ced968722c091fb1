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

// Udp mirrors Tcp for connected UDP sockets: one "connection" here is
// really a fixed 5-tuple the kernel demuxes datagrams for, which is
// enough to give the layer a stream-shaped, per-remote abstraction
// over what is otherwise a connectionless protocol.
type Udp struct {
	send    Sender
	metrics Recorder
	ns      *netns.NsHandle

	mu      sync.Mutex
	nextID  protocol.ConnectionId
	writers map[protocol.ConnectionId]net.Conn
}

// NewUdp constructs a Udp bound to send for a target process's
// network namespace, identically to NewTcp. metrics may be nil.
func NewUdp(send Sender, metrics Recorder, pid int) (*Udp, error) {
	u := &Udp{
		send:    send,
		metrics: metrics,
		writers: make(map[protocol.ConnectionId]net.Conn),
	}
	if pid != 0 {
		h, err := netns.GetFromPid(pid)
		if err != nil {
			return nil, fmt.Errorf("outgoing: get namespace for pid %d: %w", pid, err)
		}
		u.ns = &h
	}
	return u, nil
}

func (u *Udp) dialInNamespace(ctx context.Context, remote string) (net.Conn, error) {
	if u.ns == nil {
		var d net.Dialer
		return d.DialContext(ctx, "udp", remote)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("outgoing: get current namespace: %w", err)
	}
	defer origin.Close()

	if err := netns.Set(*u.ns); err != nil {
		return nil, fmt.Errorf("outgoing: enter namespace: %w", err)
	}
	defer netns.Set(origin)

	var d net.Dialer
	return d.DialContext(ctx, "udp", remote)
}

// Connect opens a connected UDP socket to remote and allocates its
// ConnectionId, reporting the outcome as a UdpOutgoingConnectResult.
func (u *Udp) Connect(ctx context.Context, remote string) error {
	conn, err := u.dialInNamespace(ctx, remote)
	if err != nil {
		kind := protocol.ErrorKindFromError(err)
		u.send.Send(protocol.UdpOutgoingConnectResult{
			Remote: remote,
			Result: protocol.Result[struct{}]{Err: &kind},
		})
		return nil
	}

	u.mu.Lock()
	id := u.nextID
	u.nextID++
	u.writers[id] = conn
	u.mu.Unlock()

	if u.metrics != nil {
		u.metrics.IncOutgoingConnection(ctx)
	}

	u.send.Send(protocol.UdpOutgoingConnectResult{
		Id:     id,
		Remote: remote,
		Result: protocol.Result[struct{}]{},
	})

	go u.pumpReads(id, conn)
	return nil
}

// pumpReads forwards each datagram read from conn as a UdpOutgoingRead
// message, closing the connection on error or EOF. Unlike TCP there is
// no partial read assembly: one Read call is one datagram.
func (u *Udp) pumpReads(id protocol.ConnectionId, conn net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			u.send.Send(protocol.UdpOutgoingRead{Id: id, Bytes: out})
		}
		if err != nil {
			u.closeConn(id, conn)
			u.send.Send(protocol.UdpOutgoingClose{Id: id})
			return
		}
	}
}

// Write sends b as one datagram on connection id.
func (u *Udp) Write(id protocol.ConnectionId, b []byte) error {
	u.mu.Lock()
	conn, ok := u.writers[id]
	u.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := conn.Write(b); err != nil {
		u.closeConn(id, conn)
		u.send.Send(protocol.UdpOutgoingClose{Id: id})
	}
	return nil
}

// Close drops connection id.
func (u *Udp) Close(id protocol.ConnectionId) error {
	u.mu.Lock()
	conn, ok := u.writers[id]
	u.mu.Unlock()
	if !ok {
		return nil
	}
	u.closeConn(id, conn)
	return nil
}

func (u *Udp) closeConn(id protocol.ConnectionId, conn net.Conn) {
	u.mu.Lock()
	delete(u.writers, id)
	u.mu.Unlock()
	_ = conn.Close()
	if u.metrics != nil {
		u.metrics.DecOutgoingConnection(context.Background())
	}
}
