package outgoing

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/otterscale/netshift-agent/internal/protocol"
)

type captureSender struct {
	mu  sync.Mutex
	msg []protocol.DaemonMessage
}

func (c *captureSender) Send(msg protocol.DaemonMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msg = append(c.msg, msg)
}

func (c *captureSender) wait(t *testing.T, n int) []protocol.DaemonMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.msg)
		c.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.DaemonMessage, len(c.msg))
	copy(out, c.msg)
	return out
}

func TestTcp_ConnectAssignsMonotonicIDs(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go io_discard(c)
		}
	}()

	sender := &captureSender{}
	tcp, err := NewTcp(sender, nil, 0)
	if err != nil {
		t.Fatalf("NewTcp: %v", err)
	}

	ctx := context.Background()
	if err := tcp.Connect(ctx, ln.Addr().String()); err != nil {
		t.Fatalf("connect 1: %v", err)
	}
	if err := tcp.Connect(ctx, ln.Addr().String()); err != nil {
		t.Fatalf("connect 2: %v", err)
	}

	msgs := sender.wait(t, 2)
	if len(msgs) != 2 {
		t.Fatalf("got %d connect results, want 2", len(msgs))
	}
	r0 := msgs[0].(protocol.TcpOutgoingConnectResult)
	r1 := msgs[1].(protocol.TcpOutgoingConnectResult)
	if !r0.Result.IsOk() || !r1.Result.IsOk() {
		t.Fatalf("expected both connects to succeed: %#v %#v", r0, r1)
	}
	if r1.Id != r0.Id+1 {
		t.Errorf("ConnectionId not monotonic: got %d then %d", r0.Id, r1.Id)
	}
}

func io_discard(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func TestTcp_ReadForwardsRemoteBytes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte("hello from remote"))
	}()

	sender := &captureSender{}
	tcp, err := NewTcp(sender, nil, 0)
	if err != nil {
		t.Fatalf("NewTcp: %v", err)
	}

	if err := tcp.Connect(context.Background(), ln.Addr().String()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	msgs := sender.wait(t, 3) // connect result, read, eof+close
	if len(msgs) < 2 {
		t.Fatalf("got %d messages, want at least 2", len(msgs))
	}

	var sawData bool
	for _, m := range msgs {
		if r, ok := m.(protocol.TcpOutgoingRead); ok && len(r.Bytes) > 0 {
			sawData = true
			if string(r.Bytes) != "hello from remote" {
				t.Errorf("got %q, want %q", r.Bytes, "hello from remote")
			}
		}
	}
	if !sawData {
		t.Error("never received remote's bytes")
	}
}

func TestTcp_ConnectFailureReportsErrorKind(t *testing.T) {
	sender := &captureSender{}
	tcp, err := NewTcp(sender, nil, 0)
	if err != nil {
		t.Fatalf("NewTcp: %v", err)
	}

	// Port 1 on loopback has no listener, so the dial fails as a
	// connection failure without needing an actual closed listener.
	if err := tcp.Connect(context.Background(), "127.0.0.1:1"); err != nil {
		t.Fatalf("Connect itself should not return an error: %v", err)
	}

	msgs := sender.wait(t, 1)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	res := msgs[0].(protocol.TcpOutgoingConnectResult)
	if res.Result.IsOk() {
		t.Fatal("expected connect to port 1 to fail")
	}
}

func TestTcp_CloseRemovesWriter(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		io_discard(c)
	}()

	sender := &captureSender{}
	tcp, err := NewTcp(sender, nil, 0)
	if err != nil {
		t.Fatalf("NewTcp: %v", err)
	}
	if err := tcp.Connect(context.Background(), ln.Addr().String()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	msgs := sender.wait(t, 1)
	id := msgs[0].(protocol.TcpOutgoingConnectResult).Id

	if err := tcp.Close(id); err != nil {
		t.Fatalf("close: %v", err)
	}
	// A second Close on an already-closed id must be a no-op, not a panic.
	if err := tcp.Close(id); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := tcp.Write(id, []byte("x")); err != nil {
		t.Fatalf("write after close: %v", err)
	}
}

func TestTcp_EOFRemovesWriter(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.Close() // immediate EOF on the client side, no explicit Close(id)
	}()

	sender := &captureSender{}
	tcp, err := NewTcp(sender, nil, 0)
	if err != nil {
		t.Fatalf("NewTcp: %v", err)
	}
	if err := tcp.Connect(context.Background(), ln.Addr().String()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	msgs := sender.wait(t, 3) // connect result, eof read, close
	id := msgs[0].(protocol.TcpOutgoingConnectResult).Id

	var sawClose bool
	for _, m := range msgs {
		if c, ok := m.(protocol.TcpOutgoingClose); ok && c.Id == id {
			sawClose = true
		}
	}
	if !sawClose {
		t.Fatal("never received TcpOutgoingClose after read EOF")
	}

	// pumpReads' error branch must have already released the writer
	// entry via closeConn, exactly like an explicit Close would: a
	// write after EOF is a silent no-op, not a write on a leaked fd.
	if err := tcp.Write(id, []byte("x")); err != nil {
		t.Fatalf("write after eof: %v", err)
	}
}

func TestUdp_ConnectAndWrite(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listenpacket: %v", err)
	}
	defer pc.Close()

	received := make(chan string, 1)
	go func() {
		buf := make([]byte, 1024)
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		received <- string(buf[:n])
	}()

	sender := &captureSender{}
	udp, err := NewUdp(sender, nil, 0)
	if err != nil {
		t.Fatalf("NewUdp: %v", err)
	}

	if err := udp.Connect(context.Background(), pc.LocalAddr().String()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	msgs := sender.wait(t, 1)
	res := msgs[0].(protocol.UdpOutgoingConnectResult)
	if !res.Result.IsOk() {
		t.Fatalf("udp connect failed: %#v", res)
	}

	if err := udp.Write(res.Id, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if got != "ping" {
			t.Errorf("got %q, want %q", got, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remote never received datagram")
	}
}
