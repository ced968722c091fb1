package dispatcher

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/otterscale/netshift-agent/internal/protocol"
)

type fakeOutgoing struct {
	mu       sync.Mutex
	connects []string
	writes   []protocol.ConnectionId
	closes   []protocol.ConnectionId
}

func (f *fakeOutgoing) Connect(ctx context.Context, remote string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, remote)
	return nil
}

func (f *fakeOutgoing) Write(id protocol.ConnectionId, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, id)
	return nil
}

func (f *fakeOutgoing) Close(id protocol.ConnectionId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, id)
	return nil
}

type fakeSteal struct {
	subscribed []protocol.StealType
}

func (f *fakeSteal) PortSubscribe(clientID protocol.ClientId, st protocol.StealType) error {
	f.subscribed = append(f.subscribed, st)
	return nil
}
func (f *fakeSteal) PortUnsubscribe(protocol.ClientId, uint16) error        { return nil }
func (f *fakeSteal) ConnectionUnsubscribe(protocol.ConnectionId) error      { return nil }
func (f *fakeSteal) Write(protocol.ConnectionId, []byte) error              { return nil }
func (f *fakeSteal) HttpResponse(protocol.ConnectionId, protocol.RequestId, protocol.InternalHttpResponse) error {
	return nil
}

type fakeMirror struct{}

func (fakeMirror) PortSubscribe(protocol.ClientId, uint16) error       { return nil }
func (fakeMirror) PortUnsubscribe(protocol.ClientId, uint16) error     { return nil }
func (fakeMirror) ConnectionUnsubscribe(protocol.ConnectionId) error   { return nil }

type fileCollaborator struct{}

func (fileCollaborator) Handle(protocol.FileRequest) error { return nil }

type dnsCollaborator struct{}

func (dnsCollaborator) Handle(protocol.GetAddrInfoRequest) error { return nil }

type envCollaborator struct{}

func (envCollaborator) Handle(protocol.GetEnvVarsRequest) error { return nil }

func newTestSession(t *testing.T, clientConn net.Conn, subs Subsystems) *Session {
	t.Helper()
	return Open(1, clientConn, subs, WithPingInterval(time.Hour))
}

// TestSession_RoutesOutgoingConnect verifies a TcpOutgoingConnect
// ClientMessage reaches the OutgoingTcp subsystem.
func TestSession_RoutesOutgoingConnect(t *testing.T) {
	agentSide, layerSide := net.Pipe()
	defer layerSide.Close()

	outTcp := &fakeOutgoing{}
	subs := Subsystems{
		OutgoingTcp: outTcp,
		OutgoingUdp: &fakeOutgoing{},
		Mirror:      fakeMirror{},
		Steal:       &fakeSteal{},
		File:        fileCollaborator{},
		Dns:         dnsCollaborator{},
		Env:         envCollaborator{},
	}
	sess := newTestSession(t, agentSide, subs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	if err := protocol.EncodeClientMessage(layerSide, protocol.TcpOutgoingConnect{Remote: "10.0.0.5:443"}, protocol.CurrentVersion); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := protocol.EncodeClientMessage(layerSide, protocol.ClientClose{}, protocol.CurrentVersion); err != nil {
		t.Fatalf("encode close: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish after ClientClose")
	}
	cancel()

	outTcp.mu.Lock()
	defer outTcp.mu.Unlock()
	if len(outTcp.connects) != 1 || outTcp.connects[0] != "10.0.0.5:443" {
		t.Errorf("connects = %v, want [10.0.0.5:443]", outTcp.connects)
	}
}

// TestSession_PingAnsweredWithPong verifies the inline Ping/Pong
// handshake bypasses subsystem routing entirely.
func TestSession_PingAnsweredWithPong(t *testing.T) {
	agentSide, layerSide := net.Pipe()
	defer agentSide.Close()
	defer layerSide.Close()

	subs := Subsystems{
		OutgoingTcp: &fakeOutgoing{},
		OutgoingUdp: &fakeOutgoing{},
		Mirror:      fakeMirror{},
		Steal:       &fakeSteal{},
		File:        fileCollaborator{},
		Dns:         dnsCollaborator{},
		Env:         envCollaborator{},
	}
	sess := newTestSession(t, agentSide, subs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	if err := protocol.EncodeClientMessage(layerSide, protocol.Ping{}, protocol.CurrentVersion); err != nil {
		t.Fatalf("encode ping: %v", err)
	}

	layerSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := protocol.DecodeDaemonMessage(bufio.NewReader(layerSide))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := got.(protocol.Pong); !ok {
		t.Errorf("got %T, want Pong", got)
	}
}

// TestSession_SendDrainedToTransport verifies Session.Send delivers a
// subsystem-originated DaemonMessage to the layer without requiring a
// matching ClientMessage first.
func TestSession_SendDrainedToTransport(t *testing.T) {
	agentSide, layerSide := net.Pipe()
	defer agentSide.Close()
	defer layerSide.Close()

	subs := Subsystems{
		OutgoingTcp: &fakeOutgoing{},
		OutgoingUdp: &fakeOutgoing{},
		Mirror:      fakeMirror{},
		Steal:       &fakeSteal{},
		File:        fileCollaborator{},
		Dns:         dnsCollaborator{},
		Env:         envCollaborator{},
	}
	sess := newTestSession(t, agentSide, subs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	sess.Send(protocol.TcpNewConnection{Id: 9, DestinationPort: 80, Source: "1.1.1.1:1"})

	layerSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := protocol.DecodeDaemonMessage(bufio.NewReader(layerSide))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := protocol.TcpNewConnection{Id: 9, DestinationPort: 80, Source: "1.1.1.1:1"}
	if got != want {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

// TestSession_SendAfterCloseDoesNotBlock verifies Send on a torn-down
// session returns immediately instead of blocking forever on a full
// or abandoned queue.
func TestSession_SendAfterCloseDoesNotBlock(t *testing.T) {
	agentSide, layerSide := net.Pipe()
	defer layerSide.Close()

	subs := Subsystems{
		OutgoingTcp: &fakeOutgoing{},
		OutgoingUdp: &fakeOutgoing{},
		Mirror:      fakeMirror{},
		Steal:       &fakeSteal{},
		File:        fileCollaborator{},
		Dns:         dnsCollaborator{},
		Env:         envCollaborator{},
	}
	sess := newTestSession(t, agentSide, subs)

	ctx, cancel := context.WithCancel(context.Background())
	go sess.Run(ctx)
	cancel()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		sess.Send(protocol.Pong{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked after session close")
	}
}
