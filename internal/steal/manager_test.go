package steal

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/otterscale/netshift-agent/internal/protocol"
	"github.com/otterscale/netshift-agent/internal/steal/iptables"
)

type fakeIPT struct {
	mu      sync.Mutex
	added   map[[2]uint16]int
	removed map[[2]uint16]int
}

func newFakeIPT() *fakeIPT {
	return &fakeIPT{added: map[[2]uint16]int{}, removed: map[[2]uint16]int{}}
}
func (f *fakeIPT) CreateChain(ctx context.Context, name string) error { return nil }
func (f *fakeIPT) RemoveChain(ctx context.Context, name string) error { return nil }
func (f *fakeIPT) AddRule(ctx context.Context, chain, rule string) error { return nil }
func (f *fakeIPT) InsertRule(ctx context.Context, chain, rule string, index int) error { return nil }
func (f *fakeIPT) ListRules(ctx context.Context, chain string) ([]string, error) { return nil, nil }
func (f *fakeIPT) RemoveRule(ctx context.Context, chain, rule string) error { return nil }

type fakeSender struct {
	mu   sync.Mutex
	msgs []protocol.DaemonMessage
}

func (f *fakeSender) Send(clientID protocol.ClientId, msg protocol.DaemonMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ipt, err := iptables.New(context.Background(), newFakeIPT(), false)
	if err != nil {
		t.Fatalf("iptables.New: %v", err)
	}
	m, err := New(context.Background(), ipt, &fakeSender{})
	if err != nil {
		t.Fatalf("steal.New: %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func TestManager_PortSubscribeIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	st := protocol.StealType{Kind: protocol.StealAll, Port: 8080}
	if err := m.PortSubscribe(1, st); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if err := m.PortSubscribe(1, st); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	m.mu.Lock()
	n := len(m.bySourcePort[8080])
	m.mu.Unlock()
	if n != 1 {
		t.Errorf("got %d subscriptions for the port, want 1", n)
	}
}

func TestManager_PortSubscribe_MultipleClientsCoexist(t *testing.T) {
	m := newTestManager(t)

	a := protocol.StealType{Kind: protocol.StealFilteredHttpEx, Port: 8081, Filter: protocol.HttpFilter{Kind: protocol.HttpFilterPath, Regex: "/a"}}
	b := protocol.StealType{Kind: protocol.StealFilteredHttpEx, Port: 8081, Filter: protocol.HttpFilter{Kind: protocol.HttpFilterPath, Regex: "/b"}}
	if err := m.PortSubscribe(5, a); err != nil {
		t.Fatalf("subscribe 5: %v", err)
	}
	if err := m.PortSubscribe(2, b); err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}

	m.mu.Lock()
	subs := append([]subscription(nil), m.bySourcePort[8081]...)
	m.mu.Unlock()
	if len(subs) != 2 {
		t.Fatalf("got %d subscriptions, want 2", len(subs))
	}

	// Re-subscribing from client 5 must replace its own entry in
	// place, not add a third.
	if err := m.PortSubscribe(5, a); err != nil {
		t.Fatalf("resubscribe 5: %v", err)
	}
	m.mu.Lock()
	n := len(m.bySourcePort[8081])
	m.mu.Unlock()
	if n != 2 {
		t.Errorf("resubscribing the same client changed the subscription count to %d, want 2", n)
	}
}

func TestManager_PortSubscribe_NormalizesLegacyStealType(t *testing.T) {
	m := newTestManager(t)

	legacy := protocol.StealType{
		Kind:   protocol.StealFilteredHttpLegacy,
		Port:   80,
		Filter: protocol.HttpFilter{Regex: "foo"},
	}
	if err := m.PortSubscribe(1, legacy); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m.mu.Lock()
	subs := m.bySourcePort[80]
	m.mu.Unlock()
	if len(subs) != 1 {
		t.Fatalf("got %d subscriptions, want 1", len(subs))
	}
	sub := subs[0]
	if sub.stype.Kind != protocol.StealFilteredHttpEx {
		t.Errorf("Kind = %v, want StealFilteredHttpEx", sub.stype.Kind)
	}
	if sub.stype.Filter.Kind != protocol.HttpFilterHeader {
		t.Errorf("Filter.Kind = %v, want HttpFilterHeader", sub.stype.Filter.Kind)
	}
}

func TestManager_PortUnsubscribe_OnlyOwnerCanRemove(t *testing.T) {
	m := newTestManager(t)

	st := protocol.StealType{Kind: protocol.StealAll, Port: 9090}
	if err := m.PortSubscribe(1, st); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// A different client unsubscribing the same port must be a no-op.
	if err := m.PortUnsubscribe(2, 9090); err != nil {
		t.Fatalf("unsubscribe by non-owner: %v", err)
	}
	m.mu.Lock()
	stillThere := len(m.bySourcePort[9090]) > 0
	m.mu.Unlock()
	if !stillThere {
		t.Fatal("non-owner unsubscribe removed the subscription")
	}

	if err := m.PortUnsubscribe(1, 9090); err != nil {
		t.Fatalf("unsubscribe by owner: %v", err)
	}
	m.mu.Lock()
	stillThere = len(m.bySourcePort[9090]) > 0
	m.mu.Unlock()
	if stillThere {
		t.Error("owner unsubscribe did not remove the subscription")
	}
}

func TestManager_ConnectionUnsubscribeClosesConnection(t *testing.T) {
	m := newTestManager(t)

	c1, c2 := netPipe()
	defer c2.Close()

	m.mu.Lock()
	m.byConnection[42] = c1
	m.mu.Unlock()

	if err := m.ConnectionUnsubscribe(42); err != nil {
		t.Fatalf("ConnectionUnsubscribe: %v", err)
	}

	buf := make([]byte, 1)
	if _, err := c2.Read(buf); err == nil {
		t.Error("expected read on peer to fail after connection closed")
	}
}

func TestManager_SubscribeMirrorTagsSubscription(t *testing.T) {
	m := newTestManager(t)

	mm := NewMirrorManager(m)
	if err := mm.PortSubscribe(1, 7070); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m.mu.Lock()
	subs := m.bySourcePort[7070]
	m.mu.Unlock()
	if len(subs) != 1 {
		t.Fatalf("got %d subscriptions, want 1", len(subs))
	}
	sub := subs[0]
	if !sub.mirror {
		t.Error("expected mirror subscription to be tagged mirror=true")
	}
	if sub.clientID != 1 {
		t.Errorf("clientID = %d, want 1", sub.clientID)
	}

	if err := mm.PortUnsubscribe(1, 7070); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	m.mu.Lock()
	stillThere := len(m.bySourcePort[7070]) > 0
	m.mu.Unlock()
	if stillThere {
		t.Error("expected mirror unsubscribe to remove subscription")
	}
}

func TestManager_PumpRawClosesConnOnEOF(t *testing.T) {
	clientSide, agentSide := netPipe()

	sender := &fakeSender{}
	m := &Manager{send: sender, log: slog.Default(), byConnection: map[protocol.ConnectionId]net.Conn{7: agentSide}}

	done := make(chan struct{})
	go func() {
		m.pumpRaw(1, 7, agentSide)
		close(done)
	}()

	clientSide.Close() // triggers EOF on agentSide's Read

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pumpRaw to finish")
	}

	m.mu.Lock()
	_, stillTracked := m.byConnection[7]
	m.mu.Unlock()
	if stillTracked {
		t.Error("pumpRaw did not forget the connection on EOF")
	}

	// The error branch must close the connection itself, not just drop
	// the bookkeeping entry, or the underlying fd leaks.
	if _, err := agentSide.Write([]byte("x")); err == nil {
		t.Error("expected write on agentSide to fail after pumpRaw's EOF cleanup closed it")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	var sawClose bool
	for _, msg := range sender.msgs {
		if c, ok := msg.(protocol.TcpStealClose); ok && c.Id == 7 {
			sawClose = true
		}
	}
	if !sawClose {
		t.Error("expected a TcpStealClose message once pumpRaw saw EOF")
	}
}

func TestManager_PumpMirrorRelaysAndReportsCopy(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer backend.Close()

	var received []byte
	backendDone := make(chan struct{})
	go func() {
		defer close(backendDone)
		conn, err := backend.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		received = buf[:n]
	}()

	clientSide, agentSide := netPipe()
	defer clientSide.Close()

	sender := &fakeSender{}
	m := &Manager{send: sender, log: slog.Default(), byConnection: map[protocol.ConnectionId]net.Conn{7: agentSide}}

	dst := backend.Addr().(*net.TCPAddr)
	done := make(chan struct{})
	go func() {
		m.pumpMirror(context.Background(), 1, 7, agentSide, dst)
		close(done)
	}()

	if _, err := clientSide.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	clientSide.Close()

	select {
	case <-backendDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backend to receive relayed data")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pumpMirror to finish")
	}

	if string(received) != "hello" {
		t.Errorf("backend received %q, want %q", received, "hello")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	var sawData, sawClose bool
	for _, msg := range sender.msgs {
		switch v := msg.(type) {
		case protocol.TcpData:
			if string(v.Bytes) == "hello" {
				sawData = true
			}
		case protocol.TcpClose:
			sawClose = true
		}
	}
	if !sawData {
		t.Error("expected a TcpData message carrying the relayed bytes")
	}
	if !sawClose {
		t.Error("expected a TcpClose message once the connection ended")
	}
}
