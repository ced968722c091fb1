// Package steal implements TCP steal mode: instead of merely mirroring
// traffic, the Manager redirects every packet bound for a subscribed
// port to a single agent-owned listener (via iptables), recovers the
// connection's real destination with SO_ORIGINAL_DST, and forwards
// the connection's bytes (or, for HTTP-filtered subscriptions, parsed
// requests) to the subscribing client instead of letting the target
// process ever see it.
package steal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/otterscale/netshift-agent/internal/protocol"
	"github.com/otterscale/netshift-agent/internal/steal/iptables"
)

// Sender is the narrow surface Manager needs to push DaemonMessages
// back to a specific client's Dispatcher session.
type Sender interface {
	Send(clientID protocol.ClientId, msg protocol.DaemonMessage)
}

// HTTPRouter hands a raw accepted connection known to carry HTTP
// traffic off to internal/httpfilter for request/response splicing.
// subs lists every live subscription sharing the port, sorted by
// ascending ClientId: when more than one filter matches the same
// request, the lowest ClientId wins, per the steal ambiguity rule.
type HTTPRouter interface {
	Serve(ctx context.Context, conn net.Conn, connID protocol.ConnectionId, subs []protocol.HttpFilterSubscription, originalDst *net.TCPAddr)
	HandleResponse(connID protocol.ConnectionId, reqID protocol.RequestId, resp protocol.InternalHttpResponse)
}

type subscription struct {
	clientID protocol.ClientId
	stype    protocol.StealType
	mirror   bool // true for a TcpPortSubscribe (non-stealing) subscription
}

// Recorder is the narrow surface Manager needs from internal/metrics.
// Nil is valid: every call becomes a no-op.
type Recorder interface {
	IncStolenConnection(ctx context.Context)
	DecStolenConnection(ctx context.Context)
	RecordIPTablesFailure(ctx context.Context)
}

// Manager owns the single steal listener and every active redirect.
type Manager struct {
	ipt     *iptables.SafeTables
	send    Sender
	router  HTTPRouter
	metrics Recorder
	log     *slog.Logger

	ln         net.Listener
	listenPort uint16

	mu           sync.Mutex
	bySourcePort map[uint16][]subscription // redirected_port -> every live subscription, disjoint filters
	byConnection map[protocol.ConnectionId]net.Conn
	nextID       protocol.ConnectionId
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithHTTPRouter installs the collaborator responsible for HTTP-aware
// stolen connections.
func WithHTTPRouter(r HTTPRouter) Option {
	return func(m *Manager) { m.router = r }
}

// WithMetrics installs the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// New starts the shared steal listener on an ephemeral port and
// returns a Manager ready to accept PortSubscribe calls. ipt must
// already have its chains installed (see iptables.New).
func New(ctx context.Context, ipt *iptables.SafeTables, send Sender, opts ...Option) (*Manager, error) {
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("steal: listen: %w", err)
	}

	m := &Manager{
		ipt:          ipt,
		send:         send,
		ln:           ln,
		listenPort:   uint16(ln.Addr().(*net.TCPAddr).Port),
		bySourcePort: make(map[uint16][]subscription),
		byConnection: make(map[protocol.ConnectionId]net.Conn),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.Default().With("component", "steal")
	}

	go m.acceptLoop(ctx)
	return m, nil
}

// PortSubscribe installs a redirect rule sending traffic on st.Port to
// the shared listener and records clientID's subscription. A port may
// carry subscriptions from several clients at once, provided their
// HTTP filters are disjoint (the ambiguity rule in handleConnection
// picks the lowest ClientId when more than one matches); subscribing
// twice from the SAME client replaces its own prior subscription,
// which is how a re-run layer session reclaims a port after a crash.
func (m *Manager) PortSubscribe(clientID protocol.ClientId, st protocol.StealType) error {
	st = st.Normalize()

	wasEmpty := m.upsertSubscription(st.Port, subscription{clientID: clientID, stype: st})
	if !wasEmpty {
		return nil
	}
	ctx := context.Background()
	if err := m.ipt.AddRedirect(ctx, st.Port, m.listenPort); err != nil {
		if m.metrics != nil {
			m.metrics.RecordIPTablesFailure(ctx)
		}
		return fmt.Errorf("steal: add redirect for port %d: %w", st.Port, err)
	}
	return nil
}

// subscribeMirror installs a redirect rule for port exactly like
// PortSubscribe, but tags the subscription as non-stealing: accepted
// connections are relayed on to their real destination as well as
// reported to clientID, rather than answered exclusively by the
// client. Used by MirrorManager to back dispatcher.TcpSubsystem.
func (m *Manager) subscribeMirror(clientID protocol.ClientId, port uint16) error {
	wasEmpty := m.upsertSubscription(port, subscription{clientID: clientID, stype: protocol.StealType{Port: port}, mirror: true})
	if !wasEmpty {
		return nil
	}
	ctx := context.Background()
	if err := m.ipt.AddRedirect(ctx, port, m.listenPort); err != nil {
		if m.metrics != nil {
			m.metrics.RecordIPTablesFailure(ctx)
		}
		return fmt.Errorf("steal: add mirror redirect for port %d: %w", port, err)
	}
	return nil
}

// upsertSubscription installs sub for its port: a subscription already
// owned by sub.clientID is replaced in place, otherwise sub joins the
// port's subscription set alongside the others. Reports whether the
// port had no subscriptions before this call, so the caller knows
// whether the iptables redirect still needs installing.
func (m *Manager) upsertSubscription(port uint16, sub subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.bySourcePort[port]
	wasEmpty := len(subs) == 0
	for i, existing := range subs {
		if existing.clientID == sub.clientID {
			subs[i] = sub
			return wasEmpty
		}
	}
	m.bySourcePort[port] = append(subs, sub)
	return wasEmpty
}

// PortUnsubscribe drops clientID's subscription for port, removing the
// redirect rule once no client has a live subscription left on it.
func (m *Manager) PortUnsubscribe(clientID protocol.ClientId, port uint16) error {
	m.mu.Lock()
	subs := m.bySourcePort[port]
	kept := subs[:0]
	removed := false
	for _, s := range subs {
		if s.clientID == clientID {
			removed = true
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		delete(m.bySourcePort, port)
	} else {
		m.bySourcePort[port] = kept
	}
	m.mu.Unlock()

	if !removed || len(kept) > 0 {
		return nil
	}
	ctx := context.Background()
	if err := m.ipt.RemoveRedirect(ctx, port, m.listenPort); err != nil {
		if m.metrics != nil {
			m.metrics.RecordIPTablesFailure(ctx)
		}
		return fmt.Errorf("steal: remove redirect for port %d: %w", port, err)
	}
	return nil
}

// ConnectionUnsubscribe closes a single stolen connection.
func (m *Manager) ConnectionUnsubscribe(id protocol.ConnectionId) error {
	m.mu.Lock()
	conn, ok := m.byConnection[id]
	delete(m.byConnection, id)
	m.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
	return nil
}

// Write sends raw bytes back into a StealAll connection.
func (m *Manager) Write(id protocol.ConnectionId, b []byte) error {
	m.mu.Lock()
	conn, ok := m.byConnection[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := conn.Write(b)
	return err
}

// HttpResponse delivers the layer's answer to a previously forwarded
// TcpStealHttpRequest. The actual response write happens inside
// internal/httpfilter, which tracks the per-connection pipelining
// order Manager itself has no visibility into.
func (m *Manager) HttpResponse(connID protocol.ConnectionId, reqID protocol.RequestId, resp protocol.InternalHttpResponse) error {
	if m.router == nil {
		return fmt.Errorf("steal: http response for connection %d with no HTTPRouter installed", connID)
	}
	m.router.HandleResponse(connID, reqID, resp)
	return nil
}

// acceptLoop accepts connections on the shared listener, recovers
// each one's pre-redirect destination port via SO_ORIGINAL_DST, and
// routes it to the owning subscription.
func (m *Manager) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = m.ln.Close()
	}()

	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		go m.handleConnection(ctx, conn)
	}
}

func (m *Manager) handleConnection(ctx context.Context, conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return
	}

	dst, err := originalDestination(tcpConn)
	if err != nil {
		m.log.Warn("steal: original destination lookup failed", "err", err)
		conn.Close()
		return
	}

	m.mu.Lock()
	subs := append([]subscription(nil), m.bySourcePort[uint16(dst.Port)]...)
	if len(subs) == 0 {
		m.mu.Unlock()
		conn.Close()
		return
	}
	id := m.nextID
	m.nextID++
	m.byConnection[id] = conn
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.IncStolenConnection(ctx)
	}

	source := conn.RemoteAddr().String()

	// A port can carry a mirror subscription, several StealAll
	// subscriptions, and several HTTP-filtered subscriptions all at
	// once; whichever kind applies to this connection, ambiguity
	// between several clients of the same kind resolves to the lowest
	// ClientId, per the steal ambiguity rule.
	if mirror, ok := lowestClientSub(subs, func(s subscription) bool { return s.mirror }); ok {
		m.send.Send(mirror.clientID, protocol.TcpNewConnection{
			Id:              id,
			DestinationPort: uint16(dst.Port),
			Source:          source,
		})
		m.pumpMirror(ctx, mirror.clientID, id, conn, dst)
		return
	}

	if stealAll, ok := lowestClientSub(subs, func(s subscription) bool { return s.stype.Kind == protocol.StealAll }); ok {
		m.send.Send(stealAll.clientID, protocol.TcpStealNewConnection{
			Id:              id,
			DestinationPort: uint16(dst.Port),
			Source:          source,
		})
		m.pumpRaw(stealAll.clientID, id, conn)
		return
	}

	defer m.forgetConnection(ctx, id)

	if m.router == nil {
		conn.Close()
		return
	}

	httpSubs := make([]protocol.HttpFilterSubscription, 0, len(subs))
	for _, s := range subs {
		httpSubs = append(httpSubs, protocol.HttpFilterSubscription{ClientID: s.clientID, Filter: s.stype.Filter})
	}
	sort.Slice(httpSubs, func(i, j int) bool { return httpSubs[i].ClientID < httpSubs[j].ClientID })
	m.router.Serve(ctx, conn, id, httpSubs, dst)
}

// lowestClientSub returns the subscription matching pred with the
// smallest ClientId, implementing the "lowest ClientId wins" rule
// when a port has more than one subscription of the same kind.
func lowestClientSub(subs []subscription, pred func(subscription) bool) (subscription, bool) {
	var best subscription
	found := false
	for _, s := range subs {
		if !pred(s) {
			continue
		}
		if !found || s.clientID < best.clientID {
			best = s
			found = true
		}
	}
	return best, found
}

// forgetConnection drops id's bookkeeping once its handler (pumpRaw or
// the HTTP router's Serve) has returned and its connection is closed.
func (m *Manager) forgetConnection(ctx context.Context, id protocol.ConnectionId) {
	m.mu.Lock()
	delete(m.byConnection, id)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.DecStolenConnection(ctx)
	}
}

// pumpRaw forwards bytes read from a StealAll connection as
// TcpStealData messages until EOF or error.
func (m *Manager) pumpRaw(clientID protocol.ClientId, id protocol.ConnectionId, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			m.send.Send(clientID, protocol.TcpStealData{Id: id, Bytes: out})
		}
		if err != nil {
			conn.Close()
			m.forgetConnection(context.Background(), id)
			m.send.Send(clientID, protocol.TcpStealClose{Id: id})
			return
		}
	}
}

// pumpMirror relays conn to its real destination unmodified, while
// also reporting a duplicate of every byte read from the client side
// as TcpData so the owning layer sees a copy without the target pod
// ever losing the connection, unlike StealAll.
func (m *Manager) pumpMirror(ctx context.Context, clientID protocol.ClientId, id protocol.ConnectionId, conn net.Conn, dst *net.TCPAddr) {
	defer m.forgetConnection(ctx, id)
	defer conn.Close()

	target, err := net.DialTCP("tcp", nil, dst)
	if err != nil {
		m.log.Warn("mirror dial to original destination failed", "err", err)
		return
	}
	defer target.Close()

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				out := make([]byte, n)
				copy(out, buf[:n])
				if _, werr := target.Write(out); werr != nil {
					return
				}
				m.send.Send(clientID, protocol.TcpData{Id: id, Bytes: out})
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		io.Copy(conn, target)
	}()
	<-done
	m.send.Send(clientID, protocol.TcpClose{Id: id})
}

// Close tears down the shared listener and removes every installed
// redirect, releasing the managed iptables chains.
func (m *Manager) Close(ctx context.Context) error {
	_ = m.ln.Close()
	return m.ipt.Close(ctx)
}
