// Package httpfilter implements the stolen-connection HTTP splitter:
// it reads HTTP/1.1 requests (or, after an HTTP/2 preface, each HTTP/2
// stream, see http2.go) off a stolen connection, decides per request
// whether it matches a subscription's header/path filter, and either
// forwards the request to the owning client for a reply or passes it
// straight through to the pod's real listener unmodified.
package httpfilter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sort"
	"sync"

	"github.com/otterscale/netshift-agent/internal/protocol"
)

// Sender pushes a DaemonMessage to the client that owns a stolen
// connection.
type Sender interface {
	Send(clientID protocol.ClientId, msg protocol.DaemonMessage)
}

// Dialer opens a connection to the pod's real listener for requests
// that don't match the subscription's filter, so traffic the operator
// didn't ask to steal keeps flowing to the application.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Recorder is the narrow surface Router needs from internal/metrics.
// Nil is valid: every call becomes a no-op.
type Recorder interface {
	IncHTTPExchange(ctx context.Context)
	DecHTTPExchange(ctx context.Context)
}

// Router is the HTTPRouter collaborator internal/steal depends on.
type Router struct {
	send    Sender
	dial    Dialer
	log     *slog.Logger
	metrics Recorder
	filter  map[protocol.ConnectionId]responseSink

	mu sync.Mutex
}

// responseSink delivers a layer's answer to a previously forwarded
// TcpStealHttpRequest back to whichever connection is waiting for it.
// *exchange implements this for HTTP/1.1 (queueing behind
// waitAndWrite's pipelining order); *h2Conn implements it for HTTP/2
// (writing the stream's response frames directly, since h2 streams
// don't need response ordering).
type responseSink interface {
	deliver(reqID protocol.RequestId, resp protocol.InternalHttpResponse)
}

// NewRouter constructs a Router. dial is used for filter misses; pass
// a *net.Dialer in production. No metrics are recorded until
// WithMetrics installs a Recorder.
func NewRouter(send Sender, dial Dialer, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default().With("component", "httpfilter")
	}
	return &Router{
		send:   send,
		dial:   dial,
		log:    log,
		filter: make(map[protocol.ConnectionId]responseSink),
	}
}

// WithMetrics installs the metrics recorder after construction, since
// NewRouter's signature is shared with the pre-metrics call sites in
// tests.
func (r *Router) WithMetrics(m Recorder) *Router {
	r.metrics = m
	return r
}

// exchange tracks per-connection request/response pairing so
// pipelined requests get answered in the order they were received,
// even if the client answers them out of order.
type exchange struct {
	mu       sync.Mutex
	nextReq  protocol.RequestId
	pending  map[protocol.RequestId]protocol.InternalHttpResponse
	writeSeq protocol.RequestId
	replyCh  chan struct{}
}

// compiledSub is one subscription's filter, pre-compiled once per
// connection instead of once per request.
type compiledSub struct {
	clientID protocol.ClientId
	kind     protocol.HttpFilterKind
	re       *regexp.Regexp
}

// compileSubs compiles every subscription's filter and sorts the
// result by ascending ClientId, regardless of the order subs arrived
// in, so matchSub's first hit is always the lowest ClientId that
// matches — the steal ambiguity rule.
func compileSubs(subs []protocol.HttpFilterSubscription) ([]compiledSub, error) {
	out := make([]compiledSub, 0, len(subs))
	for _, s := range subs {
		re, err := compileFilter(s.Filter)
		if err != nil {
			return nil, err
		}
		out = append(out, compiledSub{clientID: s.ClientID, kind: s.Filter.Kind, re: re})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].clientID < out[j].clientID })
	return out, nil
}

// matchSub returns the first (lowest ClientId) compiled subscription
// whose filter matches req.
func matchSub(subs []compiledSub, req protocol.InternalHttpRequest) (protocol.ClientId, bool) {
	for _, s := range subs {
		if matches(s.re, s.kind, req) {
			return s.clientID, true
		}
	}
	return 0, false
}

// Serve reads requests from conn (a stolen connection) until it
// closes, dispatching each one to the lowest-ClientId subscription in
// subs whose filter matches, or passing it through untouched if none
// do. subs may arrive in any order: compileSubs sorts them by
// ascending ClientId.
func (r *Router) Serve(ctx context.Context, conn net.Conn, connID protocol.ConnectionId, subs []protocol.HttpFilterSubscription, originalDst *net.TCPAddr) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	if isHTTP2Preface(br) {
		if _, err := br.Discard(len(http2Preface)); err != nil {
			r.log.Warn("http2 preface discard failed", "err", err)
			return
		}
		r.serveHTTP2(ctx, conn, br, connID, subs, originalDst)
		return
	}

	compiled, err := compileSubs(subs)
	if err != nil {
		r.log.Warn("invalid http filter", "err", err)
		return
	}

	ex := &exchange{pending: make(map[protocol.RequestId]protocol.InternalHttpResponse), replyCh: make(chan struct{}, 1)}
	r.mu.Lock()
	r.filter[connID] = ex
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.filter, connID)
		r.mu.Unlock()
	}()

	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		body, _ := io.ReadAll(io.LimitReader(req.Body, 16<<20))
		req.Body.Close()

		internalReq := toInternalRequest(req, body)

		if clientID, ok := matchSub(compiled, internalReq); ok {
			r.stealRequest(clientID, connID, ex, internalReq, conn)
		} else if err := r.passthrough(ctx, conn, internalReq, originalDst); err != nil {
			r.log.Warn("http passthrough failed", "err", err)
			return
		}
	}
}

// stealRequest hands internalReq to the owning client and blocks this
// connection's response cursor until that request's answer (or every
// earlier pipelined request's answer) has been written back, so two
// concurrent exchanges on the same connection can't interleave their
// bodies.
func (r *Router) stealRequest(clientID protocol.ClientId, connID protocol.ConnectionId, ex *exchange, req protocol.InternalHttpRequest, conn net.Conn) {
	ex.mu.Lock()
	reqID := ex.nextReq
	ex.nextReq++
	ex.mu.Unlock()

	if r.metrics != nil {
		r.metrics.IncHTTPExchange(context.Background())
		defer r.metrics.DecHTTPExchange(context.Background())
	}

	r.send.Send(clientID, protocol.TcpStealHttpRequest{ConnId: connID, ReqId: reqID, Request: req})

	ex.waitAndWrite(reqID, conn)
}

// HandleResponse is called by the Dispatcher when a client answers a
// previously forwarded TcpStealHttpRequest.
func (r *Router) HandleResponse(connID protocol.ConnectionId, reqID protocol.RequestId, resp protocol.InternalHttpResponse) {
	r.mu.Lock()
	sink, ok := r.filter[connID]
	r.mu.Unlock()
	if !ok {
		return
	}
	sink.deliver(reqID, resp)
}

// deliver queues resp for waitAndWrite, which writes it once it's this
// request's turn in the connection's pipelining order.
func (ex *exchange) deliver(reqID protocol.RequestId, resp protocol.InternalHttpResponse) {
	ex.mu.Lock()
	ex.pending[reqID] = resp
	ex.mu.Unlock()
	select {
	case ex.replyCh <- struct{}{}:
	default:
	}
}

// waitAndWrite blocks until reqID's response has arrived and it is
// this connection's turn (writeSeq == reqID) to write it, preserving
// HTTP/1.1 pipelining order.
func (ex *exchange) waitAndWrite(reqID protocol.RequestId, conn net.Conn) {
	for {
		ex.mu.Lock()
		resp, ready := ex.pending[reqID]
		turn := ex.writeSeq == reqID
		if ready && turn {
			delete(ex.pending, reqID)
			ex.writeSeq++
			ex.mu.Unlock()
			writeResponse(conn, resp)
			return
		}
		ex.mu.Unlock()
		<-ex.replyCh
	}
}

// passthrough relays a non-matching request (and its response)
// straight to the pod's own listener, round-tripping through r.dial.
func (r *Router) passthrough(ctx context.Context, client net.Conn, req protocol.InternalHttpRequest, originalDst *net.TCPAddr) error {
	target, err := r.dial.DialContext(ctx, "tcp", originalDst.String())
	if err != nil {
		return fmt.Errorf("httpfilter: dial passthrough target: %w", err)
	}
	defer target.Close()

	httpReq, err := fromInternalRequest(req)
	if err != nil {
		return err
	}
	if err := httpReq.Write(target); err != nil {
		return fmt.Errorf("httpfilter: write passthrough request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(target), httpReq)
	if err != nil {
		return fmt.Errorf("httpfilter: read passthrough response: %w", err)
	}
	defer resp.Body.Close()

	return resp.Write(client)
}

func isHTTP2Preface(br *bufio.Reader) bool {
	peek, err := br.Peek(len(http2Preface))
	return err == nil && string(peek) == http2Preface
}
