package httpfilter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/otterscale/netshift-agent/internal/protocol"
)

// http2Preface is the client connection preface every HTTP/2
// connection starts with, RFC 9113 §3.4.
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// h2Stream accumulates one HTTP/2 request until its END_STREAM,
// mirroring what http.ReadRequest assembles for HTTP/1.1 in a single
// blocking call.
type h2Stream struct {
	id      uint32
	method  string
	path    string
	headers []protocol.HeaderField
	body    bytes.Buffer
	matched bool
	reqID   protocol.RequestId
}

// h2Conn demultiplexes one stolen HTTP/2 connection: it decodes
// HEADERS/DATA frames per stream, evaluates the subscription's filter
// against each request's pseudo-headers and header fields, and either
// hands a matching stream's request to the owning client (the same
// TcpStealHttpRequest/TcpStealHttpResponse round trip HTTP/1.1 uses,
// tagged with the originating stream id) or relays a non-matching
// stream's frames to the pod's real listener over its own HTTP/2
// connection. It implements responseSink so Router.HandleResponse can
// deliver a client's answer straight to the right stream.
type h2Conn struct {
	r           *Router
	ctx         context.Context
	connID      protocol.ConnectionId
	subs        []compiledSub
	originalDst *net.TCPAddr

	client     net.Conn
	framer     *http2.Framer
	writeMu    sync.Mutex
	encBuf     bytes.Buffer
	encoder    *hpack.Encoder

	mu        sync.Mutex
	streams   map[uint32]*h2Stream
	reqStream map[protocol.RequestId]uint32
	nextReqID protocol.RequestId

	targetOnce   sync.Once
	target       net.Conn
	targetFramer *http2.Framer
	targetWriteMu sync.Mutex
	targetEncBuf bytes.Buffer
	targetEncoder *hpack.Encoder
	targetErr    error
}

// serveHTTP2 runs the HTTP/2 demultiplexer for one stolen connection.
// br has already had the client connection preface discarded.
// compileSubs sorts subs by ascending ClientId, same as on Serve's
// HTTP/1 path, so matchSub's first hit is the lowest ClientId that
// matches.
func (r *Router) serveHTTP2(ctx context.Context, conn net.Conn, br *bufio.Reader, connID protocol.ConnectionId, subs []protocol.HttpFilterSubscription, originalDst *net.TCPAddr) {
	compiled, err := compileSubs(subs)
	if err != nil {
		r.log.Warn("invalid http filter", "err", err)
		return
	}

	h := &h2Conn{
		r:           r,
		ctx:         ctx,
		connID:      connID,
		subs:        compiled,
		originalDst: originalDst,
		client:      conn,
		streams:     make(map[uint32]*h2Stream),
		reqStream:   make(map[protocol.RequestId]uint32),
	}

	h.framer = http2.NewFramer(conn, br)
	h.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	h.encoder = hpack.NewEncoder(&h.encBuf)

	r.mu.Lock()
	r.filter[connID] = h
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.filter, connID)
		r.mu.Unlock()
		if h.target != nil {
			h.target.Close()
		}
	}()

	if err := h.writeClientFrame(func() error {
		return h.framer.WriteSettings()
	}); err != nil {
		r.log.Warn("http2 write initial settings failed", "err", err)
		return
	}

	for {
		frame, err := h.framer.ReadFrame()
		if err != nil {
			return
		}

		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			h.onHeaders(f)
		case *http2.DataFrame:
			h.onData(f)
		case *http2.SettingsFrame:
			if !f.IsAck() {
				if err := h.writeClientFrame(func() error { return h.framer.WriteSettingsAck() }); err != nil {
					return
				}
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				if err := h.writeClientFrame(func() error { return h.framer.WritePing(true, f.Data) }); err != nil {
					return
				}
			}
		case *http2.RSTStreamFrame:
			h.mu.Lock()
			delete(h.streams, f.Header().StreamID)
			h.mu.Unlock()
		case *http2.GoAwayFrame:
			return
		case *http2.WindowUpdateFrame, *http2.PriorityFrame:
			// No flow-control throttling or stream prioritization is
			// implemented: every advertised window is treated as large
			// enough for the request/response sizes this filter is
			// meant to steal, and priority hints are ignored.
		}
	}
}

// writeClientFrame serializes writes to the client connection: the
// main read loop and the passthrough-target relay goroutine (see
// forwardTargetResponses) can both write frames concurrently, and
// http2.Framer is not safe for concurrent writers.
func (h *h2Conn) writeClientFrame(write func() error) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return write()
}

func (h *h2Conn) onHeaders(f *http2.MetaHeadersFrame) {
	streamID := f.Header().StreamID

	st := &h2Stream{id: streamID}
	for _, field := range f.Fields {
		switch field.Name {
		case ":method":
			st.method = field.Value
		case ":path":
			st.path = field.Value
		case ":authority", ":scheme":
			// Not needed to build protocol.InternalHttpRequest's Uri;
			// kept off the header list like http.ReadRequest does for
			// HTTP/1.1's request line.
		default:
			st.headers = append(st.headers, protocol.HeaderField{Name: field.Name, Value: field.Value})
		}
	}

	h.mu.Lock()
	h.streams[streamID] = st
	h.mu.Unlock()

	if f.StreamEnded() {
		h.dispatch(st)
	}
}

func (h *h2Conn) onData(f *http2.DataFrame) {
	streamID := f.Header().StreamID

	h.mu.Lock()
	st := h.streams[streamID]
	h.mu.Unlock()
	if st == nil {
		return
	}
	st.body.Write(f.Data())

	if f.StreamEnded() {
		h.dispatch(st)
	}
}

// dispatch evaluates st's filter match once its request is fully
// assembled, then either forwards it to the owning client or relays
// it to the pod's real listener.
func (h *h2Conn) dispatch(st *h2Stream) {
	body := append([]byte(nil), st.body.Bytes()...)
	req := protocol.InternalHttpRequest{
		Method:       st.method,
		Uri:          st.path,
		Headers:      st.headers,
		Version:      "HTTP/2.0",
		Body:         body,
		FrameMapping: []protocol.Frame{{Start: 0, End: len(body)}},
		StreamID:     st.id,
	}

	if clientID, ok := matchSub(h.subs, req); ok {
		h.mu.Lock()
		reqID := h.nextReqID
		h.nextReqID++
		h.reqStream[reqID] = st.id
		h.mu.Unlock()
		st.matched = true
		st.reqID = reqID

		if h.r.metrics != nil {
			h.r.metrics.IncHTTPExchange(h.ctx)
		}
		h.r.send.Send(clientID, protocol.TcpStealHttpRequest{ConnId: h.connID, ReqId: reqID, Request: req})
		return
	}

	h.passthroughStream(st, req)
}

// deliver implements responseSink: h2 streams don't pipeline, so the
// response is written as soon as it arrives with no ordering to wait
// on, unlike *exchange.deliver for HTTP/1.1.
func (h *h2Conn) deliver(reqID protocol.RequestId, resp protocol.InternalHttpResponse) {
	h.mu.Lock()
	streamID, ok := h.reqStream[reqID]
	delete(h.reqStream, reqID)
	h.mu.Unlock()
	if !ok {
		return
	}

	if h.r.metrics != nil {
		h.r.metrics.DecHTTPExchange(h.ctx)
	}

	h.writeResponseFrames(streamID, resp)
}

// writeResponseFrames encodes and writes a matched stream's response.
// Encoding (which mutates the connection-wide HPACK dynamic table) and
// the frame write both happen under writeMu, since this can run
// concurrently with forwardTargetResponses relaying a different
// stream's response on the same client-side encoder.
func (h *h2Conn) writeResponseFrames(streamID uint32, resp protocol.InternalHttpResponse) {
	h.writeClientFrame(func() error {
		h.encBuf.Reset()
		h.encoder.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(resp.StatusCode)})
		hasLength := false
		for _, hd := range resp.Headers {
			if strings.EqualFold(hd.Name, "content-length") {
				hasLength = true
			}
			h.encoder.WriteField(hpack.HeaderField{Name: strings.ToLower(hd.Name), Value: hd.Value})
		}
		if !hasLength {
			h.encoder.WriteField(hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(resp.Body))})
		}
		block := append([]byte(nil), h.encBuf.Bytes()...)

		if err := h.framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      streamID,
			BlockFragment: block,
			EndHeaders:    true,
			EndStream:     len(resp.Body) == 0,
		}); err != nil {
			return err
		}
		if len(resp.Body) == 0 {
			return nil
		}
		return h.framer.WriteData(streamID, true, resp.Body)
	})
}

// passthroughStream relays a non-matching stream's request to the
// pod's real listener over the agent's own HTTP/2 connection to that
// listener, reusing the client's stream id (valid since the client
// already allocates stream ids in increasing odd order, the same rule
// this connection must itself follow toward target).
func (h *h2Conn) passthroughStream(st *h2Stream, req protocol.InternalHttpRequest) {
	if err := h.dialTarget(); err != nil {
		h.r.log.Warn("http2 passthrough dial failed", "err", err)
		return
	}

	h.targetEncBuf.Reset()
	h.targetEncoder.WriteField(hpack.HeaderField{Name: ":method", Value: req.Method})
	h.targetEncoder.WriteField(hpack.HeaderField{Name: ":path", Value: req.Uri})
	h.targetEncoder.WriteField(hpack.HeaderField{Name: ":scheme", Value: "http"})
	h.targetEncoder.WriteField(hpack.HeaderField{Name: ":authority", Value: h.originalDst.String()})
	for _, hd := range req.Headers {
		h.targetEncoder.WriteField(hpack.HeaderField{Name: strings.ToLower(hd.Name), Value: hd.Value})
	}
	block := append([]byte(nil), h.targetEncBuf.Bytes()...)

	h.targetWriteMu.Lock()
	err := h.targetFramer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      st.id,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     len(req.Body) == 0,
	})
	if err == nil && len(req.Body) > 0 {
		err = h.targetFramer.WriteData(st.id, true, req.Body)
	}
	h.targetWriteMu.Unlock()
	if err != nil {
		h.r.log.Warn("http2 passthrough write failed", "err", err)
	}
}

// dialTarget lazily opens the shared HTTP/2 connection to the pod's
// real listener the first time a passthrough stream needs it, and
// starts the goroutine relaying its responses back to the client.
func (h *h2Conn) dialTarget() error {
	h.targetOnce.Do(func() {
		conn, err := h.r.dial.DialContext(h.ctx, "tcp", h.originalDst.String())
		if err != nil {
			h.targetErr = fmt.Errorf("httpfilter: dial http2 passthrough target: %w", err)
			return
		}
		if _, err := conn.Write([]byte(http2Preface)); err != nil {
			h.targetErr = fmt.Errorf("httpfilter: write http2 preface: %w", err)
			conn.Close()
			return
		}

		h.target = conn
		h.targetFramer = http2.NewFramer(conn, conn)
		h.targetFramer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
		h.targetEncoder = hpack.NewEncoder(&h.targetEncBuf)

		if err := h.targetFramer.WriteSettings(); err != nil {
			h.targetErr = fmt.Errorf("httpfilter: write http2 settings: %w", err)
			conn.Close()
			return
		}

		go h.forwardTargetResponses()
	})
	return h.targetErr
}

// forwardTargetResponses reads frames off the passthrough target
// connection and relays each one to the client on the same stream id,
// re-encoding headers through the client-side encoder since HPACK
// compression state is never shared across connections.
func (h *h2Conn) forwardTargetResponses() {
	for {
		frame, err := h.targetFramer.ReadFrame()
		if err != nil {
			return
		}

		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			h.writeClientFrame(func() error {
				h.encBuf.Reset()
				for _, field := range f.Fields {
					h.encoder.WriteField(field)
				}
				block := append([]byte(nil), h.encBuf.Bytes()...)
				return h.framer.WriteHeaders(http2.HeadersFrameParam{
					StreamID:      f.Header().StreamID,
					BlockFragment: block,
					EndHeaders:    true,
					EndStream:     f.StreamEnded(),
				})
			})
		case *http2.DataFrame:
			h.writeClientFrame(func() error {
				return h.framer.WriteData(f.Header().StreamID, f.StreamEnded(), f.Data())
			})
		case *http2.SettingsFrame:
			if !f.IsAck() {
				h.targetWriteMu.Lock()
				h.targetFramer.WriteSettingsAck()
				h.targetWriteMu.Unlock()
			}
		case *http2.GoAwayFrame:
			return
		}
	}
}
