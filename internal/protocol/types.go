package protocol

// ConnectionId identifies a connection (outgoing, mirror, or steal)
// within a single session. Assigned by the component that created it.
type ConnectionId uint64

// RequestId identifies one HTTP request/response pair within a
// stolen HTTP connection. The tuple (ConnectionId, RequestId)
// uniquely identifies one HttpExchange.
type RequestId uint16

// ClientId identifies a Dispatcher session, monotonically allocated.
type ClientId uint64

// HttpFilterKind distinguishes the two ways a steal subscription can
// match HTTP requests.
type HttpFilterKind uint8

const (
	// HttpFilterHeader matches "name: value" header lines.
	HttpFilterHeader HttpFilterKind = iota
	// HttpFilterPath matches the request path and query.
	HttpFilterPath
)

// HttpFilter is a regex filter applied by HttpFilterRouter against
// either headers or the request path.
type HttpFilter struct {
	Kind   HttpFilterKind
	Regex  string
}

// StealTypeKind distinguishes the steal subscription variants.
type StealTypeKind uint8

const (
	// StealAll steals every connection on the port, bypassing HTTP parsing.
	StealAll StealTypeKind = iota
	// StealFilteredHttpLegacy is the legacy single-regex header filter.
	// Never emitted on the wire; normalized to StealFilteredHttpEx with
	// an HttpFilterHeader on decode.
	StealFilteredHttpLegacy
	// StealFilteredHttpEx steals only HTTP requests matching Filter.
	StealFilteredHttpEx
)

// HttpFilterSubscription pairs a subscribing client with the filter
// it registered for a port, so a port with several live subscriptions
// can be matched against all of them at once.
type HttpFilterSubscription struct {
	ClientID ClientId
	Filter   HttpFilter
}

// StealType describes what a TcpSteal PortSubscribe requests.
type StealType struct {
	Kind   StealTypeKind
	Port   uint16
	Filter HttpFilter // valid when Kind != StealAll
}

// Normalize coerces the legacy FilteredHttp(port, regex) variant into
// FilteredHttpEx(port, Header(regex)), per the resolved open question
// on StealType coercion. It is a no-op for other kinds.
func (s StealType) Normalize() StealType {
	if s.Kind == StealFilteredHttpLegacy {
		return StealType{
			Kind:   StealFilteredHttpEx,
			Port:   s.Port,
			Filter: HttpFilter{Kind: HttpFilterHeader, Regex: s.Filter.Regex},
		}
	}
	return s
}

// Frame is one piece of a framed HTTP body: either a span into the
// captured body buffer, or a trailer header set. It backs the
// pull-based frame_mapping iterator used to faithfully replay
// original HTTP/2 frame boundaries.
type Frame struct {
	IsTrailer bool
	Start     int // valid when !IsTrailer
	End       int // valid when !IsTrailer
	Trailer   map[string]string
}

// InternalHttpRequest is the wire representation of a captured HTTP
// request, used both for stolen requests forwarded to the layer and
// for the transparent proxy's internal bookkeeping.
type InternalHttpRequest struct {
	Method      string
	Uri         string
	Headers     []HeaderField // ordered, duplicates preserved
	Version     string        // "HTTP/1.1", "HTTP/2.0", ...
	Body        []byte
	FrameMapping []Frame // absent (nil) when the peer doesn't support framing
	StreamID    uint32   // HTTP/2 stream id; 0 for HTTP/1.x
}

// InternalHttpResponse is the wire representation of a response sent
// back by the layer for a stolen HTTP request.
type InternalHttpResponse struct {
	StatusCode   int
	Headers      []HeaderField
	Version      string
	Body         []byte
	FrameMapping []Frame
}

// HeaderField is one ordered header line; using a slice instead of a
// map preserves both insertion order and duplicate header names.
type HeaderField struct {
	Name  string
	Value string
}

// ResponseFromRequest builds a minimal InternalHttpResponse that
// answers req with the given status and body, copying its HTTP
// version. Its only caller is EmptyResponseFromRequest.
func ResponseFromRequest(req InternalHttpRequest, status int, body []byte) InternalHttpResponse {
	return InternalHttpResponse{
		StatusCode: status,
		Version:    req.Version,
		Body:       body,
		Headers: []HeaderField{
			{Name: "Content-Length", Value: itoa(len(body))},
			{Name: "Connection", Value: "close"},
		},
	}
}

// EmptyResponseFromRequest builds a zero-body response to req with the
// given status. Nothing in this module calls it: the HTTP filter router
// synthesizes no timeout response.
func EmptyResponseFromRequest(req InternalHttpRequest, status int) InternalHttpResponse {
	return ResponseFromRequest(req, status, nil)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Result carries a typed Ok/Err outcome across the wire, mirroring
// Rust's RemoteResult<T, ErrorKind>.
type Result[T any] struct {
	Ok  T
	Err *ErrorKind
}

// OkResult builds a successful Result.
func OkResult[T any](v T) Result[T] { return Result[T]{Ok: v} }

// ErrResult builds a failed Result.
func ErrResult[T any](kind ErrorKind) Result[T] { return Result[T]{Err: &kind} }

// IsOk reports whether the result succeeded.
func (r Result[T]) IsOk() bool { return r.Err == nil }
