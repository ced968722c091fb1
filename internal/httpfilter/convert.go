package httpfilter

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/otterscale/netshift-agent/internal/protocol"
)

// compileFilter compiles a subscription's regex, or matches nothing
// (nil) when the subscription steals everything on the port.
func compileFilter(f protocol.HttpFilter) (*regexp.Regexp, error) {
	if f.Regex == "" {
		return nil, nil
	}
	re, err := regexp.Compile(f.Regex)
	if err != nil {
		return nil, fmt.Errorf("compile filter regex %q: %w", f.Regex, err)
	}
	return re, nil
}

// matches reports whether req should be stolen: StealAll subscriptions
// (nil regex) match everything; header filters test every header line
// "Name: Value"; path filters test the request URI.
func matches(re *regexp.Regexp, kind protocol.HttpFilterKind, req protocol.InternalHttpRequest) bool {
	if re == nil {
		return true
	}
	switch kind {
	case protocol.HttpFilterPath:
		return re.MatchString(req.Uri)
	default: // HttpFilterHeader
		for _, h := range req.Headers {
			if re.MatchString(h.Name + ": " + h.Value) {
				return true
			}
		}
		return false
	}
}

func toInternalRequest(req *http.Request, body []byte) protocol.InternalHttpRequest {
	headers := make([]protocol.HeaderField, 0, len(req.Header))
	for name, values := range req.Header {
		for _, v := range values {
			headers = append(headers, protocol.HeaderField{Name: name, Value: v})
		}
	}
	return protocol.InternalHttpRequest{
		Method:  req.Method,
		Uri:     req.URL.RequestURI(),
		Headers: headers,
		Version: req.Proto,
		Body:    body,
		FrameMapping: []protocol.Frame{{Start: 0, End: len(body)}},
	}
}

func fromInternalRequest(req protocol.InternalHttpRequest) (*http.Request, error) {
	httpReq, err := http.NewRequest(req.Method, req.Uri, strings.NewReader(string(req.Body)))
	if err != nil {
		return nil, fmt.Errorf("httpfilter: rebuild request: %w", err)
	}
	httpReq.Header = make(http.Header)
	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}
	httpReq.ContentLength = int64(len(req.Body))
	return httpReq, nil
}

func writeResponse(conn net.Conn, resp protocol.InternalHttpResponse) {
	var b strings.Builder
	version := resp.Version
	if version == "" {
		version = "HTTP/1.1"
	}
	fmt.Fprintf(&b, "%s %d %s\r\n", version, resp.StatusCode, http.StatusText(resp.StatusCode))

	hasLength := false
	for _, h := range resp.Headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			hasLength = true
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	if !hasLength {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(resp.Body))
	}
	b.WriteString("\r\n")

	conn.Write([]byte(b.String()))
	conn.Write(resp.Body)
}
