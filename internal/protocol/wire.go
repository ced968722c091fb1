package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// wire.go implements the low-level length-delimited binary encoding
// primitives shared by every message variant: varint-length-prefixed
// byte strings, fixed-width integers, and ordered sequences. Frames
// are read from a *bufio.Reader so that Decode can be called
// repeatedly against one long-lived connection.

func writeUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func readUvarint(r io.ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeUvarint(w, uint64(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r *bufio.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r *bufio.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func readU8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func writeU16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeBool(w io.Writer, v bool) error {
	if v {
		return writeU8(w, 1)
	}
	return writeU8(w, 0)
}

func readBool(r io.Reader) (bool, error) {
	v, err := readU8(r)
	return v != 0, err
}

// writeFrame writes one length-delimited frame: a uvarint payload
// length followed by the payload bytes produced by encode.
func writeFrame(w io.Writer, encode func(io.Writer) error) error {
	var buf bufferWriter
	if err := encode(&buf); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(len(buf.b))); err != nil {
		return err
	}
	_, err := w.Write(buf.b)
	return err
}

// readFrame reads one length-delimited frame and returns a reader
// bounded to its payload.
func readFrame(r *bufio.Reader) (*bufio.Reader, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return bufio.NewReader(&sliceReader{buf}), nil
}

type sliceReader struct{ b []byte }

func (s *sliceReader) Read(p []byte) (int, error) {
	if len(s.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.b)
	s.b = s.b[n:]
	return n, nil
}

// bufferWriter is a minimal growable byte buffer implementing io.Writer,
// avoiding a bytes.Buffer import purely for symmetry with the rest of
// this file's small helpers.
type bufferWriter struct{ b []byte }

func (bw *bufferWriter) Write(p []byte) (int, error) {
	bw.b = append(bw.b, p...)
	return len(p), nil
}

// errUnknownTag is returned when a decoded tag byte doesn't match any
// known message variant.
func errUnknownTag(tag uint8) error {
	return fmt.Errorf("protocol: unknown message tag %d", tag)
}

func writeHeaderFields(w io.Writer, fields []HeaderField) error {
	if err := writeUvarint(w, uint64(len(fields))); err != nil {
		return err
	}
	for _, f := range fields {
		if err := writeString(w, f.Name); err != nil {
			return err
		}
		if err := writeString(w, f.Value); err != nil {
			return err
		}
	}
	return nil
}

func readHeaderFields(r *bufio.Reader) ([]HeaderField, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	fields := make([]HeaderField, 0, n)
	for i := uint64(0); i < n; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		value, err := readString(r)
		if err != nil {
			return nil, err
		}
		fields = append(fields, HeaderField{Name: name, Value: value})
	}
	return fields, nil
}

// writeFrameMapping writes the optional frame_mapping field, gated on
// peerVersion. When the peer doesn't support framed bodies, the
// absent variant (a zero count) is emitted regardless of frames.
func writeFrameMapping(w io.Writer, frames []Frame, peerVersion Version) error {
	if !SupportsFramedHTTPBody(peerVersion) {
		return writeUvarint(w, 0)
	}
	if err := writeUvarint(w, uint64(len(frames))); err != nil {
		return err
	}
	for _, f := range frames {
		if err := writeBool(w, f.IsTrailer); err != nil {
			return err
		}
		if f.IsTrailer {
			hdrs := make([]HeaderField, 0, len(f.Trailer))
			for k, v := range f.Trailer {
				hdrs = append(hdrs, HeaderField{Name: k, Value: v})
			}
			if err := writeHeaderFields(w, hdrs); err != nil {
				return err
			}
			continue
		}
		if err := writeUvarint(w, uint64(f.Start)); err != nil {
			return err
		}
		if err := writeUvarint(w, uint64(f.End)); err != nil {
			return err
		}
	}
	return nil
}

// readFrameMapping reads the frame_mapping field written by
// writeFrameMapping. An empty result means either "no frames" or "peer
// didn't support framing"; callers degrade to a single synthesized
// DataFrame covering the whole body in the latter case.
func readFrameMapping(r *bufio.Reader) ([]Frame, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	frames := make([]Frame, 0, n)
	for i := uint64(0); i < n; i++ {
		isTrailer, err := readBool(r)
		if err != nil {
			return nil, err
		}
		if isTrailer {
			hdrs, err := readHeaderFields(r)
			if err != nil {
				return nil, err
			}
			m := make(map[string]string, len(hdrs))
			for _, h := range hdrs {
				m[h.Name] = h.Value
			}
			frames = append(frames, Frame{IsTrailer: true, Trailer: m})
			continue
		}
		start, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		end, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame{Start: int(start), End: int(end)})
	}
	return frames, nil
}

// EffectiveFrameMapping returns req.FrameMapping if present, or a
// single DataFrame covering the whole body otherwise — the pull-based
// degrade-to-single-frame path used when the peer didn't support
// framed bodies (or simply sent none).
func EffectiveFrameMapping(body []byte, mapping []Frame) []Frame {
	if len(mapping) > 0 {
		return mapping
	}
	if len(body) == 0 {
		return nil
	}
	return []Frame{{Start: 0, End: len(body)}}
}

func writeErrorKind(w io.Writer, e *ErrorKind) error {
	if e == nil {
		return writeBool(w, false)
	}
	if err := writeBool(w, true); err != nil {
		return err
	}
	if err := writeString(w, e.Kind); err != nil {
		return err
	}
	return writeString(w, e.Message)
}

func readErrorKind(r *bufio.Reader) (*ErrorKind, error) {
	present, err := readBool(r)
	if err != nil || !present {
		return nil, err
	}
	kind, err := readString(r)
	if err != nil {
		return nil, err
	}
	msg, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &ErrorKind{Kind: kind, Message: msg}, nil
}

func writeHttpRequest(w io.Writer, req InternalHttpRequest, peerVersion Version) error {
	if err := writeString(w, req.Method); err != nil {
		return err
	}
	if err := writeString(w, req.Uri); err != nil {
		return err
	}
	if err := writeHeaderFields(w, req.Headers); err != nil {
		return err
	}
	if err := writeString(w, req.Version); err != nil {
		return err
	}
	if err := writeBytes(w, req.Body); err != nil {
		return err
	}
	if err := writeU32(w, req.StreamID); err != nil {
		return err
	}
	return writeFrameMapping(w, req.FrameMapping, peerVersion)
}

func readHttpRequest(r *bufio.Reader) (InternalHttpRequest, error) {
	var req InternalHttpRequest
	var err error
	if req.Method, err = readString(r); err != nil {
		return req, err
	}
	if req.Uri, err = readString(r); err != nil {
		return req, err
	}
	if req.Headers, err = readHeaderFields(r); err != nil {
		return req, err
	}
	if req.Version, err = readString(r); err != nil {
		return req, err
	}
	if req.Body, err = readBytes(r); err != nil {
		return req, err
	}
	if req.StreamID, err = readU32(r); err != nil {
		return req, err
	}
	if req.FrameMapping, err = readFrameMapping(r); err != nil {
		return req, err
	}
	return req, nil
}

func writeHttpResponse(w io.Writer, resp InternalHttpResponse, peerVersion Version) error {
	if err := writeUvarint(w, uint64(resp.StatusCode)); err != nil {
		return err
	}
	if err := writeHeaderFields(w, resp.Headers); err != nil {
		return err
	}
	if err := writeString(w, resp.Version); err != nil {
		return err
	}
	if err := writeBytes(w, resp.Body); err != nil {
		return err
	}
	return writeFrameMapping(w, resp.FrameMapping, peerVersion)
}

func readHttpResponse(r *bufio.Reader) (InternalHttpResponse, error) {
	var resp InternalHttpResponse
	code, err := readUvarint(r)
	if err != nil {
		return resp, err
	}
	resp.StatusCode = int(code)
	if resp.Headers, err = readHeaderFields(r); err != nil {
		return resp, err
	}
	if resp.Version, err = readString(r); err != nil {
		return resp, err
	}
	if resp.Body, err = readBytes(r); err != nil {
		return resp, err
	}
	if resp.FrameMapping, err = readFrameMapping(r); err != nil {
		return resp, err
	}
	return resp, nil
}

func writeStealType(w io.Writer, st StealType) error {
	if err := writeU8(w, uint8(st.Kind)); err != nil {
		return err
	}
	if err := writeU16(w, st.Port); err != nil {
		return err
	}
	if st.Kind == StealAll {
		return nil
	}
	if err := writeU8(w, uint8(st.Filter.Kind)); err != nil {
		return err
	}
	return writeString(w, st.Filter.Regex)
}

func readStealType(r *bufio.Reader) (StealType, error) {
	var st StealType
	kind, err := readU8(r)
	if err != nil {
		return st, err
	}
	st.Kind = StealTypeKind(kind)
	if st.Port, err = readU16(r); err != nil {
		return st, err
	}
	if st.Kind == StealAll {
		return st, nil
	}
	fk, err := readU8(r)
	if err != nil {
		return st, err
	}
	st.Filter.Kind = HttpFilterKind(fk)
	if st.Filter.Regex, err = readString(r); err != nil {
		return st, err
	}
	// Resolved open question: legacy FilteredHttp is normalized to
	// FilteredHttpEx(Header(...)) as soon as it is decoded.
	return st.Normalize(), nil
}
