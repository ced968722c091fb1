package protocol

import (
	"bufio"
	"io"
)

// ClientMessage is any message the layer can send to the agent. The
// concrete types below are the full catalog described in the wire
// protocol's message table.
type ClientMessage interface {
	clientMessageTag() uint8
}

const (
	tagFileRequest uint8 = iota
	tagTcpOutgoingConnect
	tagTcpOutgoingWrite
	tagTcpOutgoingClose
	tagUdpOutgoingConnect
	tagUdpOutgoingWrite
	tagUdpOutgoingClose
	tagGetEnvVarsRequest
	tagGetAddrInfoRequest
	tagPing
	tagTcpPortSubscribe
	tagTcpConnectionUnsubscribe
	tagTcpPortUnsubscribe
	tagTcpStealPortSubscribe
	tagTcpStealConnectionUnsubscribe
	tagTcpStealPortUnsubscribe
	tagTcpStealData
	tagTcpStealHttpResponse
	tagClientClose
)

// FileRequest is a placeholder for the out-of-scope File collaborator
// boundary: only the path crosses the wire here.
type FileRequest struct{ Path string }

func (FileRequest) clientMessageTag() uint8 { return tagFileRequest }

// TcpOutgoingConnect asks OutgoingTcp to open a socket to Remote.
type TcpOutgoingConnect struct{ Remote string }

func (TcpOutgoingConnect) clientMessageTag() uint8 { return tagTcpOutgoingConnect }

// TcpOutgoingWrite asks OutgoingTcp to write Bytes to connection Id.
type TcpOutgoingWrite struct {
	Id    ConnectionId
	Bytes []byte
}

func (TcpOutgoingWrite) clientMessageTag() uint8 { return tagTcpOutgoingWrite }

// TcpOutgoingClose asks OutgoingTcp to drop connection Id.
type TcpOutgoingClose struct{ Id ConnectionId }

func (TcpOutgoingClose) clientMessageTag() uint8 { return tagTcpOutgoingClose }

// UdpOutgoingConnect asks OutgoingUdp to open a connected socket to Remote.
type UdpOutgoingConnect struct{ Remote string }

func (UdpOutgoingConnect) clientMessageTag() uint8 { return tagUdpOutgoingConnect }

// UdpOutgoingWrite asks OutgoingUdp to send Bytes as one datagram on connection Id.
type UdpOutgoingWrite struct {
	Id    ConnectionId
	Bytes []byte
}

func (UdpOutgoingWrite) clientMessageTag() uint8 { return tagUdpOutgoingWrite }

// UdpOutgoingClose asks OutgoingUdp to drop connection Id.
type UdpOutgoingClose struct{ Id ConnectionId }

func (UdpOutgoingClose) clientMessageTag() uint8 { return tagUdpOutgoingClose }

// GetEnvVarsRequest is a placeholder for the out-of-scope Env
// collaborator boundary.
type GetEnvVarsRequest struct{ Names []string }

func (GetEnvVarsRequest) clientMessageTag() uint8 { return tagGetEnvVarsRequest }

// GetAddrInfoRequest is a placeholder for the out-of-scope DNS
// collaborator boundary.
type GetAddrInfoRequest struct{ Node string }

func (GetAddrInfoRequest) clientMessageTag() uint8 { return tagGetAddrInfoRequest }

// Ping requests a Pong reply; used for the Dispatcher idle heartbeat.
type Ping struct{}

func (Ping) clientMessageTag() uint8 { return tagPing }

// TcpPortSubscribe subscribes to mirrored (non-stealing) traffic on Port.
type TcpPortSubscribe struct{ Port uint16 }

func (TcpPortSubscribe) clientMessageTag() uint8 { return tagTcpPortSubscribe }

// TcpConnectionUnsubscribe stops mirroring a single connection.
type TcpConnectionUnsubscribe struct{ Id ConnectionId }

func (TcpConnectionUnsubscribe) clientMessageTag() uint8 { return tagTcpConnectionUnsubscribe }

// TcpPortUnsubscribe removes a mirror subscription on Port.
type TcpPortUnsubscribe struct{ Port uint16 }

func (TcpPortUnsubscribe) clientMessageTag() uint8 { return tagTcpPortUnsubscribe }

// TcpStealPortSubscribe subscribes the StealManager to steal traffic
// matching Type.
type TcpStealPortSubscribe struct{ Type StealType }

func (TcpStealPortSubscribe) clientMessageTag() uint8 { return tagTcpStealPortSubscribe }

// TcpStealConnectionUnsubscribe stops stealing a single connection.
type TcpStealConnectionUnsubscribe struct{ Id ConnectionId }

func (TcpStealConnectionUnsubscribe) clientMessageTag() uint8 {
	return tagTcpStealConnectionUnsubscribe
}

// TcpStealPortUnsubscribe removes a steal subscription on Port.
type TcpStealPortUnsubscribe struct{ Port uint16 }

func (TcpStealPortUnsubscribe) clientMessageTag() uint8 { return tagTcpStealPortUnsubscribe }

// TcpStealData writes raw bytes back into a raw_tcp stolen connection.
type TcpStealData struct {
	Id    ConnectionId
	Bytes []byte
}

func (TcpStealData) clientMessageTag() uint8 { return tagTcpStealData }

// TcpStealHttpResponse answers a stolen HTTP request previously
// forwarded as a DaemonMessage TcpStealHttpRequest.
type TcpStealHttpResponse struct {
	ConnId   ConnectionId
	ReqId    RequestId
	Response InternalHttpResponse
}

func (TcpStealHttpResponse) clientMessageTag() uint8 { return tagTcpStealHttpResponse }

// ClientClose ends the session.
type ClientClose struct{}

func (ClientClose) clientMessageTag() uint8 { return tagClientClose }

// EncodeClientMessage writes one length-delimited ClientMessage frame
// to w, serialized for a peer announcing peerVersion.
func EncodeClientMessage(w io.Writer, msg ClientMessage, peerVersion Version) error {
	return writeFrame(w, func(bw io.Writer) error {
		if err := writeU8(bw, msg.clientMessageTag()); err != nil {
			return err
		}
		switch m := msg.(type) {
		case FileRequest:
			return writeString(bw, m.Path)
		case TcpOutgoingConnect:
			return writeString(bw, m.Remote)
		case TcpOutgoingWrite:
			if err := writeU64(bw, uint64(m.Id)); err != nil {
				return err
			}
			return writeBytes(bw, m.Bytes)
		case TcpOutgoingClose:
			return writeU64(bw, uint64(m.Id))
		case UdpOutgoingConnect:
			return writeString(bw, m.Remote)
		case UdpOutgoingWrite:
			if err := writeU64(bw, uint64(m.Id)); err != nil {
				return err
			}
			return writeBytes(bw, m.Bytes)
		case UdpOutgoingClose:
			return writeU64(bw, uint64(m.Id))
		case GetEnvVarsRequest:
			if err := writeUvarint(bw, uint64(len(m.Names))); err != nil {
				return err
			}
			for _, n := range m.Names {
				if err := writeString(bw, n); err != nil {
					return err
				}
			}
			return nil
		case GetAddrInfoRequest:
			return writeString(bw, m.Node)
		case Ping:
			return nil
		case TcpPortSubscribe:
			return writeU16(bw, m.Port)
		case TcpConnectionUnsubscribe:
			return writeU64(bw, uint64(m.Id))
		case TcpPortUnsubscribe:
			return writeU16(bw, m.Port)
		case TcpStealPortSubscribe:
			return writeStealType(bw, m.Type)
		case TcpStealConnectionUnsubscribe:
			return writeU64(bw, uint64(m.Id))
		case TcpStealPortUnsubscribe:
			return writeU16(bw, m.Port)
		case TcpStealData:
			if err := writeU64(bw, uint64(m.Id)); err != nil {
				return err
			}
			return writeBytes(bw, m.Bytes)
		case TcpStealHttpResponse:
			if err := writeU64(bw, uint64(m.ConnId)); err != nil {
				return err
			}
			if err := writeU16(bw, uint16(m.ReqId)); err != nil {
				return err
			}
			return writeHttpResponse(bw, m.Response, peerVersion)
		case ClientClose:
			return nil
		default:
			return errUnknownTag(msg.clientMessageTag())
		}
	})
}

// DecodeClientMessage reads one length-delimited ClientMessage frame
// from r.
func DecodeClientMessage(r *bufio.Reader) (ClientMessage, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	tag, err := readU8(body)
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagFileRequest:
		path, err := readString(body)
		return FileRequest{Path: path}, err
	case tagTcpOutgoingConnect:
		remote, err := readString(body)
		return TcpOutgoingConnect{Remote: remote}, err
	case tagTcpOutgoingWrite:
		id, err := readU64(body)
		if err != nil {
			return nil, err
		}
		b, err := readBytes(body)
		return TcpOutgoingWrite{Id: ConnectionId(id), Bytes: b}, err
	case tagTcpOutgoingClose:
		id, err := readU64(body)
		return TcpOutgoingClose{Id: ConnectionId(id)}, err
	case tagUdpOutgoingConnect:
		remote, err := readString(body)
		return UdpOutgoingConnect{Remote: remote}, err
	case tagUdpOutgoingWrite:
		id, err := readU64(body)
		if err != nil {
			return nil, err
		}
		b, err := readBytes(body)
		return UdpOutgoingWrite{Id: ConnectionId(id), Bytes: b}, err
	case tagUdpOutgoingClose:
		id, err := readU64(body)
		return UdpOutgoingClose{Id: ConnectionId(id)}, err
	case tagGetEnvVarsRequest:
		n, err := readUvarint(body)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			s, err := readString(body)
			if err != nil {
				return nil, err
			}
			names = append(names, s)
		}
		return GetEnvVarsRequest{Names: names}, nil
	case tagGetAddrInfoRequest:
		node, err := readString(body)
		return GetAddrInfoRequest{Node: node}, err
	case tagPing:
		return Ping{}, nil
	case tagTcpPortSubscribe:
		port, err := readU16(body)
		return TcpPortSubscribe{Port: port}, err
	case tagTcpConnectionUnsubscribe:
		id, err := readU64(body)
		return TcpConnectionUnsubscribe{Id: ConnectionId(id)}, err
	case tagTcpPortUnsubscribe:
		port, err := readU16(body)
		return TcpPortUnsubscribe{Port: port}, err
	case tagTcpStealPortSubscribe:
		st, err := readStealType(body)
		return TcpStealPortSubscribe{Type: st}, err
	case tagTcpStealConnectionUnsubscribe:
		id, err := readU64(body)
		return TcpStealConnectionUnsubscribe{Id: ConnectionId(id)}, err
	case tagTcpStealPortUnsubscribe:
		port, err := readU16(body)
		return TcpStealPortUnsubscribe{Port: port}, err
	case tagTcpStealData:
		id, err := readU64(body)
		if err != nil {
			return nil, err
		}
		b, err := readBytes(body)
		return TcpStealData{Id: ConnectionId(id), Bytes: b}, err
	case tagTcpStealHttpResponse:
		id, err := readU64(body)
		if err != nil {
			return nil, err
		}
		reqID, err := readU16(body)
		if err != nil {
			return nil, err
		}
		resp, err := readHttpResponse(body)
		return TcpStealHttpResponse{ConnId: ConnectionId(id), ReqId: RequestId(reqID), Response: resp}, err
	case tagClientClose:
		return ClientClose{}, nil
	default:
		return nil, errUnknownTag(tag)
	}
}
