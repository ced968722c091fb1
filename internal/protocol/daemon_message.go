package protocol

import (
	"bufio"
	"io"
)

// DaemonMessage is any message the agent can send to the layer.
type DaemonMessage interface {
	daemonMessageTag() uint8
}

const (
	tagTcpNewConnection uint8 = iota
	tagTcpData
	tagTcpClose
	tagTcpSubscribeResult
	tagTcpHttpRequest
	tagTcpStealNewConnection
	tagTcpStealData
	tagTcpStealClose
	tagTcpStealHttpRequest
	tagTcpOutgoingConnect
	tagTcpOutgoingRead
	tagTcpOutgoingClose
	tagUdpOutgoingConnect
	tagUdpOutgoingRead
	tagUdpOutgoingClose
	tagGetAddrInfoResponse
	tagGetEnvVarsResponse
	tagPong
	tagLogMessage
	tagDaemonClose
)

// TcpNewConnection announces a new mirrored (non-stealing) connection.
type TcpNewConnection struct {
	Id              ConnectionId
	DestinationPort uint16
	Source          string
}

func (TcpNewConnection) daemonMessageTag() uint8 { return tagTcpNewConnection }

// TcpData carries mirrored bytes read from connection Id.
type TcpData struct {
	Id    ConnectionId
	Bytes []byte
}

func (TcpData) daemonMessageTag() uint8 { return tagTcpData }

// TcpClose announces that mirrored connection Id ended.
type TcpClose struct{ Id ConnectionId }

func (TcpClose) daemonMessageTag() uint8 { return tagTcpClose }

// TcpSubscribeResult acknowledges a TcpPortSubscribe so callers can
// await subscription completion instead of guessing via a sleep.
type TcpSubscribeResult struct{ Result Result[uint16] }

func (TcpSubscribeResult) daemonMessageTag() uint8 { return tagTcpSubscribeResult }

// TcpHttpRequest carries a parsed HTTP request over a mirrored (not
// stolen) connection.
type TcpHttpRequest struct {
	ConnId  ConnectionId
	ReqId   RequestId
	Request InternalHttpRequest
}

func (TcpHttpRequest) daemonMessageTag() uint8 { return tagTcpHttpRequest }

// TcpStealNewConnection announces a new raw_tcp stolen connection.
type TcpStealNewConnection struct {
	Id              ConnectionId
	DestinationPort uint16
	Source          string
}

func (TcpStealNewConnection) daemonMessageTag() uint8 { return tagTcpStealNewConnection }

// TcpStealData carries raw bytes read from a stolen raw_tcp connection.
type TcpStealData struct {
	Id    ConnectionId
	Bytes []byte
}

func (TcpStealData) daemonMessageTag() uint8 { return tagTcpStealData }

// TcpStealClose announces that stolen connection Id ended.
type TcpStealClose struct{ Id ConnectionId }

func (TcpStealClose) daemonMessageTag() uint8 { return tagTcpStealClose }

// TcpStealHttpRequest forwards a stolen HTTP request to its owning
// client for a response.
type TcpStealHttpRequest struct {
	ConnId  ConnectionId
	ReqId   RequestId
	Request InternalHttpRequest
}

func (TcpStealHttpRequest) daemonMessageTag() uint8 { return tagTcpStealHttpRequest }

// TcpOutgoingConnectResult answers a TcpOutgoingConnect request.
type TcpOutgoingConnectResult struct {
	Id     ConnectionId // valid only when Result.IsOk()
	Remote string       // valid only when Result.IsOk()
	Result Result[struct{}]
}

func (TcpOutgoingConnectResult) daemonMessageTag() uint8 { return tagTcpOutgoingConnect }

// TcpOutgoingRead carries bytes read from an outgoing TCP connection.
type TcpOutgoingRead struct {
	Id    ConnectionId
	Bytes []byte // nil Bytes with Eof=true signals EOF
	Eof   bool
}

func (TcpOutgoingRead) daemonMessageTag() uint8 { return tagTcpOutgoingRead }

// TcpOutgoingClose announces that outgoing connection Id ended.
type TcpOutgoingClose struct{ Id ConnectionId }

func (TcpOutgoingClose) daemonMessageTag() uint8 { return tagTcpOutgoingClose }

// UdpOutgoingConnectResult answers a UdpOutgoingConnect request.
type UdpOutgoingConnectResult struct {
	Id     ConnectionId
	Remote string
	Result Result[struct{}]
}

func (UdpOutgoingConnectResult) daemonMessageTag() uint8 { return tagUdpOutgoingConnect }

// UdpOutgoingRead carries one datagram read from an outgoing UDP connection.
type UdpOutgoingRead struct {
	Id    ConnectionId
	Bytes []byte
}

func (UdpOutgoingRead) daemonMessageTag() uint8 { return tagUdpOutgoingRead }

// UdpOutgoingClose announces that outgoing UDP connection Id ended.
type UdpOutgoingClose struct{ Id ConnectionId }

func (UdpOutgoingClose) daemonMessageTag() uint8 { return tagUdpOutgoingClose }

// GetAddrInfoResponse answers a GetAddrInfoRequest.
type GetAddrInfoResponse struct{ Result Result[[]string] }

func (GetAddrInfoResponse) daemonMessageTag() uint8 { return tagGetAddrInfoResponse }

// GetEnvVarsResponse answers a GetEnvVarsRequest.
type GetEnvVarsResponse struct{ Vars map[string]string }

func (GetEnvVarsResponse) daemonMessageTag() uint8 { return tagGetEnvVarsResponse }

// Pong answers a Ping.
type Pong struct{}

func (Pong) daemonMessageTag() uint8 { return tagPong }

// LogMessage carries an agent-side diagnostic for the layer to surface.
type LogMessage struct {
	Level   string
	Message string
}

func (LogMessage) daemonMessageTag() uint8 { return tagLogMessage }

// DaemonClose ends the session, optionally carrying a reason.
type DaemonClose struct{ Message string }

func (DaemonClose) daemonMessageTag() uint8 { return tagDaemonClose }

// EncodeDaemonMessage writes one length-delimited DaemonMessage frame
// to w, serialized for a peer announcing peerVersion.
func EncodeDaemonMessage(w io.Writer, msg DaemonMessage, peerVersion Version) error {
	return writeFrame(w, func(bw io.Writer) error {
		if err := writeU8(bw, msg.daemonMessageTag()); err != nil {
			return err
		}
		switch m := msg.(type) {
		case TcpNewConnection:
			if err := writeU64(bw, uint64(m.Id)); err != nil {
				return err
			}
			if err := writeU16(bw, m.DestinationPort); err != nil {
				return err
			}
			return writeString(bw, m.Source)
		case TcpData:
			if err := writeU64(bw, uint64(m.Id)); err != nil {
				return err
			}
			return writeBytes(bw, m.Bytes)
		case TcpClose:
			return writeU64(bw, uint64(m.Id))
		case TcpSubscribeResult:
			if err := writeErrorKind(bw, m.Result.Err); err != nil {
				return err
			}
			return writeU16(bw, m.Result.Ok)
		case TcpHttpRequest:
			if err := writeU64(bw, uint64(m.ConnId)); err != nil {
				return err
			}
			if err := writeU16(bw, uint16(m.ReqId)); err != nil {
				return err
			}
			return writeHttpRequest(bw, m.Request, peerVersion)
		case TcpStealNewConnection:
			if err := writeU64(bw, uint64(m.Id)); err != nil {
				return err
			}
			if err := writeU16(bw, m.DestinationPort); err != nil {
				return err
			}
			return writeString(bw, m.Source)
		case TcpStealData:
			if err := writeU64(bw, uint64(m.Id)); err != nil {
				return err
			}
			return writeBytes(bw, m.Bytes)
		case TcpStealClose:
			return writeU64(bw, uint64(m.Id))
		case TcpStealHttpRequest:
			if err := writeU64(bw, uint64(m.ConnId)); err != nil {
				return err
			}
			if err := writeU16(bw, uint16(m.ReqId)); err != nil {
				return err
			}
			return writeHttpRequest(bw, m.Request, peerVersion)
		case TcpOutgoingConnectResult:
			if err := writeErrorKind(bw, m.Result.Err); err != nil {
				return err
			}
			if err := writeU64(bw, uint64(m.Id)); err != nil {
				return err
			}
			return writeString(bw, m.Remote)
		case TcpOutgoingRead:
			if err := writeU64(bw, uint64(m.Id)); err != nil {
				return err
			}
			if err := writeBool(bw, m.Eof); err != nil {
				return err
			}
			return writeBytes(bw, m.Bytes)
		case TcpOutgoingClose:
			return writeU64(bw, uint64(m.Id))
		case UdpOutgoingConnectResult:
			if err := writeErrorKind(bw, m.Result.Err); err != nil {
				return err
			}
			if err := writeU64(bw, uint64(m.Id)); err != nil {
				return err
			}
			return writeString(bw, m.Remote)
		case UdpOutgoingRead:
			if err := writeU64(bw, uint64(m.Id)); err != nil {
				return err
			}
			return writeBytes(bw, m.Bytes)
		case UdpOutgoingClose:
			return writeU64(bw, uint64(m.Id))
		case GetAddrInfoResponse:
			if err := writeErrorKind(bw, m.Result.Err); err != nil {
				return err
			}
			if err := writeUvarint(bw, uint64(len(m.Result.Ok))); err != nil {
				return err
			}
			for _, ip := range m.Result.Ok {
				if err := writeString(bw, ip); err != nil {
					return err
				}
			}
			return nil
		case GetEnvVarsResponse:
			if err := writeUvarint(bw, uint64(len(m.Vars))); err != nil {
				return err
			}
			for k, v := range m.Vars {
				if err := writeString(bw, k); err != nil {
					return err
				}
				if err := writeString(bw, v); err != nil {
					return err
				}
			}
			return nil
		case Pong:
			return nil
		case LogMessage:
			if err := writeString(bw, m.Level); err != nil {
				return err
			}
			return writeString(bw, m.Message)
		case DaemonClose:
			return writeString(bw, m.Message)
		default:
			return errUnknownTag(msg.daemonMessageTag())
		}
	})
}

// DecodeDaemonMessage reads one length-delimited DaemonMessage frame
// from r. When the encoder's peerVersion predated FramedHTTPBodyGate,
// frame_mapping arrives empty (decoded as nil), and readers
// consuming the decoded InternalHttpRequest must treat the absent
// field as "degrade to a single data frame" (see EffectiveFrameMapping).
func DecodeDaemonMessage(r *bufio.Reader) (DaemonMessage, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	tag, err := readU8(body)
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagTcpNewConnection:
		id, err := readU64(body)
		if err != nil {
			return nil, err
		}
		port, err := readU16(body)
		if err != nil {
			return nil, err
		}
		src, err := readString(body)
		return TcpNewConnection{Id: ConnectionId(id), DestinationPort: port, Source: src}, err
	case tagTcpData:
		id, err := readU64(body)
		if err != nil {
			return nil, err
		}
		b, err := readBytes(body)
		return TcpData{Id: ConnectionId(id), Bytes: b}, err
	case tagTcpClose:
		id, err := readU64(body)
		return TcpClose{Id: ConnectionId(id)}, err
	case tagTcpSubscribeResult:
		errKind, err := readErrorKind(body)
		if err != nil {
			return nil, err
		}
		port, err := readU16(body)
		return TcpSubscribeResult{Result: Result[uint16]{Ok: port, Err: errKind}}, err
	case tagTcpHttpRequest:
		id, err := readU64(body)
		if err != nil {
			return nil, err
		}
		reqID, err := readU16(body)
		if err != nil {
			return nil, err
		}
		req, err := readHttpRequest(body)
		return TcpHttpRequest{ConnId: ConnectionId(id), ReqId: RequestId(reqID), Request: req}, err
	case tagTcpStealNewConnection:
		id, err := readU64(body)
		if err != nil {
			return nil, err
		}
		port, err := readU16(body)
		if err != nil {
			return nil, err
		}
		src, err := readString(body)
		return TcpStealNewConnection{Id: ConnectionId(id), DestinationPort: port, Source: src}, err
	case tagTcpStealData:
		id, err := readU64(body)
		if err != nil {
			return nil, err
		}
		b, err := readBytes(body)
		return TcpStealData{Id: ConnectionId(id), Bytes: b}, err
	case tagTcpStealClose:
		id, err := readU64(body)
		return TcpStealClose{Id: ConnectionId(id)}, err
	case tagTcpStealHttpRequest:
		id, err := readU64(body)
		if err != nil {
			return nil, err
		}
		reqID, err := readU16(body)
		if err != nil {
			return nil, err
		}
		req, err := readHttpRequest(body)
		return TcpStealHttpRequest{ConnId: ConnectionId(id), ReqId: RequestId(reqID), Request: req}, err
	case tagTcpOutgoingConnect:
		errKind, err := readErrorKind(body)
		if err != nil {
			return nil, err
		}
		id, err := readU64(body)
		if err != nil {
			return nil, err
		}
		remote, err := readString(body)
		return TcpOutgoingConnectResult{Id: ConnectionId(id), Remote: remote, Result: Result[struct{}]{Err: errKind}}, err
	case tagTcpOutgoingRead:
		id, err := readU64(body)
		if err != nil {
			return nil, err
		}
		eof, err := readBool(body)
		if err != nil {
			return nil, err
		}
		b, err := readBytes(body)
		return TcpOutgoingRead{Id: ConnectionId(id), Eof: eof, Bytes: b}, err
	case tagTcpOutgoingClose:
		id, err := readU64(body)
		return TcpOutgoingClose{Id: ConnectionId(id)}, err
	case tagUdpOutgoingConnect:
		errKind, err := readErrorKind(body)
		if err != nil {
			return nil, err
		}
		id, err := readU64(body)
		if err != nil {
			return nil, err
		}
		remote, err := readString(body)
		return UdpOutgoingConnectResult{Id: ConnectionId(id), Remote: remote, Result: Result[struct{}]{Err: errKind}}, err
	case tagUdpOutgoingRead:
		id, err := readU64(body)
		if err != nil {
			return nil, err
		}
		b, err := readBytes(body)
		return UdpOutgoingRead{Id: ConnectionId(id), Bytes: b}, err
	case tagUdpOutgoingClose:
		id, err := readU64(body)
		return UdpOutgoingClose{Id: ConnectionId(id)}, err
	case tagGetAddrInfoResponse:
		errKind, err := readErrorKind(body)
		if err != nil {
			return nil, err
		}
		n, err := readUvarint(body)
		if err != nil {
			return nil, err
		}
		ips := make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			ip, err := readString(body)
			if err != nil {
				return nil, err
			}
			ips = append(ips, ip)
		}
		return GetAddrInfoResponse{Result: Result[[]string]{Ok: ips, Err: errKind}}, nil
	case tagGetEnvVarsResponse:
		n, err := readUvarint(body)
		if err != nil {
			return nil, err
		}
		vars := make(map[string]string, n)
		for i := uint64(0); i < n; i++ {
			k, err := readString(body)
			if err != nil {
				return nil, err
			}
			v, err := readString(body)
			if err != nil {
				return nil, err
			}
			vars[k] = v
		}
		return GetEnvVarsResponse{Vars: vars}, nil
	case tagPong:
		return Pong{}, nil
	case tagLogMessage:
		level, err := readString(body)
		if err != nil {
			return nil, err
		}
		msg, err := readString(body)
		return LogMessage{Level: level, Message: msg}, err
	case tagDaemonClose:
		msg, err := readString(body)
		return DaemonClose{Message: msg}, err
	default:
		return nil, errUnknownTag(tag)
	}
}
