package steal

import "github.com/otterscale/netshift-agent/internal/protocol"

// MirrorManager adapts Manager's redirect-and-accept plumbing to the
// dispatcher's TcpSubsystem interface (the legacy, non-stealing Tcp
// message family). It shares Manager's listener, iptables chain, and
// connection bookkeeping; only the subscription's "mirror" flag (set
// via subscribeMirror) changes how handleConnection treats an
// accepted connection.
type MirrorManager struct {
	m *Manager
}

// NewMirrorManager wraps m for use as a dispatcher.TcpSubsystem.
func NewMirrorManager(m *Manager) *MirrorManager {
	return &MirrorManager{m: m}
}

// PortSubscribe installs a non-stealing redirect on port: every
// connection is relayed to its original destination and a copy of
// its traffic reported to clientID.
func (mm *MirrorManager) PortSubscribe(clientID protocol.ClientId, port uint16) error {
	return mm.m.subscribeMirror(clientID, port)
}

// PortUnsubscribe removes a mirror subscription.
func (mm *MirrorManager) PortUnsubscribe(clientID protocol.ClientId, port uint16) error {
	return mm.m.PortUnsubscribe(clientID, port)
}

// ConnectionUnsubscribe closes a single mirrored connection.
func (mm *MirrorManager) ConnectionUnsubscribe(id protocol.ConnectionId) error {
	return mm.m.ConnectionUnsubscribe(id)
}
