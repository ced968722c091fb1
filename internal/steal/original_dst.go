package steal

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// originalDestination recovers the pre-NAT destination of conn, i.e.
// the port the client actually dialed before iptables REDIRECTed the
// packet to the agent's single steal listener. This is the same
// SO_ORIGINAL_DST trick every transparent proxy (Envoy, Linkerd,
// Istio's sidecar) relies on for REDIRECT-based interception.
func originalDestination(conn *net.TCPConn) (*net.TCPAddr, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("steal: syscall conn: %w", err)
	}

	var addr *net.TCPAddr
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		v6, err := isIPv6(conn)
		if err != nil {
			sockErr = err
			return
		}
		if v6 {
			addr, sockErr = getOriginalDstIPv6(int(fd))
		} else {
			addr, sockErr = getOriginalDstIPv4(int(fd))
		}
	})
	if ctrlErr != nil {
		return nil, fmt.Errorf("steal: control: %w", ctrlErr)
	}
	if sockErr != nil {
		return nil, fmt.Errorf("steal: getsockopt SO_ORIGINAL_DST: %w", sockErr)
	}
	return addr, nil
}

func isIPv6(conn *net.TCPConn) (bool, error) {
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return false, fmt.Errorf("steal: unexpected local addr type %T", conn.LocalAddr())
	}
	return addr.IP.To4() == nil, nil
}

func getOriginalDstIPv4(fd int) (*net.TCPAddr, error) {
	raw, err := unix.GetsockoptIPv6Mreq(fd, unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
	if err != nil {
		return nil, err
	}
	b := raw.Multiaddr
	// sockaddr_in layout: family(2) port(2, big-endian) addr(4)
	port := int(b[2])<<8 | int(b[3])
	ip := net.IPv4(b[4], b[5], b[6], b[7])
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

func getOriginalDstIPv6(fd int) (*net.TCPAddr, error) {
	info, err := unix.GetsockoptIPv6MTUInfo(fd, unix.IPPROTO_IPV6, unix.IP6T_SO_ORIGINAL_DST)
	if err != nil {
		return nil, err
	}
	// Port is stored in network byte order regardless of host endianness.
	port := int(byte(info.Addr.Port>>8)) | int(byte(info.Addr.Port))<<8
	ip := make(net.IP, 16)
	copy(ip, info.Addr.Addr[:])
	return &net.TCPAddr{IP: ip, Port: port}, nil
}
