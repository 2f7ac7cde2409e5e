package dispatch

import (
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/riftnet/transport/qos"
)

// priorityDSCP maps a qos.Priority to a DSCP value so higher-priority
// traffic (SYSTEM handshake packets, HIGHEST realtime state) gets
// favorable queuing treatment from routers that honor it. Values are
// shifted left by 2 before being handed to SetTOS, matching the
// dscp<<2 convention the reference KCP-style sessions in the pack use.
func priorityDSCP(p qos.Priority) int {
	switch p {
	case qos.System:
		return 46 // EF
	case qos.Highest:
		return 34 // AF41
	case qos.High:
		return 26 // AF31
	case qos.Normal:
		return 0
	case qos.Low:
		return 10 // AF11
	default:
		return 8 // CS1
	}
}

// socket wraps a net.PacketConn with best-effort DSCP/TOS marking on
// outbound datagrams. Marking failures (common on platforms or socket
// types that don't support it) are silently ignored: TOS is an
// optimization hint, never a correctness requirement.
type socket struct {
	conn   net.PacketConn
	v4     *ipv4.PacketConn
	v6     *ipv6.PacketConn
	isIPv6 bool
}

// newSocket listens on a UDP address and wraps it for TOS marking.
func newSocket(addr string) (*socket, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	s := &socket{conn: conn}
	if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok && udpAddr.IP.To4() == nil {
		s.isIPv6 = true
		s.v6 = ipv6.NewPacketConn(conn)
	} else {
		s.v4 = ipv4.NewPacketConn(conn)
	}
	return s, nil
}

// recvPollWindow is how long recv waits for a datagram when none is
// pending.
const recvPollWindow = time.Millisecond

// recv reads one pending datagram. The read deadline is set
// recvPollWindow past the current wall-clock time rather than at the
// tick's time: a deadline already in the past makes the runtime report
// a timeout without attempting the read, even with a datagram queued.
// With nothing pending, recv returns ok=false after at most
// recvPollWindow instead of propagating the timeout error.
func (s *socket) recv(buf []byte, _ time.Time) (int, netip.AddrPort, bool, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(recvPollWindow)); err != nil {
		return 0, netip.AddrPort{}, false, err
	}
	n, addr, err := s.conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, netip.AddrPort{}, false, nil
		}
		return 0, netip.AddrPort{}, false, err
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, netip.AddrPort{}, false, nil
	}
	ap := netip.AddrPortFrom(udpAddr.AddrPort().Addr().Unmap(), udpAddr.AddrPort().Port())
	return n, ap, true, nil
}

// send writes data to addr with a best-effort DSCP marking for
// priority.
func (s *socket) send(data []byte, addr netip.AddrPort, priority qos.Priority) error {
	dscp := priorityDSCP(priority) << 2
	if s.isIPv6 && s.v6 != nil {
		_ = s.v6.SetTrafficClass(dscp)
	} else if s.v4 != nil {
		_ = s.v4.SetTOS(dscp)
	}
	_, err := s.conn.WriteTo(data, net.UDPAddrFromAddrPort(addr))
	return err
}

func (s *socket) localAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *socket) close() error {
	return s.conn.Close()
}
