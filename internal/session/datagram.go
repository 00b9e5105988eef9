package session

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// DatagramSender delivers a single notification packet.
type DatagramSender interface {
	Send(addr *net.UDPAddr, payload []byte) error
}

// UDPSender sends notification datagrams from one unbound UDP socket.
type UDPSender struct {
	conn    *net.UDPConn
	timeout time.Duration
}

// NewUDPSender opens the sending socket.
func NewUDPSender(timeout time.Duration) (*UDPSender, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, errors.Wrap(err, "session: open datagram socket")
	}
	return &UDPSender{conn: conn, timeout: timeout}, nil
}

// Send writes payload to addr.
func (u *UDPSender) Send(addr *net.UDPAddr, payload []byte) error {
	if u.timeout > 0 {
		_ = u.conn.SetWriteDeadline(time.Now().Add(u.timeout))
	}
	_, err := u.conn.WriteToUDP(payload, addr)
	return errors.Wrapf(err, "session: send datagram to %s", addr)
}

// Close releases the socket.
func (u *UDPSender) Close() error {
	return u.conn.Close()
}

// NotifyAddr combines the host of the client's stream connection with the
// port it announced at login.
func NotifyAddr(remote net.Addr, port int) (*net.UDPAddr, error) {
	if port < 1 || port > 65535 {
		return nil, errors.Errorf("session: notification port %d out of range", port)
	}
	var ip net.IP
	switch a := remote.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(remote.String())
		if err != nil {
			return nil, errors.Wrap(err, "session: parse remote address")
		}
		ip = net.ParseIP(host)
	}
	if ip == nil {
		return nil, errors.Errorf("session: no IP in %s", remote)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}
