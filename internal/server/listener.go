/* usbipd - USB/IP server
 *
 * TCP listener
 *
 * Generalized from the teacher's listener.go: a single listener (dual
 * stack when IPv6 is enabled, IPv4-only otherwise) rather than separate
 * IPv4 and IPv6 listeners, the same loopback-only filter applied in
 * Accept, and the same keepalive tuning.
 */

package server

import (
	"net"
	"strconv"
	"time"
)

// listener wraps net.Listener to apply the loopback-only filter and
// keepalive tuning on every accepted connection, transparently to callers
// that only ever see a plain net.Listener.
type listener struct {
	net.Listener
	loopbackOnly bool
}

// newListener binds addr:port. If ipv6 is false, it binds tcp4 only;
// otherwise it binds the dual-stack tcp network, exactly as the teacher's
// NewListener chooses between "tcp4" and "tcp" based on Conf.IpV6Enable.
func newListener(addr string, port int, ipv6, loopbackOnly bool) (net.Listener, error) {
	network := "tcp4"
	if ipv6 {
		network = "tcp"
	}

	nl, err := net.Listen(network, net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	return &listener{Listener: nl, loopbackOnly: loopbackOnly}, nil
}

func (l *listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		tcpconn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}

		if l.loopbackOnly && !tcpconn.LocalAddr().(*net.TCPAddr).IP.IsLoopback() {
			tcpconn.SetLinger(0)
			tcpconn.Close()
			continue
		}

		tcpconn.SetKeepAlive(true)
		tcpconn.SetKeepAlivePeriod(20 * time.Second)

		return tcpconn, nil
	}
}
