package tunnel

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// markedDialer returns a dialer whose sockets carry the firewall mark, so
// upstream traffic can be excluded from the rules that redirect clients to
// the tunnel listeners.
func markedDialer(mark int) *net.Dialer {
	d := &net.Dialer{}
	if mark == 0 {
		return d
	}
	d.Control = func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
		})
		if err != nil {
			return err
		}
		return serr
	}
	return d
}
