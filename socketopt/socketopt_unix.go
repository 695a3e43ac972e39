//go:build !windows

package socketopt

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenConfig returns a net.ListenConfig whose Control callback sets
// SO_REUSEADDR on the listening socket before bind, mirroring the
// original handler's evutil_make_listen_socket_reuseable call that runs
// ahead of every bind() attempt.
func ListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: controlReuseAddr}
}

func controlReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// SetNoDelay disables Nagle's algorithm on an established TCP stream, as
// required for every AF_INET/AF_INET6 socket the handler promotes to
// connected.
func SetNoDelay(conn net.Conn) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tcp.SetNoDelay(true)
}
