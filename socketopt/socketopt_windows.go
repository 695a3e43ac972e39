//go:build windows

package socketopt

import "net"

// ListenConfig has no SO_REUSEADDR equivalent wired on Windows; the
// platform's listen semantics already reject address reuse the way this
// handler wants, so the Control hook is a no-op here.
func ListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}

// SetNoDelay disables Nagle's algorithm on an established TCP stream.
func SetNoDelay(conn net.Conn) error {
	if tcp, ok := conn.(*net.TCPConn); ok {
		return tcp.SetNoDelay(true)
	}
	return nil
}
