// Package socksproxy adapts github.com/btcsuite/go-socks/socks to the
// Proxy connection variant's dial/handshake contract.
package socksproxy

import (
	"net"
	"time"

	"github.com/btcsuite/go-socks/socks"
)

// Descriptor is the proxy sub-descriptor carried by a Destination, per
// the wire-format-free proxy contract: host/port plus optional
// credentials and Tor stream isolation.
type Descriptor struct {
	Addr         string
	Username     string
	Password     string
	TorIsolation bool
}

// Dial performs the SOCKS greeting/authentication/CONNECT exchange and
// returns the tunneled connection. A failure to reach the proxy comes
// back as the dialer's *net.OpError (Op "dial"), which the caller
// reports as type=CONNECT; other failures are reported as type=PROXY.
func Dial(desc Descriptor, network, addr string, timeout time.Duration) (net.Conn, error) {
	proxy := &socks.Proxy{
		Addr:         desc.Addr,
		Username:     desc.Username,
		Password:     desc.Password,
		TorIsolation: desc.TorIsolation,
	}
	return proxy.DialTimeout(network, addr, timeout)
}

// RemoteAddr unwraps the address the proxy reports for the tunneled
// remote peer, when the dialed net.Addr is a socks.ProxiedAddr.
func RemoteAddr(addr net.Addr) (host string, port int, ok bool) {
	pa, ok := addr.(*socks.ProxiedAddr)
	if !ok {
		return "", 0, false
	}
	return pa.Host, pa.Port, true
}
