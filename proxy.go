package libbtcnet

import (
	"errors"
	"net"
	"time"

	"github.com/NirvanaNimbusa/libbtcnet/socksproxy"
)

// proxyVariant shares Direct's overall shape, but tunnels through a
// SOCKS-style proxy described by destination.Proxy. Transport failures
// (the proxy itself unreachable) behave like Direct's CONNECT failure;
// failures during the proxy dialogue are reported as type=PROXY by the
// handler once the dial returns.
type proxyVariant struct{}

func (proxyVariant) connect(h *Handler, c *connection) {
	c.state = stateConnecting
	timeout := time.Duration(c.destination.InitialTimeoutSeconds) * time.Second
	desc := *c.destination.Proxy
	addr := c.destination.HostPort()

	go func() {
		conn, err := socksproxy.Dial(desc, "tcp", addr, timeout)
		if err != nil {
			failure := FailureProxy
			var opErr *net.OpError
			if errors.As(err, &opErr) && opErr.Op == "dial" {
				// The proxy itself could not be reached.
				failure = FailureConnect
			}
			h.postEvent(evtConnectFailed{id: c.id, failureType: failure, err: err})
			return
		}
		h.postEvent(evtConnectSucceeded{
			id:       c.id,
			conn:     conn,
			resolved: newResolvedDestination(c.destination, remoteAddr(conn)),
		})
	}()
}

// remoteAddr reports the peer the proxy actually tunneled to. go-socks
// hands back a *socks.ProxiedAddr carrying the remote host/port the
// CONNECT reached, rather than conn.RemoteAddr() (which would just be
// the proxy's own address); fall back to the connection's address if
// the host isn't a literal IP or the proxy didn't report one.
func remoteAddr(conn net.Conn) net.Addr {
	addr := conn.RemoteAddr()
	host, port, ok := socksproxy.RemoteAddr(addr)
	if !ok {
		return addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return addr
	}
	return &net.TCPAddr{IP: ip, Port: port}
}

// cancel is a no-op: go-socks's blocking DialTimeout offers no
// cancellation hook, so an in-flight proxy handshake runs to its own
// timeout rather than being interrupted early. This is the one place
// the handler cannot guarantee immediate teardown of a connect attempt.
func (proxyVariant) cancel(c *connection) {}
