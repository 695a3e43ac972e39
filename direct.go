package libbtcnet

import (
	"context"
	"net"
	"time"
)

// directVariant dials the destination's literal host:port with no DNS
// involvement: Idle -> Connecting -> Established | Terminal.
type directVariant struct{}

func (directVariant) connect(h *Handler, c *connection) {
	c.state = stateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelAttempt = cancel

	timeout := time.Duration(c.destination.InitialTimeoutSeconds) * time.Second
	addr := c.destination.HostPort()

	go func() {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			h.postEvent(evtConnectFailed{id: c.id, failureType: FailureConnect, err: err})
			return
		}
		h.postEvent(evtConnectSucceeded{
			id:       c.id,
			conn:     conn,
			resolved: newResolvedDestination(c.destination, conn.RemoteAddr()),
		})
	}()
}

func (directVariant) cancel(c *connection) {
	if c.cancelAttempt != nil {
		c.cancelAttempt()
	}
}
