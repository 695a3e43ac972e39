package libbtcnet

import (
	"context"
	"net"
)

// resolveOnlyVariant issues a DNS lookup without ever connecting. It
// lives in the handler's dnsResolves map, not connecting/connected.
type resolveOnlyVariant struct{}

func (resolveOnlyVariant) connect(h *Handler, c *connection) {
	c.state = stateResolving
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelAttempt = cancel
	host := c.destination.Host

	h.goDNS(func() {
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			h.postEvent(evtDNSFailed{id: c.id, err: err})
			return
		}
		h.postEvent(evtDNSResolved{id: c.id, addrs: filterByFamily(ips, c.destination.ResolveFamily)})
	})
}

func (resolveOnlyVariant) cancel(c *connection) {
	if c.cancelAttempt != nil {
		c.cancelAttempt()
	}
}
