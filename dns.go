package libbtcnet

import (
	"context"
	"net"
	"strconv"
	"time"
)

// dnsVariant resolves the destination's host before connecting, then
// iterates the resolved addresses on connect failure:
// Idle -> Resolving -> Iterating(addrs, cursor) -> Connecting -> Established.
type dnsVariant struct{}

func (dnsVariant) connect(h *Handler, c *connection) {
	if len(c.dnsAddrs) == 0 {
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
			filtered := filterByFamily(ips, c.destination.ResolveFamily)
			if len(filtered) == 0 {
				h.postEvent(evtDNSFailed{id: c.id, err: errNoAddressesInFamily})
				return
			}
			h.postEvent(evtDNSResolved{id: c.id, addrs: filtered})
		})
		return
	}

	c.state = stateIterating
	dnsConnectCursor(h, c)
}

func dnsConnectCursor(h *Handler, c *connection) {
	addr := c.dnsAddrs[c.dnsCursor]
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelAttempt = cancel

	timeout := time.Duration(c.destination.InitialTimeoutSeconds) * time.Second
	target := net.JoinHostPort(addr.String(), strconv.Itoa(int(c.destination.Port)))

	h.goDNS(func() {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			h.postEvent(evtConnectFailed{id: c.id, failureType: FailureConnect, err: err})
			return
		}
		h.postEvent(evtConnectSucceeded{
			id:       c.id,
			conn:     conn,
			resolved: newResolvedDestination(c.destination, conn.RemoteAddr()),
		})
	})
}

func (dnsVariant) cancel(c *connection) {
	if c.cancelAttempt != nil {
		c.cancelAttempt()
	}
}

func filterByFamily(ips []net.IPAddr, family ResolveFamily) []net.IPAddr {
	if family == FamilyAny {
		return ips
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		is4 := ip.IP.To4() != nil
		switch {
		case family == FamilyIPv4 && is4:
			out = append(out, ip)
		case family == FamilyIPv6 && !is4:
			out = append(out, ip)
		}
	}
	return out
}
