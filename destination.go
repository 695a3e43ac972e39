package libbtcnet

import (
	"fmt"
	"net"

	"github.com/NirvanaNimbusa/libbtcnet/ratelimit"
	"github.com/NirvanaNimbusa/libbtcnet/socksproxy"
)

// DoResolve selects how a Destination's host is turned into a dialable
// address.
type DoResolve int

const (
	// Resolve means the host is resolved via DNS before connecting.
	Resolve DoResolve = iota
	// NoResolve means host is already a literal numeric address.
	NoResolve
	// ResolveOnly means perform the DNS lookup and report the results;
	// never connect.
	ResolveOnly
)

// ResolveFamily restricts which address families a DNS lookup may
// return.
type ResolveFamily int

const (
	// FamilyAny accepts both IPv4 and IPv6 results.
	FamilyAny ResolveFamily = iota
	// FamilyIPv4 restricts lookups to IPv4.
	FamilyIPv4
	// FamilyIPv6 restricts lookups to IPv6.
	FamilyIPv6
)

// Destination is an immutable descriptor of a requested peer endpoint.
// A retry, a DNS round, and an accepted inbound socket all produce a
// ResolvedDestination built from one of these.
type Destination struct {
	Host string
	Port uint16

	DoResolve     DoResolve
	ResolveFamily ResolveFamily

	// InitialTimeoutSeconds bounds each individual connect attempt (per
	// address, for DNS). There is no overall handshake deadline.
	InitialTimeoutSeconds int

	// Retries is the number of times to retry a failed attempt;
	// negative means retry indefinitely. Zero means no retry.
	Retries int

	// Proxy, if non-nil, routes the connection through a SOCKS-style
	// tunnel instead of dialing Host:Port directly.
	Proxy *socksproxy.Descriptor

	// RateLimit, if non-nil, installs a per-connection override bucket
	// once established; its tokens are consumed before the group's.
	RateLimit *ratelimit.Config

	// NetConfig is an opaque blob passed through to the framer; the
	// handler never inspects it.
	NetConfig interface{}
}

// IsSet reports whether d names a usable endpoint. The embedder's
// on_need_outgoing may return fewer destinations than requested; unset
// entries in that slice are skipped.
func (d Destination) IsSet() bool {
	return d.Host != ""
}

// Validate rejects Destinations the handler refuses to act on. Per the
// design notes, NoResolve combined with a non-Any ResolveFamily is
// undefined upstream and is rejected here rather than guessed at.
func (d Destination) Validate() error {
	if !d.IsSet() {
		return ErrInvalidDestination
	}
	if d.DoResolve == NoResolve && d.ResolveFamily != FamilyAny {
		return ErrInvalidDestination
	}
	return nil
}

// HostPort formats the destination as "host:port" for dialing.
func (d Destination) HostPort() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// ResolvedDestination augments a Destination with the concrete address
// that was dialed or accepted.
type ResolvedDestination struct {
	Destination
	Addr net.Addr
}

func newResolvedDestination(base Destination, addr net.Addr) ResolvedDestination {
	return ResolvedDestination{Destination: base, Addr: addr}
}
