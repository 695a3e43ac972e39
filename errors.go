package libbtcnet

import "github.com/pkg/errors"

// FailureType classifies why a connection attempt or established
// connection terminated, per the error taxonomy: every failure is
// absorbed by the Handler and surfaced to the embedder as a callback
// carrying one of these, never as a process-level error.
type FailureType int

const (
	// FailureResolve means DNS lookup failed.
	FailureResolve FailureType = iota
	// FailureConnect means the TCP connect failed (timeout, refused,
	// unreachable).
	FailureConnect
	// FailureProxy means the proxy handshake or protocol failed.
	FailureProxy
	// FailureBind means a listener could not bind.
	FailureBind
	// FailureFraming means an inbound message violated the framer.
	FailureFraming
	// FailureShutdown means the failure is terminal only because the
	// handler is shutting down.
	FailureShutdown
)

func (t FailureType) String() string {
	switch t {
	case FailureResolve:
		return "resolve"
	case FailureConnect:
		return "connect"
	case FailureProxy:
		return "proxy"
	case FailureBind:
		return "bind"
	case FailureFraming:
		return "framing"
	case FailureShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

var (
	// ErrEmbedderNil is returned by New when no Embedder is supplied.
	ErrEmbedderNil = errors.New("Config: Embedder cannot be nil")

	// ErrAlreadyStarted is returned by every call to Start after the
	// first, including one made after Shutdown.
	ErrAlreadyStarted = errors.New("handler already started")

	// ErrShuttingDown is returned by operations that would otherwise
	// mutate handler state once shutdown has been requested.
	ErrShuttingDown = errors.New("handler is shutting down")

	// ErrUnknownConnID is returned when a ConnID does not name a live
	// connection, listener, or in-flight resolve.
	ErrUnknownConnID = errors.New("unknown connection id")

	// ErrInvalidDestination is returned by StartConnection for a
	// Destination that fails validation, e.g. NoResolve combined with a
	// non-Any resolve family.
	ErrInvalidDestination = errors.New("invalid destination")

	// ErrBindLimitReached is returned by Bind once BindLimit listeners
	// are already registered.
	ErrBindLimitReached = errors.New("bind limit reached")

	// errNoAddressesInFamily is a resolve failure reported when a
	// lookup succeeds but nothing matches the requested ResolveFamily.
	errNoAddressesInFamily = errors.New("no addresses in requested family")
)
