package libbtcnet

import (
	"net"

	"github.com/NirvanaNimbusa/libbtcnet/ratelimit"
)

// The types below are the messages funneled through Handler.requests.
// Commands are the cross-thread entry points (§5); events are posted by
// goroutines doing real network I/O back to the single reactor
// goroutine that owns all state mutation. This mirrors the teacher's
// registerPending/handleConnected/handleDisconnected/handleFailed
// messages processed by connHandler's select loop.

type cmdClose struct {
	id          ConnID
	immediately bool
	result      chan error
}

type cmdSend struct {
	id     ConnID
	data   []byte
	result chan error
}

type cmdPauseRecv struct {
	id     ConnID
	result chan error
}

type cmdUnpauseRecv struct {
	id     ConnID
	result chan error
}

type cmdSetRateLimit struct {
	id    ConnID
	limit ratelimit.Config
}

type cmdSetIncomingRateLimit struct {
	limit ratelimit.Config
}

type cmdSetOutgoingRateLimit struct {
	limit ratelimit.Config
}

type cmdShutdown struct{}

type evtConnectSucceeded struct {
	id       ConnID
	conn     net.Conn
	resolved ResolvedDestination
}

type evtConnectFailed struct {
	id          ConnID
	failureType FailureType
	err         error
}

type evtDNSResolved struct {
	id    ConnID
	addrs []net.IPAddr
}

type evtDNSFailed struct {
	id  ConnID
	err error
}

type evtIncomingAccepted struct {
	bindID ConnID
	conn   net.Conn
}

type evtDisconnected struct {
	id  ConnID
	err error
}

type evtReceivedMessages struct {
	id       ConnID
	messages [][]byte
	total    int
}

type evtMalformed struct {
	id ConnID
}

type evtBytesWritten struct {
	id        ConnID
	n         int
	remaining int
}

// evtStartRetry fires when a retry's backoff timer elapses, asking the
// reactor to begin the connect attempt for the connection already
// parked in connecting under id.
type evtStartRetry struct {
	id ConnID
}

// funcEvent runs an arbitrary closure on the reactor goroutine. Bind
// and StartConnection are reactor-thread-only per §4.1, so anything
// that needs to drive them from a test (or from within another
// reactor-thread callback) posts one of these rather than reaching
// into Handler state from the wrong goroutine.
type funcEvent func(h *Handler)
