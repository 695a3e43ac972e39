package libbtcnet

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NirvanaNimbusa/libbtcnet/framing"
	"github.com/NirvanaNimbusa/libbtcnet/ratelimit"
)

// Variant names one of the five connection dialects sharing the
// Connection contract.
type Variant int

const (
	VariantDirect Variant = iota
	VariantDNS
	VariantProxy
	VariantResolveOnly
	VariantIncoming
)

func (v Variant) String() string {
	switch v {
	case VariantDirect:
		return "direct"
	case VariantDNS:
		return "dns"
	case VariantProxy:
		return "proxy"
	case VariantResolveOnly:
		return "resolve-only"
	case VariantIncoming:
		return "incoming"
	default:
		return "unknown"
	}
}

type connState int

const (
	stateIdle connState = iota
	stateResolving
	stateIterating
	stateConnecting
	stateEstablished
	stateClosing
	stateTerminal
)

// connTimers bundles the handful of scoped one-shot timers a connection
// owns across its lifetime, mirroring ConnectionBase's m_reconnect_func /
// m_disconnect_func / m_disconnect_wait_func / m_check_write_buffer_func.
// All four are stopped on every terminal transition.
type connTimers struct {
	reconnect        *time.Timer
	disconnect       *time.Timer
	disconnectWait   *time.Timer
	checkWriteBuffer *time.Timer
}

func (t *connTimers) stopAll() {
	for _, tm := range []*time.Timer{t.reconnect, t.disconnect, t.disconnectWait, t.checkWriteBuffer} {
		if tm != nil {
			tm.Stop()
		}
	}
	*t = connTimers{}
}

// connWriteBuffer is the small hand-off point between the reactor
// goroutine (which appends on Send) and a connection's writer goroutine
// (which drains it against the rate limiter). It is the one piece of
// per-connection state touched from two goroutines; every decision
// about what to do with its contents is still made on the reactor.
type connWriteBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *connWriteBuffer) append(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	return b.buf.Len()
}

func (b *connWriteBuffer) take(max int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := max
	if b.buf.Len() < n {
		n = b.buf.Len()
	}
	if n == 0 {
		return nil
	}
	chunk := make([]byte, n)
	copy(chunk, b.buf.Bytes()[:n])
	b.buf.Next(n)
	return chunk
}

func (b *connWriteBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// variant is the trait each connection dialect implements: a table of
// functions rather than virtual dispatch, per the design notes.
type variant interface {
	// connect begins (or resumes, for DNS iteration) the connect state
	// machine. It always runs on the reactor goroutine and must not
	// block; real work happens in spawned goroutines that report back
	// through the handler's event channel.
	connect(h *Handler, c *connection)
	// cancel aborts any in-flight attempt for this connection.
	cancel(c *connection)
}

// connection is the entity owned exclusively by one map at a time:
// connecting, connected, or dnsResolves (for a resolve-only variant).
type connection struct {
	id          ConnID
	destination Destination
	resolved    ResolvedDestination
	variant     Variant
	impl        variant
	outgoing    bool
	bindID      ConnID

	retriesRemaining int

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64

	rateOverride *ratelimit.Override

	conn   net.Conn
	framer framing.Framer

	writeBuf    connWriteBuffer
	writeNotify chan struct{}
	pauseRecv   chan struct{}
	recvPaused  atomic.Bool

	state                   connState
	closeAfterWrite         bool
	writeBufferFullNotified bool

	timers connTimers

	dnsAddrs  []net.IPAddr
	dnsCursor int

	// cancelAttempt cancels an in-flight dial/resolve goroutine.
	cancelAttempt context.CancelFunc
	// ioCtx/ioCancel bound the read/write loops' rate-limiter waits and
	// are canceled the instant the connection is torn down, so a
	// goroutine blocked on a token bucket doesn't outlive its socket.
	ioCtx    context.Context
	ioCancel context.CancelFunc
}

func newConnection(id ConnID, d Destination, v Variant, impl variant, outgoing bool) *connection {
	retries := d.Retries
	return &connection{
		id:               id,
		destination:      d,
		variant:          v,
		impl:             impl,
		outgoing:         outgoing,
		retriesRemaining: retries,
		writeNotify:      make(chan struct{}, 1),
		pauseRecv:        make(chan struct{}, 1),
	}
}

// willRetry implements the decrement-iff-retrying rule from the design
// notes: decrement only when a retry will actually be attempted, never
// below zero; any negative value is the infinite-retry sentinel.
func (c *connection) willRetry(shuttingDown bool) bool {
	if shuttingDown {
		return false
	}
	ok := c.retriesRemaining != 0
	if ok && c.retriesRemaining > 0 {
		c.retriesRemaining--
	}
	return ok
}

func (c *connection) resetRetries() {
	c.retriesRemaining = c.destination.Retries
}
