package libbtcnet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/NirvanaNimbusa/libbtcnet/framing"
	"github.com/NirvanaNimbusa/libbtcnet/ratelimit"
	"github.com/NirvanaNimbusa/libbtcnet/socketopt"
)

// maxSimultaneousConnecting caps how many new outbound connections a
// single refill cycle starts, so a slot refill never stampedes the
// network. It also caps concurrently running DNS resolve/dial work.
const maxSimultaneousConnecting = 8

const refillInterval = 500 * time.Millisecond

// Write buffer watermarks and I/O chunk sizes for the per-connection
// reader/writer goroutines.
const (
	writeHighWatermark = 256 * 1024
	writeLowWatermark  = 64 * 1024
	writeChunkSize     = 32 * 1024
	readChunkSize      = 32 * 1024
)

// Backoff bounds for a retried connection, mirroring the teacher's
// defaultRetryDuration/maxRetryDuration used by handleFailedConn.
const (
	defaultRetryDuration = 5 * time.Second
	maxRetryDuration     = 5 * time.Minute
)

// Config holds the options the Handler is constructed with.
type Config struct {
	// Embedder is the callback surface consulted for destinations,
	// listener decisions, and delivered events. Required.
	Embedder Embedder

	// EnableThreading selects whether Start spawns the reactor on its
	// own goroutine (true) or the caller drives it via Pump (false).
	EnableThreading bool

	// OutgoingLimit is the target number of established outbound
	// connections. Defaults to 8.
	OutgoingLimit int
	// IncomingLimit caps established inbound connections; 0 means
	// unlimited.
	IncomingLimit int
	// BindLimit caps the number of registered Listeners; 0 means
	// unlimited.
	BindLimit int
	// TotalLimit caps outgoing+incoming established connections
	// combined; 0 means unlimited.
	TotalLimit int

	IncomingRateLimit ratelimit.Config
	OutgoingRateLimit ratelimit.Config

	// NewFramer builds the per-connection message framer. Defaults to
	// a 4-byte length-prefixed framer with no maximum message size.
	NewFramer func(Destination) framing.Framer
}

func (cfg *Config) setDefaults() {
	if cfg.OutgoingLimit <= 0 {
		cfg.OutgoingLimit = 8
	}
	if cfg.NewFramer == nil {
		cfg.NewFramer = func(Destination) framing.Framer {
			return framing.LengthPrefixed{}
		}
	}
}

// Handler is the event-loop-driven state machine that owns connection
// identities, multiplexes I/O, enforces connection-count and rate
// budgets, orchestrates the per-connection lifecycle, and bridges these
// activities to the embedding application.
//
// All state mutation happens on a single reactor goroutine; the
// exported command methods (Close, Send, PauseRecv, UnpauseRecv,
// SetRateLimit, SetIncomingRateLimit, SetOutgoingRateLimit, Shutdown)
// are safe to call from any goroutine and are serialized onto the
// reactor through requests, exactly as the teacher's ConnManager
// serializes registerPending/handleConnected/handleDisconnected/
// handleFailed through its requests channel.
type Handler struct {
	cfg      Config
	embedder Embedder

	ids connIDAllocator

	connMu    sync.Mutex
	connected map[ConnID]*connection

	// connecting and dnsResolves are reactor-goroutine-only.
	connecting  map[ConnID]*connection
	dnsResolves map[ConnID]*connection

	bindMu sync.Mutex
	binds  map[ConnID]*Listener

	outgoingConnCount int
	incomingConnCount int

	groupRateMu   sync.Mutex
	incomingGroup *ratelimit.Group
	outgoingGroup *ratelimit.Group

	// dnsGroup bounds concurrent DNS-resolution goroutines spawned by
	// dns.go/resolveonly.go so a burst of resolve-only destinations
	// cannot run the goroutine count away from maxSimultaneousConnecting.
	dnsGroup *errgroup.Group

	requests chan interface{}
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup

	started      boolFlag
	shuttingDown boolFlag

	refillTimer *time.Timer
}

// boolFlag is a tiny atomic once-set flag, used for the started and
// shuttingDown gates that must be safe to flip from any goroutine.
type boolFlag struct {
	v atomic.Bool
}

func (f *boolFlag) trySet() bool {
	return f.v.CompareAndSwap(false, true)
}

func (f *boolFlag) get() bool {
	return f.v.Load()
}

func (f *boolFlag) set() {
	f.v.Store(true)
}

// New constructs a Handler. Start must be called before any connection
// or bind activity begins.
func New(cfg Config) (*Handler, error) {
	if cfg.Embedder == nil {
		return nil, errors.WithStack(ErrEmbedderNil)
	}
	cfg.setDefaults()

	dnsGroup := &errgroup.Group{}
	dnsGroup.SetLimit(maxSimultaneousConnecting)

	h := &Handler{
		cfg:           cfg,
		embedder:      cfg.Embedder,
		connected:     make(map[ConnID]*connection),
		connecting:    make(map[ConnID]*connection),
		dnsResolves:   make(map[ConnID]*connection),
		binds:         make(map[ConnID]*Listener),
		dnsGroup:      dnsGroup,
		requests:      make(chan interface{}, 64),
		quit:          make(chan struct{}),
		incomingGroup: ratelimit.NewGroup(cfg.IncomingRateLimit),
		outgoingGroup: ratelimit.NewGroup(cfg.OutgoingRateLimit),
	}
	return h, nil
}

// Start initializes the reactor and emits OnStartup before activating
// the periodic outbound-slot refill timer. Start succeeds only once per
// Handler: every later call, including one made after Shutdown, returns
// ErrAlreadyStarted.
func (h *Handler) Start() error {
	if !h.started.trySet() {
		return errors.WithStack(ErrAlreadyStarted)
	}
	h.embedder.OnStartup()
	h.refillTimer = time.NewTimer(refillInterval)

	if h.cfg.EnableThreading {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for h.runOnce(true) {
			}
		}()
	}
	return nil
}

// Pump runs one reactor iteration and returns false once shutdown has
// completed. The embedder calls this in its own thread when
// EnableThreading is false; it must not be called concurrently with
// itself or with a threaded reactor.
func (h *Handler) Pump(block bool) bool {
	return h.runOnce(block)
}

// Wait blocks until every goroutine the handler owns (reactor, listener
// accept loops, connection I/O loops) has exited. Call after Shutdown.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// LastConnID returns the most recently allocated ConnID, the
// high-water mark of connection churn. Safe to call from any
// goroutine; per §3, every ConnID ever stored in a map is at or below
// this value.
func (h *Handler) LastConnID() ConnID {
	return h.ids.last()
}

// ConnStats is a point-in-time snapshot of a connection's byte
// counters, in the style of the teacher's peer.StatsSnapshot.
// BytesRead counts the payload bytes of messages delivered to
// OnReceiveMessages; framing prefixes and the bytes of a message not
// yet complete are not included. BytesWritten counts bytes written to
// the socket.
type ConnStats struct {
	BytesRead    uint64
	BytesWritten uint64
}

// ConnStats reports id's cumulative bytes read/written. ok is false if
// id does not name a live connection. Safe to call from any goroutine.
func (h *Handler) ConnStats(id ConnID) (stats ConnStats, ok bool) {
	h.connMu.Lock()
	c, ok := h.connected[id]
	h.connMu.Unlock()
	if !ok {
		return ConnStats{}, false
	}
	return ConnStats{
		BytesRead:    c.bytesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
	}, true
}

// goDNS runs fn under the handler's dnsGroup so that no more than
// maxSimultaneousConnecting resolve/dial goroutines from dns.go and
// resolveonly.go run at once. dnsGroup.Go blocks its caller once the
// limit is saturated, so the blocking wait happens on this throwaway
// goroutine rather than on the reactor goroutine that calls goDNS.
func (h *Handler) goDNS(fn func()) {
	go func() {
		h.dnsGroup.Go(func() error {
			fn()
			return nil
		})
	}()
}

func (h *Handler) runOnce(block bool) bool {
	if block {
		select {
		case req := <-h.requests:
			h.dispatch(req)
		case <-h.refillTimer.C:
			h.refillTimer.Reset(refillInterval)
			h.requestOutgoing()
		}
	} else {
		select {
		case req := <-h.requests:
			h.dispatch(req)
		case <-h.refillTimer.C:
			h.refillTimer.Reset(refillInterval)
			h.requestOutgoing()
		default:
		}
	}
	return !h.fullyShutdown()
}

func (h *Handler) fullyShutdown() bool {
	// quit is closed only at the end of doShutdown, so this stays false
	// until the teardown has actually run, not merely been requested.
	select {
	case <-h.quit:
	default:
		return false
	}
	h.connMu.Lock()
	connectedEmpty := len(h.connected) == 0
	h.connMu.Unlock()
	h.bindMu.Lock()
	bindsEmpty := len(h.binds) == 0
	h.bindMu.Unlock()
	return connectedEmpty && bindsEmpty && len(h.connecting) == 0 && len(h.dnsResolves) == 0
}

// postEvent hands a message to the reactor goroutine, or drops it
// silently once shutdown has closed quit.
func (h *Handler) postEvent(msg interface{}) {
	select {
	case h.requests <- msg:
	case <-h.quit:
	}
}

// ---- cross-thread command entry points (§5) ----

// Shutdown schedules teardown on the reactor. Safe to call from any
// goroutine, any number of times.
func (h *Handler) Shutdown() {
	if !h.shuttingDown.trySet() {
		return
	}
	h.postEvent(cmdShutdown{})
}

// Close closes an established connection. immediately aborts reads and
// writes right away; otherwise the write buffer is flushed first.
// Returns ErrUnknownConnID if id does not name a live connection.
func (h *Handler) Close(id ConnID, immediately bool) error {
	result := make(chan error, 1)
	h.postEvent(cmdClose{id: id, immediately: immediately, result: result})
	select {
	case err := <-result:
		return err
	case <-h.quit:
		return errors.WithStack(ErrUnknownConnID)
	}
}

// Send appends data to id's write buffer. Returns ErrUnknownConnID if
// id is not a known established connection.
func (h *Handler) Send(id ConnID, data []byte) error {
	result := make(chan error, 1)
	h.postEvent(cmdSend{id: id, data: data, result: result})
	select {
	case err := <-result:
		return err
	case <-h.quit:
		return errors.WithStack(ErrUnknownConnID)
	}
}

// PauseRecv disables reads on id's socket until UnpauseRecv. Returns
// ErrUnknownConnID if id is not a known established connection.
func (h *Handler) PauseRecv(id ConnID) error {
	result := make(chan error, 1)
	h.postEvent(cmdPauseRecv{id: id, result: result})
	select {
	case err := <-result:
		return err
	case <-h.quit:
		return errors.WithStack(ErrUnknownConnID)
	}
}

// UnpauseRecv re-enables reads on id's socket. Returns ErrUnknownConnID
// if id is not a known established connection.
func (h *Handler) UnpauseRecv(id ConnID) error {
	result := make(chan error, 1)
	h.postEvent(cmdUnpauseRecv{id: id, result: result})
	select {
	case err := <-result:
		return err
	case <-h.quit:
		return errors.WithStack(ErrUnknownConnID)
	}
}

// SetRateLimit installs a per-connection override bucket for id alone.
// Its tokens are consumed before the group's, so the group's limit
// still applies to id as well.
func (h *Handler) SetRateLimit(id ConnID, limit ratelimit.Config) {
	h.postEvent(cmdSetRateLimit{id: id, limit: limit})
}

// SetIncomingRateLimit atomically replaces the shared inbound bucket
// configuration.
func (h *Handler) SetIncomingRateLimit(limit ratelimit.Config) {
	h.postEvent(cmdSetIncomingRateLimit{limit: limit})
}

// SetOutgoingRateLimit atomically replaces the shared outbound bucket
// configuration.
func (h *Handler) SetOutgoingRateLimit(limit ratelimit.Config) {
	h.postEvent(cmdSetOutgoingRateLimit{limit: limit})
}

// ---- reactor-thread-only entry points (§4.1) ----

// Bind creates a Listener for d and, on success, registers it and
// begins accepting. Must be called on the reactor goroutine: either
// before Start, or from within OnStartup/OnNeedOutgoing.
func (h *Handler) Bind(d Destination) error {
	if h.shuttingDown.get() {
		return errors.WithStack(ErrShuttingDown)
	}
	h.bindMu.Lock()
	if h.cfg.BindLimit > 0 && len(h.binds) >= h.cfg.BindLimit {
		h.bindMu.Unlock()
		return errors.WithStack(ErrBindLimitReached)
	}
	h.bindMu.Unlock()

	id := h.ids.allocate()
	l, err := h.bindListener(id, d)
	if err != nil {
		h.embedder.OnBindFailure(d)
		return errors.Wrap(err, "bind failed")
	}

	h.bindMu.Lock()
	h.binds[id] = l
	h.bindMu.Unlock()
	return nil
}

// StartConnection allocates a ConnID, selects the variant, and begins
// connecting. Must be called on the reactor goroutine.
func (h *Handler) StartConnection(d Destination) error {
	if h.shuttingDown.get() {
		return errors.WithStack(ErrShuttingDown)
	}
	if err := d.Validate(); err != nil {
		return err
	}
	if h.cfg.TotalLimit > 0 && h.outgoingConnCount+h.incomingConnCount >= h.cfg.TotalLimit {
		return errors.New("total connection limit reached")
	}

	id := h.ids.allocate()
	impl, v := selectVariant(d)
	c := newConnection(id, d, v, impl, true)

	if v == VariantResolveOnly {
		h.dnsResolves[id] = c
	} else {
		h.connecting[id] = c
	}
	c.impl.connect(h, c)
	return nil
}

func selectVariant(d Destination) (variant, Variant) {
	switch {
	case d.Proxy != nil:
		return proxyVariant{}, VariantProxy
	case d.DoResolve == ResolveOnly:
		return resolveOnlyVariant{}, VariantResolveOnly
	case d.DoResolve == Resolve:
		return dnsVariant{}, VariantDNS
	default:
		return directVariant{}, VariantDirect
	}
}

// requestOutgoing implements the refill cycle in §4.1.1. Called by the
// periodic timer and also by every event that reduces outgoing
// occupancy without a retry taking the freed slot's place.
func (h *Handler) requestOutgoing() {
	if h.shuttingDown.get() {
		return
	}
	connectingOutgoing := 0
	for _, c := range h.connecting {
		if c.outgoing {
			connectingOutgoing++
		}
	}
	need := h.cfg.OutgoingLimit - h.outgoingConnCount - connectingOutgoing
	if need > maxSimultaneousConnecting {
		need = maxSimultaneousConnecting
	}
	if need <= 0 {
		return
	}

	destinations := h.embedder.OnNeedOutgoing(need)
	for _, d := range destinations {
		if !d.IsSet() {
			continue
		}
		if err := h.StartConnection(d); err != nil {
			log.Debugf("libbtcnet: skipping destination from OnNeedOutgoing: %s", err)
		}
	}
}

// ---- reactor dispatch ----

func (h *Handler) dispatch(msg interface{}) {
	switch m := msg.(type) {
	case cmdClose:
		m.result <- h.handleClose(m.id, m.immediately)
	case cmdSend:
		m.result <- h.handleSend(m.id, m.data)
	case cmdPauseRecv:
		m.result <- h.handlePauseRecv(m.id)
	case cmdUnpauseRecv:
		m.result <- h.handleUnpauseRecv(m.id)
	case cmdSetRateLimit:
		h.handleSetRateLimit(m.id, m.limit)
	case cmdSetIncomingRateLimit:
		h.incomingGroup.SetConfig(m.limit)
	case cmdSetOutgoingRateLimit:
		h.outgoingGroup.SetConfig(m.limit)
	case cmdShutdown:
		h.doShutdown()
	case evtConnectSucceeded:
		h.handleConnectSucceeded(m)
	case evtConnectFailed:
		h.handleConnectFailed(m)
	case evtDNSResolved:
		h.handleDNSResolved(m)
	case evtDNSFailed:
		h.handleDNSFailed(m)
	case evtIncomingAccepted:
		h.handleIncomingAccepted(m)
	case evtDisconnected:
		h.disconnectConnection(m.id, true)
	case evtReceivedMessages:
		h.handleReceivedMessages(m)
	case evtMalformed:
		h.handleMalformed(m)
	case evtBytesWritten:
		h.handleBytesWritten(m)
	case evtStartRetry:
		h.handleStartRetry(m)
	case funcEvent:
		m(h)
	default:
		panic(fmt.Sprintf("libbtcnet: unknown reactor message %T", msg))
	}
}

func (h *Handler) handleClose(id ConnID, immediately bool) error {
	h.connMu.Lock()
	c, ok := h.connected[id]
	h.connMu.Unlock()
	if !ok {
		return errors.WithStack(ErrUnknownConnID)
	}
	if immediately || c.writeBuf.len() == 0 {
		h.disconnectConnection(id, false)
		return nil
	}
	c.state = stateClosing
	c.closeAfterWrite = true
	return nil
}

func (h *Handler) handleSend(id ConnID, data []byte) error {
	h.connMu.Lock()
	c, ok := h.connected[id]
	h.connMu.Unlock()
	if !ok {
		return errors.WithStack(ErrUnknownConnID)
	}
	size := c.writeBuf.append(data)
	select {
	case c.writeNotify <- struct{}{}:
	default:
	}
	if size >= writeHighWatermark && !c.writeBufferFullNotified {
		c.writeBufferFullNotified = true
		h.embedder.OnWriteBufferFull(id, size)
	}
	return nil
}

func (h *Handler) handlePauseRecv(id ConnID) error {
	h.connMu.Lock()
	c, ok := h.connected[id]
	h.connMu.Unlock()
	if !ok {
		return errors.WithStack(ErrUnknownConnID)
	}
	c.recvPaused.Store(true)
	return nil
}

func (h *Handler) handleUnpauseRecv(id ConnID) error {
	h.connMu.Lock()
	c, ok := h.connected[id]
	h.connMu.Unlock()
	if !ok {
		return errors.WithStack(ErrUnknownConnID)
	}
	c.recvPaused.Store(false)
	select {
	case c.pauseRecv <- struct{}{}:
	default:
	}
	return nil
}

func (h *Handler) handleSetRateLimit(id ConnID, limit ratelimit.Config) {
	h.connMu.Lock()
	c, ok := h.connected[id]
	h.connMu.Unlock()
	if !ok {
		return
	}
	c.rateOverride = ratelimit.NewOverride(limit)
}

func (h *Handler) handleIncomingAccepted(m evtIncomingAccepted) {
	if h.shuttingDown.get() {
		_ = m.conn.Close()
		return
	}
	h.bindMu.Lock()
	l, ok := h.binds[m.bindID]
	h.bindMu.Unlock()
	if !ok {
		_ = m.conn.Close()
		return
	}
	if h.cfg.TotalLimit > 0 && h.outgoingConnCount+h.incomingConnCount >= h.cfg.TotalLimit {
		_ = m.conn.Close()
		return
	}
	if h.cfg.IncomingLimit > 0 && h.incomingConnCount >= h.cfg.IncomingLimit {
		_ = m.conn.Close()
		return
	}

	id := h.ids.allocate()
	c := newConnection(id, l.bindDestination, VariantIncoming, incomingVariant{}, false)
	c.bindID = m.bindID
	c.conn = m.conn
	h.connecting[id] = c

	resolved := newResolvedDestination(l.bindDestination, m.conn.RemoteAddr())
	if !h.embedder.OnIncomingConnection(id, l.bindDestination, resolved) {
		delete(h.connecting, id)
		_ = m.conn.Close()
		return
	}
	c.impl.connect(h, c)
}

func (h *Handler) handleConnectSucceeded(m evtConnectSucceeded) {
	c, ok := h.connecting[m.id]
	if !ok {
		_ = m.conn.Close()
		return
	}
	delete(h.connecting, m.id)

	c.conn = m.conn
	c.resolved = m.resolved
	c.state = stateEstablished
	c.resetRetries()
	c.framer = h.cfg.NewFramer(c.destination)
	if c.destination.RateLimit != nil {
		c.rateOverride = ratelimit.NewOverride(*c.destination.RateLimit)
	}
	_ = socketopt.SetNoDelay(m.conn)

	h.connMu.Lock()
	h.connected[c.id] = c
	h.connMu.Unlock()

	if c.outgoing {
		h.outgoingConnCount++
		h.outgoingGroup.Attach(uint64(c.id))
	} else {
		h.incomingConnCount++
		h.incomingGroup.Attach(uint64(c.id))
	}

	if c.variant != VariantIncoming {
		h.embedder.OnOutgoingConnection(c.id, c.destination, c.resolved.Destination)
	}

	h.spawnIOLoops(c)

	h.embedder.OnReadyForFirstSend(c.id)
}

func (h *Handler) handleConnectFailed(m evtConnectFailed) {
	c, ok := h.connecting[m.id]
	if !ok {
		return
	}

	if c.variant == VariantDNS && c.state == stateIterating {
		// Every address failure gets its own OnConnectionFailure, per
		// dnsconn.cpp's ConnectionFailure() emitting on each address,
		// not just once the deque is exhausted.
		failedAddr := c.dnsAddrs[c.dnsCursor]
		failedResolved := newResolvedDestination(c.destination, &net.IPAddr{IP: failedAddr.IP})
		c.dnsCursor++
		moreAddrs := c.dnsCursor < len(c.dnsAddrs)
		retriesRemain := !h.shuttingDown.get() && c.retriesRemaining != 0
		h.embedder.OnConnectionFailure(c.destination, failedResolved.Destination, c.id, moreAddrs || retriesRemain)

		if moreAddrs {
			dnsConnectCursor(h, c)
			return
		}

		// Addresses exhausted: decide whether to re-resolve, which is
		// the actual "retry" that consumes a retry count and churns
		// the ConnID.
		c.dnsAddrs = nil
		c.dnsCursor = 0
		delete(h.connecting, m.id)

		if c.willRetry(h.shuttingDown.get()) {
			h.retryConnection(c)
			return
		}
		if c.outgoing {
			h.requestOutgoing()
		}
		return
	}

	delete(h.connecting, m.id)
	willRetry := c.willRetry(h.shuttingDown.get())

	// Exactly one callback by failure type: a proxy-dialogue failure is
	// reported as OnProxyFailure only, never also OnConnectionFailure.
	if m.failureType == FailureProxy {
		h.embedder.OnProxyFailure(c.destination, willRetry)
	} else {
		h.embedder.OnConnectionFailure(c.destination, c.resolved.Destination, c.id, willRetry)
	}

	if willRetry {
		h.retryConnection(c)
	} else if c.outgoing {
		h.requestOutgoing()
	}
}

func (h *Handler) handleDNSResolved(m evtDNSResolved) {
	if c, ok := h.dnsResolves[m.id]; ok {
		delete(h.dnsResolves, m.id)
		results := make([]ResolvedDestination, len(m.addrs))
		for i, ip := range m.addrs {
			addr := ip
			results[i] = newResolvedDestination(c.destination, &net.IPAddr{IP: addr.IP})
		}
		h.embedder.OnDNSResponse(c.destination, results)
		return
	}
	if c, ok := h.connecting[m.id]; ok {
		c.dnsAddrs = m.addrs
		c.dnsCursor = 0
		c.state = stateIterating
		dnsConnectCursor(h, c)
	}
}

func (h *Handler) handleDNSFailed(m evtDNSFailed) {
	if c, ok := h.dnsResolves[m.id]; ok {
		willRetry := c.willRetry(h.shuttingDown.get())
		h.embedder.OnDNSFailure(c.destination, willRetry)
		if willRetry {
			c.impl.connect(h, c)
		} else {
			delete(h.dnsResolves, m.id)
		}
		return
	}
	if c, ok := h.connecting[m.id]; ok {
		delete(h.connecting, m.id)
		willRetry := c.willRetry(h.shuttingDown.get())
		h.embedder.OnConnectionFailure(c.destination, c.destination, c.id, willRetry)
		if willRetry {
			h.retryConnection(c)
		} else if c.outgoing {
			h.requestOutgoing()
		}
	}
}

func (h *Handler) handleReceivedMessages(m evtReceivedMessages) {
	h.connMu.Lock()
	c, ok := h.connected[m.id]
	h.connMu.Unlock()
	if !ok {
		return
	}
	c.bytesRead.Add(uint64(m.total))
	if !h.embedder.OnReceiveMessages(m.id, m.messages, m.total) {
		h.disconnectConnection(m.id, false)
	}
}

func (h *Handler) handleMalformed(m evtMalformed) {
	h.connMu.Lock()
	_, ok := h.connected[m.id]
	h.connMu.Unlock()
	if !ok {
		return
	}
	h.embedder.OnMalformedMessage(m.id)
	h.disconnectConnection(m.id, false)
}

func (h *Handler) handleBytesWritten(m evtBytesWritten) {
	h.connMu.Lock()
	c, ok := h.connected[m.id]
	h.connMu.Unlock()
	if !ok {
		return
	}
	c.bytesWritten.Add(uint64(m.n))
	if c.writeBufferFullNotified && m.remaining <= writeLowWatermark {
		c.writeBufferFullNotified = false
		h.embedder.OnWriteBufferReady(m.id, m.remaining)
	}
	if c.closeAfterWrite && m.remaining == 0 {
		h.disconnectConnection(m.id, false)
	}
}

func (h *Handler) handleStartRetry(m evtStartRetry) {
	if h.shuttingDown.get() {
		return
	}
	if c, ok := h.connecting[m.id]; ok {
		c.impl.connect(h, c)
	}
}

// retryConnection implements §4.1.2: allocate a new ConnID, move the
// underlying connection into connecting under that id, and schedule its
// connect attempt after a backoff of (1 + retries consumed so far) times
// defaultRetryDuration, capped at maxRetryDuration. With unlimited
// retries the backoff is always defaultRetryDuration.
func (h *Handler) retryConnection(old *connection) {
	newID := h.ids.allocate()
	newConn := newConnection(newID, old.destination, old.variant, old.impl, old.outgoing)
	newConn.retriesRemaining = old.retriesRemaining
	h.connecting[newID] = newConn

	delay := retryBackoff(old.destination, old.retriesRemaining)
	if delay <= 0 {
		newConn.impl.connect(h, newConn)
		return
	}
	id := newID
	newConn.timers.reconnect = time.AfterFunc(delay, func() {
		h.postEvent(evtStartRetry{id: id})
	})
}

func retryBackoff(d Destination, retriesRemaining int) time.Duration {
	attempt := 1
	if d.Retries > 0 {
		attempt = d.Retries - retriesRemaining + 1
		if attempt < 1 {
			attempt = 1
		}
	}
	delay := time.Duration(attempt) * defaultRetryDuration
	if delay > maxRetryDuration {
		delay = maxRetryDuration
	}
	return delay
}

// disconnectConnection is the path by which a connected entry leaves
// the connected map outside of doShutdown's drain: Close, a malformed
// message, the embedder
// declining to keep a connection open, or a socket error reported by a
// read/write loop. It is idempotent: a second call for the same id
// (e.g. both the reader and writer loops hitting the same closed
// socket) finds nothing in the map and returns.
func (h *Handler) disconnectConnection(id ConnID, retryEligible bool) {
	h.connMu.Lock()
	c, ok := h.connected[id]
	if ok {
		delete(h.connected, id)
	}
	h.connMu.Unlock()
	if !ok {
		return
	}
	c.state = stateClosing

	if c.outgoing {
		h.outgoingConnCount--
		h.outgoingGroup.Detach(uint64(id))
	} else {
		h.incomingConnCount--
		h.incomingGroup.Detach(uint64(id))
	}

	c.timers.stopAll()
	if c.ioCancel != nil {
		c.ioCancel()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}

	willRetry := retryEligible && c.outgoing && c.willRetry(h.shuttingDown.get())
	h.embedder.OnDisconnected(id, willRetry)
	c.state = stateTerminal

	if willRetry {
		h.retryConnection(c)
	} else if c.outgoing {
		// §4.1.1: any event that reduces occupancy triggers a refill,
		// not just the periodic timer.
		h.requestOutgoing()
	}
}

// spawnIOLoops starts the reader and writer goroutines for a freshly
// established connection.
func (h *Handler) spawnIOLoops(c *connection) {
	ctx, cancel := context.WithCancel(context.Background())
	c.ioCtx = ctx
	c.ioCancel = cancel

	h.wg.Add(2)
	go h.readLoop(c)
	go h.writeLoop(c)
}

func (h *Handler) readLoop(c *connection) {
	defer h.wg.Done()

	group := h.incomingGroup
	if c.outgoing {
		group = h.outgoingGroup
	}

	var pending []byte
	buf := make([]byte, readChunkSize)
	for {
		for c.recvPaused.Load() {
			select {
			case <-c.pauseRecv:
			case <-c.ioCtx.Done():
				return
			}
		}

		if err := c.rateOverride.WaitRead(c.ioCtx, group, len(buf)); err != nil {
			return
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			if c.framer != nil {
				msgs, consumed, ferr := c.framer.Feed(pending)
				if ferr != nil {
					h.postEvent(evtMalformed{id: c.id})
					return
				}
				pending = pending[consumed:]
				if len(msgs) > 0 {
					total := 0
					for _, msg := range msgs {
						total += len(msg)
					}
					h.postEvent(evtReceivedMessages{id: c.id, messages: msgs, total: total})
				}
			}
		}
		if err != nil {
			h.postEvent(evtDisconnected{id: c.id, err: err})
			return
		}
	}
}

func (h *Handler) writeLoop(c *connection) {
	defer h.wg.Done()

	group := h.incomingGroup
	if c.outgoing {
		group = h.outgoingGroup
	}

	for {
		select {
		case <-c.writeNotify:
		case <-c.ioCtx.Done():
			return
		}
		for {
			chunk := c.writeBuf.take(writeChunkSize)
			if len(chunk) == 0 {
				break
			}
			if err := c.rateOverride.WaitWrite(c.ioCtx, group, len(chunk)); err != nil {
				return
			}
			n, err := c.conn.Write(chunk)
			if err != nil {
				h.postEvent(evtDisconnected{id: c.id, err: err})
				return
			}
			h.postEvent(evtBytesWritten{id: c.id, n: n, remaining: c.writeBuf.len()})
		}
	}
}

// doShutdown implements §4.1.3.
func (h *Handler) doShutdown() {
	h.connMu.Lock()
	movedConns := h.connected
	h.connected = make(map[ConnID]*connection)
	h.connMu.Unlock()

	h.bindMu.Lock()
	movedBinds := h.binds
	h.binds = make(map[ConnID]*Listener)
	h.bindMu.Unlock()

	h.shuttingDown.set()

	// The socket/listener teardown itself has no cross-connection
	// ordering requirement, so it fans out across an errgroup; the
	// embedder callbacks that follow stay sequential on the reactor
	// goroutine, since OnDisconnected/OnConnectionFailure ordering is
	// part of the contract.
	var teardown errgroup.Group
	for _, c := range movedConns {
		c := c
		teardown.Go(func() error {
			c.timers.stopAll()
			if c.ioCancel != nil {
				c.ioCancel()
			}
			if c.conn != nil {
				_ = c.conn.Close()
			}
			return nil
		})
	}
	for _, l := range movedBinds {
		l := l
		teardown.Go(func() error {
			l.close()
			return nil
		})
	}
	_ = teardown.Wait()

	for id, c := range movedConns {
		if c.outgoing {
			h.outgoingConnCount--
			h.outgoingGroup.Detach(uint64(id))
		} else {
			h.incomingConnCount--
			h.incomingGroup.Detach(uint64(id))
		}
		h.embedder.OnDisconnected(id, false)
	}

	for id, c := range h.connecting {
		c.impl.cancel(c)
		c.timers.stopAll()
		if c.outgoing {
			h.embedder.OnConnectionFailure(c.destination, c.resolved.Destination, id, false)
		}
		delete(h.connecting, id)
	}

	for id, c := range h.dnsResolves {
		c.impl.cancel(c)
		c.timers.stopAll()
		delete(h.dnsResolves, id)
	}

	if h.outgoingConnCount != 0 || h.incomingConnCount != 0 {
		panic("libbtcnet: non-zero connection counts after shutdown drain")
	}

	h.quitOnce.Do(func() { close(h.quit) })

	h.embedder.OnShutdown()
}
