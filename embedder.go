package libbtcnet

// Embedder is the capability set the Handler invokes to consult the
// host application and deliver events. Every method runs on the
// reactor goroutine; none is called re-entrantly from a command that
// originated off-thread (Close, Send, PauseRecv, UnpauseRecv,
// SetRateLimit, SetIncomingRateLimit, SetOutgoingRateLimit, Shutdown).
//
// Callbacks for a single ConnID are totally ordered, and no callback is
// delivered for an id after its OnDisconnected.
type Embedder interface {
	// OnNeedOutgoing is asked for up to n new outbound destinations to
	// connect to; it may return fewer. Returned Destinations for which
	// IsSet() is false are skipped.
	OnNeedOutgoing(n int) []Destination

	// OnStartup fires once, before the outbound scheduling timer is
	// activated.
	OnStartup()
	// OnShutdown fires once, after every map has been drained. It runs
	// on the reactor goroutine as the last step of the drain, before the
	// reactor loop returns, not after it.
	OnShutdown()

	// OnBindFailure fires when a Listener could not bind.
	OnBindFailure(d Destination)

	// OnDNSResponse fires when a Resolve-Only lookup succeeds.
	OnDNSResponse(d Destination, results []ResolvedDestination)
	// OnDNSFailure fires when a Resolve-Only lookup fails.
	OnDNSFailure(d Destination, willRetry bool)

	// OnOutgoingConnection fires once an outbound connect succeeds,
	// before OnReadyForFirstSend.
	OnOutgoingConnection(id ConnID, requested, resolved Destination)
	// OnIncomingConnection consults the embedder on whether to keep an
	// accepted inbound socket. Declining drops it uncounted.
	OnIncomingConnection(id ConnID, bind Destination, resolved ResolvedDestination) bool

	// OnConnectionFailure fires when an outbound attempt (Direct, DNS,
	// or the transport layer of Proxy) fails.
	OnConnectionFailure(requested, resolved Destination, id ConnID, willRetry bool)
	// OnProxyFailure fires when the proxy handshake itself fails.
	OnProxyFailure(d Destination, willRetry bool)

	// OnReadyForFirstSend fires once per connection, after
	// OnOutgoingConnection/OnIncomingConnection and before any
	// OnReceiveMessages for that id.
	OnReadyForFirstSend(id ConnID)
	// OnReceiveMessages delivers complete framed messages; returning
	// false closes the connection.
	OnReceiveMessages(id ConnID, messages [][]byte, totalSize int) bool
	// OnMalformedMessage fires when the framer reports a framing
	// violation; the handler closes the connection immediately after.
	OnMalformedMessage(id ConnID)

	// OnWriteBufferFull fires when the write buffer crosses its high
	// watermark; OnWriteBufferReady fires once it drains below the low
	// watermark.
	OnWriteBufferFull(id ConnID, bufSize int)
	OnWriteBufferReady(id ConnID, bufSize int)

	// OnDisconnected fires exactly once per ConnID, terminally. If
	// reconnect is true, a retry under a new ConnID begins right after
	// this callback returns, and a later OnOutgoingConnection or
	// terminal OnConnectionFailure will carry that new ConnID.
	OnDisconnected(id ConnID, reconnect bool)
}
