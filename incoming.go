package libbtcnet

// incomingVariant wraps an already-accepted socket: Accepted ->
// Established -> Terminal. connect completes immediately; the handler
// still consults OnIncomingConnection before counting it.
type incomingVariant struct{}

func (incomingVariant) connect(h *Handler, c *connection) {
	resolved := newResolvedDestination(c.destination, c.conn.RemoteAddr())
	c.resolved = resolved
	h.postEvent(evtConnectSucceeded{id: c.id, conn: c.conn, resolved: resolved})
}

func (incomingVariant) cancel(c *connection) {}
