package libbtcnet

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/NirvanaNimbusa/libbtcnet/socketopt"
)

// Listener is a bound socket that accepts inbound connections and feeds
// them into the Handler. It is destroyed on shutdown or bind failure.
type Listener struct {
	id              ConnID
	bindDestination Destination
	listener        net.Listener
	enabled         atomic.Bool
	cancel          context.CancelFunc
}

// bindListener binds id's listener synchronously (net.ListenConfig.Listen
// does not return until the bind syscall completes) and, on success,
// spawns its accept loop.
func (h *Handler) bindListener(id ConnID, d Destination) (*Listener, error) {
	l := &Listener{id: id, bindDestination: d}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	lc := socketopt.ListenConfig()
	ln, err := lc.Listen(ctx, "tcp", d.HostPort())
	if err != nil {
		cancel()
		return l, err
	}
	l.listener = ln
	l.enabled.Store(true)
	h.wg.Add(1)
	go h.acceptLoop(l)
	return l, nil
}

func (h *Handler) acceptLoop(l *Listener) {
	defer h.wg.Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-h.quit:
			default:
				log.Errorf("listener %s: accept failed: %s", l.bindDestination.HostPort(), err)
			}
			return
		}
		if !l.enabled.Load() {
			// close() raced Accept(): the listener already has its fd
			// torn down from the reactor's point of view, so drop the
			// socket rather than post an event for a dead bind ID.
			_ = conn.Close()
			continue
		}
		_ = socketopt.SetNoDelay(conn)
		h.postEvent(evtIncomingAccepted{bindID: l.id, conn: conn})
	}
}

func (l *Listener) close() {
	l.enabled.Store(false)
	if l.cancel != nil {
		l.cancel()
	}
	if l.listener != nil {
		_ = l.listener.Close()
	}
}
