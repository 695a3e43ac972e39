package libbtcnet

import "sync/atomic"

// ConnID is a monotonically increasing, process-wide connection
// identifier. A retry allocates a new ConnID; the old one is never
// reused and is terminal once the retry begins.
type ConnID uint64

// connIDAllocator hands out strictly increasing ConnIDs, mirroring the
// teacher's atomic connReqCount counter.
type connIDAllocator struct {
	next uint64
}

func (a *connIDAllocator) allocate() ConnID {
	return ConnID(atomic.AddUint64(&a.next, 1))
}

func (a *connIDAllocator) last() ConnID {
	return ConnID(atomic.LoadUint64(&a.next))
}
