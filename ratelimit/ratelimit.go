// Package ratelimit implements the two shared token-bucket groups (one per
// direction) plus per-connection override buckets described by the
// connection handler's rate-limiting design: per-connection tokens are
// consumed first, then the group's tokens; a connection with no override
// simply consumes the group's bucket directly.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitMax is the sentinel value for a rate or burst field meaning
// "no throttling", mirroring EV_RATE_LIMIT_MAX from the embedder contract.
const RateLimitMax = -1

// Config is the rate limit descriptor: read/write rate in bytes/sec and
// read/write burst in bytes. A rate set to RateLimitMax (or any value
// <= 0) disables throttling for that axis; a burst set to RateLimitMax
// (or <= 0) defaults to one second's worth of the axis's rate.
type Config struct {
	MaxReadRate   int64
	MaxReadBurst  int64
	MaxWriteRate  int64
	MaxWriteBurst int64
}

func newLimiter(ratePerSec, burst int64) *rate.Limiter {
	if ratePerSec == RateLimitMax || ratePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	b := int(burst)
	if burst == RateLimitMax || burst <= 0 {
		b = int(ratePerSec)
	}
	return rate.NewLimiter(rate.Limit(ratePerSec), b)
}

// waitN spends n tokens against limiter, splitting the request into
// burst-sized waits. rate.Limiter.WaitN rejects any single call whose n
// exceeds the limiter's burst, so a caller handing over a read/write
// chunk larger than the configured burst (the common case once a
// caller sets a small burst for a fast connection) must be chunked
// here rather than in a single WaitN call.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	if n <= 0 {
		return nil
	}
	if limiter.Limit() == rate.Inf {
		return limiter.WaitN(ctx, n)
	}
	burst := limiter.Burst()
	if burst <= 0 {
		burst = n
	}
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Group is one of the two process-lifetime rate limit groups (inbound or
// outbound). Configuration can be swapped out atomically while connections
// remain attached; existing members keep using the prior limiter instance
// right up until the swap completes.
type Group struct {
	mu      sync.Mutex
	cfg     Config
	read    *rate.Limiter
	write   *rate.Limiter
	members map[uint64]struct{}
}

// NewGroup constructs a Group with the given initial configuration.
func NewGroup(cfg Config) *Group {
	g := &Group{members: make(map[uint64]struct{})}
	g.SetConfig(cfg)
	return g
}

// SetConfig atomically replaces the group's bucket configuration. The swap
// happens under the group's lock so callers observe either the old or the
// new configuration, never a partial one.
func (g *Group) SetConfig(cfg Config) {
	read := newLimiter(cfg.MaxReadRate, cfg.MaxReadBurst)
	write := newLimiter(cfg.MaxWriteRate, cfg.MaxWriteBurst)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	g.read = read
	g.write = write
}

// Config returns the group's current configuration.
func (g *Group) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// Attach records that a connection has been promoted into this group.
func (g *Group) Attach(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[id] = struct{}{}
}

// Detach removes a connection from the group's membership set.
func (g *Group) Detach(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, id)
}

// MemberCount returns the number of connections currently attached.
func (g *Group) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

func (g *Group) limiters() (read, write *rate.Limiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.read, g.write
}

// WaitRead blocks until n bytes of read budget are available on the
// group's shared bucket.
func (g *Group) WaitRead(ctx context.Context, n int) error {
	read, _ := g.limiters()
	return waitN(ctx, read, n)
}

// WaitWrite blocks until n bytes of write budget are available on the
// group's shared bucket.
func (g *Group) WaitWrite(ctx context.Context, n int) error {
	_, write := g.limiters()
	return waitN(ctx, write, n)
}

// Override is a per-connection bucket pair consumed before its group's
// bucket; the group's bucket is still consumed afterwards. A Connection
// without an override just talks to its Group directly.
type Override struct {
	read  *rate.Limiter
	write *rate.Limiter
}

// NewOverride builds a per-connection override from a Config.
func NewOverride(cfg Config) *Override {
	return &Override{
		read:  newLimiter(cfg.MaxReadRate, cfg.MaxReadBurst),
		write: newLimiter(cfg.MaxWriteRate, cfg.MaxWriteBurst),
	}
}

// WaitRead consumes the override's read bucket, then the group's.
func (o *Override) WaitRead(ctx context.Context, group *Group, n int) error {
	if o != nil {
		if err := waitN(ctx, o.read, n); err != nil {
			return err
		}
	}
	return group.WaitRead(ctx, n)
}

// WaitWrite consumes the override's write bucket, then the group's.
func (o *Override) WaitWrite(ctx context.Context, group *Group, n int) error {
	if o != nil {
		if err := waitN(ctx, o.write, n); err != nil {
			return err
		}
	}
	return group.WaitWrite(ctx, n)
}
