package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestGroupUnlimitedByDefault(t *testing.T) {
	g := NewGroup(Config{MaxReadRate: RateLimitMax, MaxWriteRate: RateLimitMax})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.WaitRead(ctx, 1<<20); err != nil {
		t.Fatalf("unexpected error on unlimited group: %v", err)
	}
}

func TestGroupSetConfigSwapsAtomically(t *testing.T) {
	g := NewGroup(Config{MaxReadRate: 1024, MaxReadBurst: 1024})
	g.Attach(1)
	if got := g.MemberCount(); got != 1 {
		t.Fatalf("MemberCount() = %d, want 1", got)
	}

	g.SetConfig(Config{MaxReadRate: 1, MaxReadBurst: 1})
	cfg := g.Config()
	if cfg.MaxReadRate != 1 {
		t.Fatalf("SetConfig did not take effect: %+v", cfg)
	}

	g.Detach(1)
	if got := g.MemberCount(); got != 0 {
		t.Fatalf("MemberCount() after Detach = %d, want 0", got)
	}
}

func TestGroupWaitLargerThanBurstDoesNotError(t *testing.T) {
	// A chunk bigger than the configured burst (e.g. a socket read
	// against a small-burst rate limit) must be chunked into
	// burst-sized waits rather than rejected outright by WaitN, which
	// errors immediately when n exceeds the limiter's burst.
	g := NewGroup(Config{MaxReadRate: 1 << 20, MaxReadBurst: 16})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.WaitRead(ctx, 1024); err != nil {
		t.Fatalf("WaitRead(1024) against a 16-byte burst should chunk, not error: %v", err)
	}
}

func TestOverrideConsumedBeforeGroup(t *testing.T) {
	group := NewGroup(Config{MaxWriteRate: RateLimitMax})
	override := NewOverride(Config{MaxWriteRate: 1, MaxWriteBurst: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := override.WaitWrite(ctx, group, 1); err != nil {
		t.Fatalf("first write within burst should not block: %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	if err := override.WaitWrite(ctx2, group, 1); err == nil {
		t.Fatalf("second write should be throttled by the per-connection override")
	}
}
