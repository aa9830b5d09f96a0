package ratelimit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestConstructionRejectsInvalidPolicy(t *testing.T) {
	if _, err := New(Policy{Capacity: 0, TokensPerSecond: 1}); err == nil {
		t.Fatal("expected error for capacity < 1")
	}
	if _, err := New(Policy{Capacity: 1, TokensPerSecond: 0}); err == nil {
		t.Fatal("expected error for tokensPerSecond <= 0")
	}
}

func TestConsumeWithinCapacity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := NewWithClock(Policy{Capacity: 10, TokensPerSecond: 1}, clock)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		r := l.Allow("conn-1")
		if !r.Allowed {
			t.Fatalf("call %d: expected allowed, got denied", i)
		}
	}
	r := l.Allow("conn-1")
	if r.Allowed {
		t.Fatal("expected 11th call within the same instant to be denied")
	}
	if r.RetryAfterMs <= 0 {
		t.Fatalf("expected positive retryAfterMs, got %d", r.RetryAfterMs)
	}
}

func TestClockBackwardsClampsWithoutRefillOrPanic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := NewWithClock(Policy{Capacity: 10, TokensPerSecond: 1}, clock)
	if err != nil {
		t.Fatal(err)
	}

	l.Consume("k", 5) // tokens: 10 -> 5

	clock.Advance(-1 * time.Second)

	r := l.Consume("k", 1)
	if !r.Allowed {
		t.Fatal("expected allowed after backwards clock jump")
	}
	if r.Remaining != 4 {
		t.Fatalf("expected remaining=4 (no refill on backwards step), got %d", r.Remaining)
	}
}

func TestNeverExceedsCapacityOrGoesNegative(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := NewWithClock(Policy{Capacity: 3, TokensPerSecond: 1000}, clock)
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Hour) // would overflow capacity without clamping
	r := l.Allow("k")
	if r.Remaining > 3 {
		t.Fatalf("remaining must never exceed capacity, got %d", r.Remaining)
	}

	for i := 0; i < 10; i++ {
		l.Consume("k", 1)
	}
	r = l.Allow("k")
	if r.Remaining < 0 {
		t.Fatalf("remaining must never go negative, got %d", r.Remaining)
	}
}

func TestPrefixIsolatesKeys(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, _ := NewWithClock(Policy{Capacity: 1, TokensPerSecond: 1, Prefix: "a:"}, clock)
	b, _ := NewWithClock(Policy{Capacity: 1, TokensPerSecond: 1, Prefix: "b:"}, clock)

	if !a.Allow("x").Allowed {
		t.Fatal("expected first consume on a to be allowed")
	}
	if !b.Allow("x").Allowed {
		t.Fatal("expected limiter b, prefixed differently, to be unaffected by a's consumption of the same logical key")
	}
}

func TestRetryAfterApproximatelyMatchesDeficit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, _ := NewWithClock(Policy{Capacity: 10, TokensPerSecond: 1}, clock)

	for i := 0; i < 10; i++ {
		l.Allow("k")
	}
	r := l.Allow("k")
	if r.RetryAfterMs < 900 || r.RetryAfterMs > 1100 {
		t.Fatalf("expected retryAfterMs close to 1000, got %d", r.RetryAfterMs)
	}
}
