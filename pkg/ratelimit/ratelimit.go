// Package ratelimit implements the token-bucket rate limiter: capacity
// and refill rate per key, an injectable clock for deterministic tests,
// and clamped (never-decreasing) refill-time bookkeeping so a wall clock
// that jumps backwards cannot corrupt a bucket's state.
package ratelimit

import (
	"fmt"
	"math"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Policy configures a Limiter. Capacity and TokensPerSecond are validated
// at construction time.
type Policy struct {
	Capacity        int
	TokensPerSecond float64
	// Prefix is prepended to every key, so two limiters sharing a backing
	// store with different prefixes isolate from each other.
	Prefix string
}

// Result is the outcome of Consume.
type Result struct {
	Allowed      bool
	Remaining    int
	RetryAfterMs int64
}

type bucketState struct {
	mu              sync.Mutex
	tokens          float64
	lastRefillNanos int64
}

// Limiter is a token-bucket rate limiter keyed by an arbitrary identity
// string (connection id, IP, user id, ...). The zero value is not usable;
// construct with New.
type Limiter struct {
	policy  Policy
	clock   clockwork.Clock
	buckets sync.Map // string -> *bucketState
}

// New validates policy and constructs a Limiter using the real wall
// clock. Use NewWithClock to inject a clockwork.Clock (typically
// clockwork.NewFakeClock()) for deterministic tests.
func New(policy Policy) (*Limiter, error) {
	return NewWithClock(policy, clockwork.NewRealClock())
}

// NewWithClock is New with an explicit clock.
func NewWithClock(policy Policy, clock clockwork.Clock) (*Limiter, error) {
	if policy.Capacity < 1 {
		return nil, fmt.Errorf("ratelimit: capacity must be >= 1, got %d", policy.Capacity)
	}
	if policy.TokensPerSecond <= 0 {
		return nil, fmt.Errorf("ratelimit: tokensPerSecond must be > 0, got %v", policy.TokensPerSecond)
	}
	return &Limiter{policy: policy, clock: clock}, nil
}

func (l *Limiter) key(key string) string {
	if l.policy.Prefix == "" {
		return key
	}
	return l.policy.Prefix + key
}

func (l *Limiter) getBucket(key string) *bucketState {
	full := l.key(key)
	if v, ok := l.buckets.Load(full); ok {
		return v.(*bucketState)
	}
	now := l.clock.Now().UnixNano()
	fresh := &bucketState{tokens: float64(l.policy.Capacity), lastRefillNanos: now}
	actual, _ := l.buckets.LoadOrStore(full, fresh)
	return actual.(*bucketState)
}

// Consume attempts to take n tokens from key's bucket. It implements the
// exact refill algorithm of the token-bucket invariant: elapsed time
// since the last refill is clamped to zero (never negative) so a wall
// clock moving backwards neither grants free tokens nor moves
// lastRefillNanos backwards; in that case no refill happens at all for
// this call, matching "do not refill and do not advance lastRefill in
// that case".
func (l *Limiter) Consume(key string, n int) Result {
	b := l.getBucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.clock.Now().UnixNano()
	elapsedNanos := now - b.lastRefillNanos
	if elapsedNanos > 0 {
		elapsedSec := float64(elapsedNanos) / 1e9
		b.tokens = math.Min(float64(l.policy.Capacity), b.tokens+elapsedSec*l.policy.TokensPerSecond)
		b.lastRefillNanos = now
	}
	// elapsedNanos <= 0: clock went backwards or stood still. Clamp to
	// zero: no refill, lastRefillNanos stays put.

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return Result{Allowed: true, Remaining: int(math.Floor(b.tokens))}
	}

	deficit := float64(n) - b.tokens
	retryAfterMs := int64(math.Ceil(deficit * 1000 / l.policy.TokensPerSecond))
	return Result{Allowed: false, Remaining: int(math.Floor(b.tokens)), RetryAfterMs: retryAfterMs}
}

// Allow is Consume(key, 1), for the common single-token case.
func (l *Limiter) Allow(key string) Result {
	return l.Consume(key, 1)
}

// Forget drops a key's bucket state, e.g. on connection close, so a
// long-lived limiter does not accumulate memory for every key it has
// ever seen.
func (l *Limiter) Forget(key string) {
	l.buckets.Delete(l.key(key))
}
