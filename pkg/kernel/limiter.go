package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

// BackpressurePolicy defines per-actor rate limits.
type BackpressurePolicy struct {
	RPM   int // sustained requests per minute
	Burst int // bucket capacity
}

// LimiterStore abstracts the storage for rate-limit buckets so a clustered
// deployment can share state through Redis while tests and lite mode run
// in-memory.
type LimiterStore interface {
	// Allow reports whether actorID may perform an action costing cost
	// tokens under policy.
	Allow(ctx context.Context, actorID string, policy BackpressurePolicy, cost int) (bool, error)
}

// EvaluateBackpressure checks the actor against the store. A nil store fails
// closed: an unlimited gateway is worse than a dead one.
func EvaluateBackpressure(ctx context.Context, store LimiterStore, actorID string, policy BackpressurePolicy) error {
	if store == nil {
		return fault.New(fault.Permanent, "kernel.backpressure", "no limiter store configured")
	}
	allowed, err := store.Allow(ctx, actorID, policy, 1)
	if err != nil {
		return fault.Wrap(fault.Transient, "kernel.backpressure", err)
	}
	if !allowed {
		return fault.New(fault.Capacity, "kernel.backpressure", "rate limit exceeded for %s", actorID)
	}
	return nil
}

// TokenBucket is a thread-safe token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

func NewTokenBucket(ratePerSec float64, capacity int) *TokenBucket {
	tb := &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		now:        time.Now,
	}
	tb.lastRefill = tb.now()
	return tb
}

// WithClock overrides the refill clock. Tests drive this.
func (tb *TokenBucket) WithClock(clock func() time.Time) *TokenBucket {
	tb.now = clock
	tb.lastRefill = clock()
	return tb
}

func (tb *TokenBucket) Allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// InMemoryLimiterStore keeps buckets per actor. Single-instance deployments
// and tests.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	clock   func() time.Time
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{buckets: make(map[string]*TokenBucket), clock: time.Now}
}

func (s *InMemoryLimiterStore) WithClock(clock func() time.Time) *InMemoryLimiterStore {
	s.clock = clock
	return s
}

func (s *InMemoryLimiterStore) Allow(ctx context.Context, actorID string, policy BackpressurePolicy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, ok := s.buckets[actorID]
	if !ok {
		rate := float64(policy.RPM) / 60.0
		if rate <= 0 {
			rate = 1
		}
		tb = NewTokenBucket(rate, policy.Burst).WithClock(s.clock)
		s.buckets[actorID] = tb
	}
	return tb.Allow(cost), nil
}
