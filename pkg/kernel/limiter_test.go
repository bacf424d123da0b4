package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

func TestTokenBucket_ConsumesAndRefills(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tb := NewTokenBucket(2, 4).WithClock(func() time.Time { return now })

	for i := 0; i < 4; i++ {
		if !tb.Allow(1) {
			t.Fatalf("token %d should be available", i)
		}
	}
	if tb.Allow(1) {
		t.Fatal("bucket should be empty")
	}

	now = now.Add(1 * time.Second) // refills 2 tokens
	if !tb.Allow(1) || !tb.Allow(1) {
		t.Fatal("refill after 1s should grant 2 tokens")
	}
	if tb.Allow(1) {
		t.Fatal("third token should not exist yet")
	}
}

func TestTokenBucket_CapacityCap(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tb := NewTokenBucket(100, 3).WithClock(func() time.Time { return now })

	now = now.Add(time.Hour)
	granted := 0
	for tb.Allow(1) {
		granted++
		if granted > 10 {
			break
		}
	}
	if granted != 3 {
		t.Fatalf("refill must cap at capacity 3, granted %d", granted)
	}
}

func TestInMemoryLimiterStore_PerActorBuckets(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store := NewInMemoryLimiterStore().WithClock(func() time.Time { return now })
	policy := BackpressurePolicy{RPM: 60, Burst: 1}

	ok, err := store.Allow(context.Background(), "user-a", policy, 1)
	if err != nil || !ok {
		t.Fatalf("first call for user-a should pass: ok=%v err=%v", ok, err)
	}
	ok, _ = store.Allow(context.Background(), "user-a", policy, 1)
	if ok {
		t.Fatal("user-a burst exhausted, should be limited")
	}
	// Separate actor has its own bucket.
	ok, _ = store.Allow(context.Background(), "user-b", policy, 1)
	if !ok {
		t.Fatal("user-b must not share user-a's bucket")
	}
}

func TestEvaluateBackpressure_FailsClosedWithoutStore(t *testing.T) {
	err := EvaluateBackpressure(context.Background(), nil, "u", BackpressurePolicy{RPM: 60, Burst: 1})
	if err == nil {
		t.Fatal("nil store must fail closed")
	}
	if fault.KindOf(err) != fault.Permanent {
		t.Fatalf("expected permanent fault, got %s", fault.KindOf(err))
	}
}

func TestEvaluateBackpressure_LimitedIsCapacity(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store := NewInMemoryLimiterStore().WithClock(func() time.Time { return now })
	policy := BackpressurePolicy{RPM: 60, Burst: 1}

	_ = EvaluateBackpressure(context.Background(), store, "u", policy)
	err := EvaluateBackpressure(context.Background(), store, "u", policy)
	if fault.KindOf(err) != fault.Capacity {
		t.Fatalf("rate limited should be a capacity fault, got %v", err)
	}
}
