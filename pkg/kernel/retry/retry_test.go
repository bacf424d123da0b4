package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

func TestBackoff_ExponentialGrowth(t *testing.T) {
	policy := Policy{BaseMs: 100, MaxMs: 10000, MaxJitterMs: 0, MaxAttempts: 6}

	d0 := Backoff(Params{Source: "s", OpID: "op", AttemptIndex: 0}, policy)
	d1 := Backoff(Params{Source: "s", OpID: "op", AttemptIndex: 1}, policy)
	d3 := Backoff(Params{Source: "s", OpID: "op", AttemptIndex: 3}, policy)

	if d0 != 100*time.Millisecond {
		t.Errorf("attempt 0: expected 100ms, got %v", d0)
	}
	if d1 != 200*time.Millisecond {
		t.Errorf("attempt 1: expected 200ms, got %v", d1)
	}
	if d3 != 800*time.Millisecond {
		t.Errorf("attempt 3: expected 800ms, got %v", d3)
	}
}

func TestBackoff_CappedAtMax(t *testing.T) {
	policy := Policy{BaseMs: 100, MaxMs: 500, MaxJitterMs: 0, MaxAttempts: 10}
	if d := Backoff(Params{AttemptIndex: 20}, policy); d != 500*time.Millisecond {
		t.Errorf("expected cap at 500ms, got %v", d)
	}
}

func TestBackoff_DeterministicJitter(t *testing.T) {
	policy := Policy{BaseMs: 100, MaxMs: 5000, MaxJitterMs: 300, MaxAttempts: 5}
	p := Params{Source: "fusion", OpID: "evt_1", AttemptIndex: 2}

	first := Backoff(p, policy)
	second := Backoff(p, policy)
	if first != second {
		t.Fatalf("jitter must be deterministic: %v != %v", first, second)
	}

	other := Backoff(Params{Source: "fusion", OpID: "evt_2", AttemptIndex: 2}, policy)
	if first == other {
		t.Log("distinct ops produced equal jitter; possible but unlikely")
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	policy := Policy{BaseMs: 1, MaxMs: 2, MaxJitterMs: 0, MaxAttempts: 5}

	calls := 0
	err := Do(context.Background(), Params{Source: "t", OpID: "x"}, policy, func(context.Context) error {
		calls++
		if calls < 3 {
			return fault.New(fault.Transient, "store.put", "reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	policy := Policy{BaseMs: 1, MaxMs: 2, MaxJitterMs: 0, MaxAttempts: 5}

	calls := 0
	err := Do(context.Background(), Params{}, policy, func(context.Context) error {
		calls++
		return fault.New(fault.Validation, "event.validate", "bad shape")
	})
	if calls != 1 {
		t.Fatalf("validation fault must not retry, got %d calls", calls)
	}
	if fault.KindOf(err) != fault.Validation {
		t.Fatalf("original kind must surface, got %s", fault.KindOf(err))
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	policy := Policy{BaseMs: 1, MaxMs: 1, MaxJitterMs: 0, MaxAttempts: 3}

	calls := 0
	wantErr := fault.New(fault.Transient, "store.put", "down")
	err := Do(context.Background(), Params{}, policy, func(context.Context) error {
		calls++
		return wantErr
	})
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected final error surfaced, got %v", err)
	}
}

func TestDo_RespectsContextDeadline(t *testing.T) {
	policy := Policy{BaseMs: 200, MaxMs: 200, MaxJitterMs: 0, MaxAttempts: 10}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Do(ctx, Params{Source: "t"}, policy, func(context.Context) error {
		return fault.New(fault.Transient, "op", "down")
	})
	if fault.KindOf(err) != fault.Transient {
		t.Fatalf("deadline expiry surfaces as transient, got %v", err)
	}
}
