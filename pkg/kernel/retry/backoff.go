// Package retry computes deterministic exponential backoff. Jitter comes
// from a PRF over the attempt identity rather than a random source, so a
// replayed sequence of failures schedules identically.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

// Params identifies one retried operation.
type Params struct {
	Source       string // subsystem issuing the retry ("fusion", "dispatch")
	OpID         string // stable id of the operation (event id, command id)
	AttemptIndex int
}

// Policy bounds a retry sequence.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy suits transient store and transport failures.
func DefaultPolicy() Policy {
	return Policy{BaseMs: 100, MaxMs: 5000, MaxJitterMs: 250, MaxAttempts: 5}
}

// Backoff returns the delay before the given attempt.
func Backoff(params Params, policy Policy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+jitter(params, policy)) * time.Millisecond
}

func jitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.Source, params.OpID, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Do runs op, retrying retryable faults per policy until attempts or the
// context deadline run out. The final error is returned unchanged so callers
// still see its kind.
func Do(ctx context.Context, params Params, policy Policy, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			p := params
			p.AttemptIndex = attempt
			select {
			case <-time.After(Backoff(p, policy)):
			case <-ctx.Done():
				return fault.Wrap(fault.Transient, params.Source+".retry", ctx.Err())
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !fault.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
